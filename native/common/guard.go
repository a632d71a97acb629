package common

import (
	"errors"
	"fmt"
	"strings"
)

// ErrModulePaused is returned by mutating operations while their module is
// halted by the operator.
var ErrModulePaused = errors.New("module paused")

// PauseView reports operator pauses by module name.
type PauseView interface {
	IsPaused(module string) bool
}

// Guard fails with ErrModulePaused when module is paused. A nil view never
// pauses anything.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return fmt.Errorf("%w: %s", ErrModulePaused, module)
	}
	return nil
}

// PauseSet is a fixed PauseView built from configuration.
type PauseSet map[string]bool

// NewPauseSet pauses each named module. Names are matched case-insensitively.
func NewPauseSet(modules ...string) PauseSet {
	set := make(PauseSet, len(modules))
	for _, module := range modules {
		if name := strings.ToLower(strings.TrimSpace(module)); name != "" {
			set[name] = true
		}
	}
	return set
}

func (s PauseSet) IsPaused(module string) bool {
	return s[strings.ToLower(strings.TrimSpace(module))]
}
