package issuance

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/holiman/uint256"

	nativecommon "stabilitypool/native/common"
)

// DefaultDecayFactor is the per-minute retention factor that halves the
// remaining supply every year: 0.5^(1/525600) as an 18-decimal fixed-point
// value.
const DefaultDecayFactor = "999998681227695000"

// DefaultSupplyCap is the reward token supply released to the pool over the
// lifetime of the schedule, in whole tokens.
const DefaultSupplyCap = "32000000"

var (
	errSupplyCap   = errors.New("issuance: supply cap must be positive")
	errDecayFactor = errors.New("issuance: decay factor must be in (0,1)")
	errDeployment  = errors.New("issuance: deployment time required")
)

// Schedule releases a capped supply with exponential decay:
// cumulative(t) = cap × (1 − factor^minutes) where minutes counts whole
// minutes since deployment.
type Schedule struct {
	supplyCap  *uint256.Int
	factor     *uint256.Int
	deployedAt time.Time
}

// NewSchedule validates and builds a schedule. supplyCap and factor are
// 18-decimal fixed-point values.
func NewSchedule(supplyCap, factor *uint256.Int, deployedAt time.Time) (*Schedule, error) {
	if nativecommon.IsZero(supplyCap) {
		return nil, errSupplyCap
	}
	if nativecommon.IsZero(factor) || !factor.Lt(nativecommon.Unit()) {
		return nil, errDecayFactor
	}
	if deployedAt.IsZero() {
		return nil, errDeployment
	}
	return &Schedule{
		supplyCap:  nativecommon.Clone(supplyCap),
		factor:     nativecommon.Clone(factor),
		deployedAt: deployedAt.UTC(),
	}, nil
}

// DefaultSchedule returns the yearly-halving schedule over the default supply
// cap starting at deployedAt.
func DefaultSchedule(deployedAt time.Time) (*Schedule, error) {
	supplyCap, err := nativecommon.ParseDecimal(DefaultSupplyCap)
	if err != nil {
		return nil, err
	}
	factor, err := nativecommon.ParseRaw(DefaultDecayFactor)
	if err != nil {
		return nil, err
	}
	return NewSchedule(supplyCap, factor, deployedAt)
}

// SupplyCap returns the total supply the schedule converges to.
func (s *Schedule) SupplyCap() *uint256.Int { return nativecommon.Clone(s.supplyCap) }

// DeployedAt returns the instant emission started.
func (s *Schedule) DeployedAt() time.Time { return s.deployedAt }

// CumulativeIssuance returns the amount released from deployment up to t.
// Times before deployment release nothing.
func (s *Schedule) CumulativeIssuance(t time.Time) (*uint256.Int, error) {
	if s == nil {
		return nativecommon.Zero(), nil
	}
	if !t.After(s.deployedAt) {
		return nativecommon.Zero(), nil
	}
	minutes := uint64(t.Sub(s.deployedAt) / time.Minute)
	remaining, err := nativecommon.DecPow(s.factor, minutes)
	if err != nil {
		return nil, err
	}
	fraction, err := nativecommon.Sub(nativecommon.Unit(), remaining)
	if err != nil {
		return nil, err
	}
	return nativecommon.MulDiv(s.supplyCap, fraction, nativecommon.Unit())
}

type fileSchedule struct {
	SupplyCap      string    `json:"supplyCap" toml:"supplyCap"`
	DecayFactor    string    `json:"decayFactor" toml:"decayFactor"`
	DeploymentTime time.Time `json:"deploymentTime" toml:"deploymentTime"`
}

// LoadSchedule reads a schedule from a TOML or JSON file. supplyCap is given
// in whole tokens; decayFactor is a raw 18-decimal integer and defaults to the
// yearly-halving factor.
func LoadSchedule(path string) (*Schedule, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("issuance: schedule path required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("issuance: read schedule: %w", err)
	}
	var parsed fileSchedule
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&parsed); err != nil {
			return nil, fmt.Errorf("issuance: decode schedule json: %w", err)
		}
	case ".toml", ".tml":
		meta, err := toml.DecodeReader(bytes.NewReader(data), &parsed)
		if err != nil {
			return nil, fmt.Errorf("issuance: decode schedule toml: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("issuance: unknown schedule fields %v", undecoded)
		}
	default:
		return nil, fmt.Errorf("issuance: unsupported schedule format %q", ext)
	}
	capText := strings.TrimSpace(parsed.SupplyCap)
	if capText == "" {
		capText = DefaultSupplyCap
	}
	supplyCap, err := nativecommon.ParseDecimal(capText)
	if err != nil {
		return nil, fmt.Errorf("issuance: supplyCap: %w", err)
	}
	factorText := strings.TrimSpace(parsed.DecayFactor)
	if factorText == "" {
		factorText = DefaultDecayFactor
	}
	factor, err := nativecommon.ParseRaw(factorText)
	if err != nil {
		return nil, fmt.Errorf("issuance: decayFactor: %w", err)
	}
	return NewSchedule(supplyCap, factor, parsed.DeploymentTime)
}
