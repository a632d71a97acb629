package credentials

import (
	"bytes"
	"errors"
	"testing"
)

func newTestSource(env map[string]string, terminal bool, typed string, readErr error) (*Source, *bytes.Buffer) {
	prompt := &bytes.Buffer{}
	s := NewSource("SPCTL_TOKEN", "API token")
	s.lookupEnv = func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
	s.isTerminal = func() bool { return terminal }
	s.readSecret = func() ([]byte, error) { return []byte(typed), readErr }
	s.prompt = prompt
	return s, prompt
}

func TestEnvironmentWins(t *testing.T) {
	s, prompt := newTestSource(map[string]string{"SPCTL_TOKEN": " secret \n"}, true, "typed", nil)
	got, err := s.Get()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "secret" {
		t.Fatalf("expected env value, got %q", got)
	}
	if prompt.Len() != 0 {
		t.Fatalf("expected no prompt, got %q", prompt.String())
	}
}

func TestEmptyEnvironmentRejected(t *testing.T) {
	s, _ := newTestSource(map[string]string{"SPCTL_TOKEN": "  "}, true, "typed", nil)
	if _, err := s.Get(); err == nil {
		t.Fatalf("expected error for blank env value")
	}
}

func TestPromptsOnTerminal(t *testing.T) {
	s, prompt := newTestSource(nil, true, "typed-token", nil)
	got, err := s.Get()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "typed-token" {
		t.Fatalf("unexpected value %q", got)
	}
	if !bytes.Contains(prompt.Bytes(), []byte("Enter API token:")) {
		t.Fatalf("unexpected prompt %q", prompt.String())
	}
	// Cached.
	s.readSecret = func() ([]byte, error) { return nil, errors.New("read twice") }
	if again, err := s.Get(); err != nil || again != "typed-token" {
		t.Fatalf("expected cached value, got %q %v", again, err)
	}
}

func TestNoTerminalFails(t *testing.T) {
	s, _ := newTestSource(nil, false, "", nil)
	if _, err := s.Get(); err == nil {
		t.Fatalf("expected error without terminal")
	}
}

func TestEmptyPromptRejected(t *testing.T) {
	s, _ := newTestSource(nil, true, "   ", nil)
	if _, err := s.Get(); err == nil {
		t.Fatalf("expected error for empty input")
	}
}
