// Package failmode holds the fault-injection state of the tool hop.
package failmode

import (
	"errors"
	"fmt"
	"sync"
)

// Mode is the behavior the tool search endpoint simulates.
type Mode string

const (
	None    Mode = "none"
	Timeout Mode = "timeout"
	Error   Mode = "error"
)

// ErrInvalidMode matches any *InvalidModeError through errors.Is.
var ErrInvalidMode = errors.New("invalid fail mode")

// InvalidModeError reports a mode string outside none, timeout and error.
type InvalidModeError struct {
	Value string
}

func (e *InvalidModeError) Error() string {
	return fmt.Sprintf("mode must be one of: none, timeout, error (got %q)", e.Value)
}

// Is lets callers test with errors.Is(err, ErrInvalidMode).
func (e *InvalidModeError) Is(target error) bool {
	return target == ErrInvalidMode
}

// Modes returns every valid mode.
func Modes() []Mode {
	return []Mode{None, Timeout, Error}
}

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case None, Timeout, Error:
		return true
	}
	return false
}

func (m Mode) String() string {
	return string(m)
}

// Parse converts an admin-supplied string to a Mode. Matching is exact.
func Parse(s string) (Mode, error) {
	m := Mode(s)
	if !m.Valid() {
		return "", &InvalidModeError{Value: s}
	}
	return m, nil
}

// Registry is the process-wide current fail mode.
type Registry struct {
	mu   sync.RWMutex
	mode Mode
}

// New creates a registry starting at initial.
func New(initial Mode) (*Registry, error) {
	if !initial.Valid() {
		return nil, &InvalidModeError{Value: string(initial)}
	}
	return &Registry{mode: initial}, nil
}

// Get returns the current mode.
func (r *Registry) Get() Mode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.mode
}

// Set replaces the current mode. An invalid mode leaves the registry unchanged.
func (r *Registry) Set(m Mode) error {
	if !m.Valid() {
		return &InvalidModeError{Value: string(m)}
	}
	r.mu.Lock()
	r.mode = m
	r.mu.Unlock()
	return nil
}

// SetString parses s and stores it.
func (r *Registry) SetString(s string) (Mode, error) {
	m, err := Parse(s)
	if err != nil {
		return "", err
	}
	return m, r.Set(m)
}
