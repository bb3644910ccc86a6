// Package subsystem defines the tunable subsystems the directive gate can
// retarget. Each subsystem exposes a small set of named strategies; the
// gate snapshots the current strategy before applying a directive so a
// regression can be rolled back to the exact prior state.
package subsystem

import (
	"errors"
	"fmt"
	"sort"
)

var (
	ErrUnknownSubsystem = errors.New("unknown subsystem")
	ErrUnknownStrategy  = errors.New("unknown strategy")
)

// Subsystem is one retunable component. Apply must be atomic: on error the
// previous strategy stays in effect. CurrentMetric samples the subsystem's
// own health signal, lower is better; zero means the subsystem has no
// measurement of its own and the caller should fall back to a scheduler
// metric.
type Subsystem interface {
	Name() string
	Strategies() []string
	Current() string
	CurrentMetric() float64
	Apply(strategy string) error
}

// Registry maps subsystem names to implementations.
type Registry struct {
	subsystems map[string]Subsystem
}

func NewRegistry() *Registry {
	return &Registry{subsystems: make(map[string]Subsystem)}
}

func (r *Registry) Register(s Subsystem) {
	r.subsystems[s.Name()] = s
}

func (r *Registry) Get(name string) (Subsystem, error) {
	s, ok := r.subsystems[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSubsystem, name)
	}
	return s, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.subsystems))
	for name := range r.subsystems {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
