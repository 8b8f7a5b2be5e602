// Package strategy defines the staged qualification pipeline that scores a
// candidate symbol, and the Registry that holds its stages in evaluation
// order.
package strategy

import (
	"fmt"

	"autotrade/internal/domain"
)

// Stage is one qualification step of the pipeline. Evaluate must be a pure
// function of the candidate: no I/O, no randomness, no wall clock.
type Stage interface {
	// Name returns the stage identifier recorded on results and signals.
	Name() domain.StageName

	// Evaluate returns PASS with a partial score, or FAIL with a blocker.
	Evaluate(c *domain.Candidate) domain.StageResult
}

// Registry holds the stages in the order they are evaluated.
type Registry struct {
	stages []Stage
	byName map[domain.StageName]Stage
}

// NewRegistry creates an empty stage Registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[domain.StageName]Stage),
	}
}

// Register appends a stage to the pipeline. Names must be unique.
func (r *Registry) Register(s Stage) error {
	if _, dup := r.byName[s.Name()]; dup {
		return fmt.Errorf("stage %q already registered", s.Name())
	}
	r.stages = append(r.stages, s)
	r.byName[s.Name()] = s
	return nil
}

// Get retrieves a stage by name. The second return value indicates whether
// the stage was found.
func (r *Registry) Get(name domain.StageName) (Stage, bool) {
	s, ok := r.byName[name]
	return s, ok
}

// List returns the stage names in evaluation order.
func (r *Registry) List() []domain.StageName {
	names := make([]domain.StageName, 0, len(r.stages))
	for _, s := range r.stages {
		names = append(names, s.Name())
	}
	return names
}
