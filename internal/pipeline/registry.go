// Package pipeline orchestrates the lowering stages: a registry of named
// stages with explicit dependencies resolved once into a topological order,
// and a runner that executes them, honoring jump markers stages raise to
// rerun earlier structuring work.
package pipeline

import (
	"fmt"
	"strings"
)

// StageFunc runs one stage over the shared context.
type StageFunc func(*Context) error

// StageDef declares a stage: its dependencies must run before it, and
// Jumps lists the earlier stages it may request a rerun of.
type StageDef struct {
	Name  string
	Deps  []string
	Jumps []string
	Run   StageFunc
}

// Registry holds stage definitions until they are resolved into an order.
type Registry struct {
	stages map[string]StageDef
	names  []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{stages: make(map[string]StageDef)}
}

// Register adds a stage. Duplicate names are an error.
func (r *Registry) Register(def StageDef) error {
	if def.Name == "" {
		return fmt.Errorf("pipeline: stage without a name")
	}
	if def.Run == nil {
		return fmt.Errorf("pipeline: stage %s has no body", def.Name)
	}
	if _, ok := r.stages[def.Name]; ok {
		return fmt.Errorf("pipeline: stage %s registered twice", def.Name)
	}
	r.stages[def.Name] = def
	r.names = append(r.names, def.Name)
	return nil
}

// Resolve produces the execution order. Dependencies are validated and a
// cycle is an error naming its members.
func (r *Registry) Resolve() ([]string, error) {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(r.names))
	var order []string
	var stack []string

	var visit func(name string) error
	visit = func(name string) error {
		def, ok := r.stages[name]
		if !ok {
			return fmt.Errorf("pipeline: unknown dependency %s", name)
		}
		switch state[name] {
		case done:
			return nil
		case visiting:
			// Trim the stack to the cycle entry for the message.
			i := 0
			for ; i < len(stack); i++ {
				if stack[i] == name {
					break
				}
			}
			cycle := append(append([]string{}, stack[i:]...), name)
			return fmt.Errorf("pipeline: dependency cycle: %s", strings.Join(cycle, " -> "))
		}
		state[name] = visiting
		stack = append(stack, name)
		for _, dep := range def.Deps {
			if err := visit(dep); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		state[name] = done
		order = append(order, name)
		return nil
	}

	for _, name := range r.names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// Stage returns the definition for name.
func (r *Registry) Stage(name string) (StageDef, bool) {
	def, ok := r.stages[name]
	return def, ok
}
