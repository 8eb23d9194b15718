// Package pipeline instantiates task DAGs from declarative templates.
//
// A template is a named list of task specifications, each declaring its kind,
// weight, retry budget, and the kinds it depends on. Templates know nothing
// about what the handlers do; the builder's only job is to translate kind
// references into dependency edges and hand the store an atomic batch.
package pipeline

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/deckwork/conveyor/internal/store"
)

// TaskSpec is one task declaration inside a template. Kind doubles as the
// task's identity within the template, so kinds must be unique per template.
type TaskSpec struct {
	Kind       string   `yaml:"kind"`
	Weight     int      `yaml:"weight"`
	MaxRetries *int     `yaml:"max_retries"`
	DependsOn  []string `yaml:"depends_on"`
}

// Template is a named, validated DAG shape.
type Template struct {
	Name  string     `yaml:"-"`
	Tasks []TaskSpec `yaml:"tasks"`
}

// Library is a set of templates keyed by name.
type Library map[string]*Template

// libraryFile is the on-disk shape of a template file.
type libraryFile struct {
	Templates map[string]struct {
		Tasks []TaskSpec `yaml:"tasks"`
	} `yaml:"templates"`
}

// LoadLibrary reads and validates a yaml template file.
func LoadLibrary(path string) (Library, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading templates: %w", err)
	}
	return ParseLibrary(data)
}

// ParseLibrary parses and validates yaml template data.
func ParseLibrary(data []byte) (Library, error) {
	var file libraryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing templates: %w", err)
	}
	lib := make(Library, len(file.Templates))
	for name, entry := range file.Templates {
		tmpl := &Template{Name: name, Tasks: entry.Tasks}
		if err := tmpl.Validate(); err != nil {
			return nil, fmt.Errorf("template %q: %w", name, err)
		}
		lib[name] = tmpl
	}
	return lib, nil
}

// Get looks up a template by name.
func (l Library) Get(name string) (*Template, error) {
	tmpl, ok := l[name]
	if !ok {
		return nil, fmt.Errorf("template %q: %w", name, store.ErrNotFound)
	}
	return tmpl, nil
}

// Validate checks the template shape: non-empty, unique kinds, every
// dependency naming a kind defined in the same template, and an acyclic graph.
func (t *Template) Validate() error {
	if len(t.Tasks) == 0 {
		return fmt.Errorf("no tasks: %w", store.ErrInvalid)
	}
	index := make(map[string]int, len(t.Tasks))
	for i, spec := range t.Tasks {
		if spec.Kind == "" {
			return fmt.Errorf("task %d has no kind: %w", i, store.ErrInvalid)
		}
		if _, dup := index[spec.Kind]; dup {
			return fmt.Errorf("duplicate kind %q: %w", spec.Kind, store.ErrInvalid)
		}
		if spec.Weight < 0 {
			return fmt.Errorf("task %q has negative weight: %w", spec.Kind, store.ErrInvalid)
		}
		index[spec.Kind] = i
	}
	for _, spec := range t.Tasks {
		for _, dep := range spec.DependsOn {
			if dep == spec.Kind {
				return fmt.Errorf("task %q depends on itself: %w", spec.Kind, store.ErrInvalid)
			}
			if _, ok := index[dep]; !ok {
				return fmt.Errorf("task %q depends on undefined kind %q: %w",
					spec.Kind, dep, store.ErrInvalid)
			}
		}
	}
	if hasCycle(t.Tasks, index) {
		return fmt.Errorf("dependency cycle: %w", store.ErrInvalid)
	}
	return nil
}

// hasCycle runs Kahn's algorithm over the kind graph. Any node left with a
// positive in-degree after the peel is part of a cycle.
func hasCycle(tasks []TaskSpec, index map[string]int) bool {
	indegree := make([]int, len(tasks))
	downstream := make([][]int, len(tasks))
	for i, spec := range tasks {
		for _, dep := range spec.DependsOn {
			up := index[dep]
			downstream[up] = append(downstream[up], i)
			indegree[i]++
		}
	}
	var ready []int
	for i, d := range indegree {
		if d == 0 {
			ready = append(ready, i)
		}
	}
	peeled := 0
	for len(ready) > 0 {
		n := ready[len(ready)-1]
		ready = ready[:len(ready)-1]
		peeled++
		for _, d := range downstream[n] {
			indegree[d]--
			if indegree[d] == 0 {
				ready = append(ready, d)
			}
		}
	}
	return peeled != len(tasks)
}
