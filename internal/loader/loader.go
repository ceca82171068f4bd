// Package loader reads workflow definitions and schedules from YAML files.
//
// Definitions name their handlers; the graph compiler resolves the names
// against the handler registry when the definitions are registered.
package loader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aescanero/dagoflow/internal/application/graph"
	"github.com/aescanero/dagoflow/pkg/domain"
)

const (
	yamlExt = ".yaml"
	ymlExt  = ".yml"
)

// File is the on-disk document
type File struct {
	Workflows []Workflow `yaml:"workflows"`
	Schedules []Schedule `yaml:"schedules"`
}

// Workflow is the YAML form of a workflow definition
type Workflow struct {
	Name               string              `yaml:"name"`
	Version            int                 `yaml:"version"`
	Description        string              `yaml:"description"`
	MaxConcurrentSteps int                 `yaml:"max_concurrent_steps"`
	Retry              *domain.RetryPolicy `yaml:"retry"`
	Steps              []Step              `yaml:"steps"`
}

// Step is the YAML form of a step definition
type Step struct {
	Name            string              `yaml:"name"`
	Handler         string              `yaml:"handler"`
	Rollback        string              `yaml:"rollback"`
	After           []string            `yaml:"after"`
	AwaitApproval   bool                `yaml:"await_approval"`
	ApprovalTimeout time.Duration       `yaml:"approval_timeout"`
	Timeout         time.Duration       `yaml:"timeout"`
	Retry           *domain.RetryPolicy `yaml:"retry"`
	Params          map[string]any      `yaml:"params"`
}

// Schedule is the YAML form of a schedule
type Schedule struct {
	ID       string         `yaml:"id"`
	Workflow string         `yaml:"workflow"`
	Version  int            `yaml:"version"`
	Cron     string         `yaml:"cron"`
	CatchUp  string         `yaml:"catch_up"`
	Input    map[string]any `yaml:"input"`
}

// Definition converts w to a domain definition
func (w Workflow) Definition() domain.WorkflowDefinition {
	def := domain.WorkflowDefinition{
		Name:               w.Name,
		Version:            w.Version,
		Description:        w.Description,
		Retry:              w.Retry,
		MaxConcurrentSteps: w.MaxConcurrentSteps,
		Steps:              make([]domain.StepDefinition, 0, len(w.Steps)),
	}
	for _, s := range w.Steps {
		def.Steps = append(def.Steps, domain.StepDefinition{
			Name:            s.Name,
			After:           s.After,
			HandlerName:     s.Handler,
			RollbackName:    s.Rollback,
			AwaitApproval:   s.AwaitApproval,
			ApprovalTimeout: s.ApprovalTimeout,
			Timeout:         s.Timeout,
			Retry:           s.Retry,
			Params:          s.Params,
		})
	}
	return def
}

// Schedule converts s to a domain schedule
func (s Schedule) Schedule() domain.Schedule {
	return domain.Schedule{
		ID:         s.ID,
		Definition: domain.DefinitionRef{Name: s.Workflow, Version: s.Version},
		Cron:       s.Cron,
		CatchUp:    domain.CatchUpPolicy(s.CatchUp),
		Input:      domain.Context(s.Input),
	}
}

// Parse decodes one YAML document. Unknown fields are rejected.
func Parse(r io.Reader) (*File, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return &f, nil
		}
		return nil, fmt.Errorf("failed to decode workflow file: %w", err)
	}
	return &f, nil
}

// Load reads path. A directory loads every .yaml/.yml file beneath it in
// lexical order.
func Load(path string) (*File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if !info.IsDir() {
		return loadFile(path)
	}

	var paths []string
	err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(p))
		if ext == yamlExt || ext == ymlExt {
			paths = append(paths, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", path, err)
	}
	sort.Strings(paths)

	merged := &File{}
	for _, p := range paths {
		f, err := loadFile(p)
		if err != nil {
			return nil, err
		}
		merged.Workflows = append(merged.Workflows, f.Workflows...)
		merged.Schedules = append(merged.Schedules, f.Schedules...)
	}
	return merged, nil
}

func loadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	f, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// DefinitionRegistrar accepts workflow definitions
type DefinitionRegistrar interface {
	RegisterDefinition(def domain.WorkflowDefinition) (*graph.Graph, error)
}

// ScheduleRegistrar accepts schedules
type ScheduleRegistrar interface {
	Register(ctx context.Context, schedule domain.Schedule) (*domain.Schedule, error)
}

// Apply registers every workflow, then every schedule. Schedules may be nil
// when only definitions are wanted.
func Apply(ctx context.Context, f *File, defs DefinitionRegistrar, schedules ScheduleRegistrar) error {
	for _, w := range f.Workflows {
		if _, err := defs.RegisterDefinition(w.Definition()); err != nil {
			return fmt.Errorf("failed to register workflow %s: %w", w.Name, err)
		}
	}
	if schedules == nil {
		return nil
	}
	for _, s := range f.Schedules {
		if _, err := schedules.Register(ctx, s.Schedule()); err != nil {
			return fmt.Errorf("failed to register schedule %s: %w", s.ID, err)
		}
	}
	return nil
}
