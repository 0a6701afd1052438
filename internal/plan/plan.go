// Package plan loads batches of task definitions from YAML files and
// submits them in dependency order.
package plan

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/aristath/taskforge/internal/scheduler"
)

// Plan is a named batch of tasks. Dependencies must point at tasks of the
// same plan.
//
//	name: login
//	tasks:
//	  - id: schema
//	    title: Add users table
//	    category: feature
//	    priority: high
//	  - id: api
//	    title: Login endpoint
//	    depends_on: [schema]
//	    resources: [repo]
type Plan struct {
	Name  string                 `yaml:"name"`
	Tasks []scheduler.Definition `yaml:"tasks"`
}

// Parse decodes and validates a plan. Tasks without an id get a generated
// one; tasks without a priority are normal.
func Parse(data []byte) (*Plan, error) {
	var p Plan
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", scheduler.ErrInvalidDefinition, err)
	}

	// Priority's zero value is low, so look at the raw keys to tell an
	// omitted priority from an explicit one.
	var raw struct {
		Tasks []map[string]yaml.Node `yaml:"tasks"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", scheduler.ErrInvalidDefinition, err)
	}
	for i := range p.Tasks {
		if _, ok := raw.Tasks[i]["priority"]; !ok {
			p.Tasks[i].Priority = scheduler.PriorityNormal
		}
		if p.Tasks[i].ID == "" {
			p.Tasks[i].ID = uuid.NewString()
		}
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Load reads and parses the plan file at path.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan: %w", err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("plan %s: %w", path, err)
	}
	return p, nil
}

func (p *Plan) nodes() []scheduler.Node {
	nodes := make([]scheduler.Node, 0, len(p.Tasks))
	for _, def := range p.Tasks {
		nodes = append(nodes, scheduler.Node{ID: def.ID, Deps: def.Dependencies})
	}
	return nodes
}

// Validate checks every definition and the dependency graph as a whole.
func (p *Plan) Validate() error {
	if len(p.Tasks) == 0 {
		return fmt.Errorf("%w: plan has no tasks", scheduler.ErrInvalidDefinition)
	}
	for _, def := range p.Tasks {
		if err := def.Validate(); err != nil {
			return fmt.Errorf("task %q: %w", def.ID, err)
		}
	}
	return scheduler.NewResolver().Check(p.nodes())
}

// Ordered returns the definitions with every task after its dependencies.
func (p *Plan) Ordered() ([]scheduler.Definition, error) {
	r := scheduler.NewResolver()
	if _, err := r.RegisterAll(p.nodes()); err != nil {
		return nil, err
	}
	order, err := r.Order()
	if err != nil {
		return nil, err
	}

	byID := make(map[string]scheduler.Definition, len(p.Tasks))
	for _, def := range p.Tasks {
		byID[def.ID] = def
	}
	out := make([]scheduler.Definition, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out, nil
}

// Submitter accepts new tasks; *orchestrator.Manager and the NATS client
// both satisfy it.
type Submitter interface {
	CreateTask(ctx context.Context, def scheduler.Definition) (string, error)
}

// Submit creates the plan's tasks in dependency order and returns their
// ids. A saturated queue is retried with exponential backoff until ctx
// ends; any other error stops the submission, leaving earlier tasks in
// place.
func Submit(ctx context.Context, s Submitter, p *Plan) ([]string, error) {
	defs, err := p.Ordered()
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(defs))
	for _, def := range defs {
		var id string
		create := func() error {
			var err error
			id, err = s.CreateTask(ctx, def)
			if err != nil && !errors.Is(err, scheduler.ErrQueueSaturated) {
				return backoff.Permanent(err)
			}
			return err
		}

		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 100 * time.Millisecond
		b.MaxInterval = 5 * time.Second
		b.MaxElapsedTime = 0
		if err := backoff.Retry(create, backoff.WithContext(b, ctx)); err != nil {
			return ids, fmt.Errorf("submitting task %q: %w", def.ID, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
