package scheduler

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/gammazero/toposort"
)

// Node is the resolver's view of a task: an id and the ids it depends on.
type Node struct {
	ID   string
	Deps []string
}

type nodeState int

const (
	nodeOpen nodeState = iota
	nodeCompleted
	nodeDead // terminal without completing
)

type graphNode struct {
	deps       []string
	pending    map[string]struct{} // deps not yet completed
	dependents []string
	state      nodeState
}

// Resolver maintains the dependency DAG over task ids and answers which
// tasks are unblocked. Mutations come from the scheduler loop; the lock
// keeps concurrent readers safe.
type Resolver struct {
	mu    sync.RWMutex
	nodes map[string]*graphNode
}

// NewResolver creates an empty resolver.
func NewResolver() *Resolver {
	return &Resolver{
		nodes: make(map[string]*graphNode),
	}
}

// Register adds a single task. See RegisterAll.
func (r *Resolver) Register(id string, deps []string) (bool, error) {
	unblocked, err := r.RegisterAll([]Node{{ID: id, Deps: deps}})
	if err != nil {
		return false, err
	}
	return len(unblocked) == 1, nil
}

// RegisterAll adds a batch of tasks atomically. Dependencies may point at
// already registered tasks or at other members of the batch. The batch is
// rejected as a whole, leaving the graph unchanged, if any id is a
// duplicate, any dependency is unknown or already dead, or the new edges
// would close a cycle. Returns the ids that are unblocked immediately, in
// batch order.
func (r *Resolver) RegisterAll(batch []Node) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.check(batch); err != nil {
		return nil, err
	}

	for _, n := range batch {
		r.nodes[n.ID] = &graphNode{
			deps:    append([]string(nil), n.Deps...),
			pending: make(map[string]struct{}, len(n.Deps)),
		}
	}

	var unblocked []string
	for _, n := range batch {
		gn := r.nodes[n.ID]
		for _, dep := range n.Deps {
			parent := r.nodes[dep]
			parent.dependents = append(parent.dependents, n.ID)
			if parent.state != nodeCompleted {
				gn.pending[dep] = struct{}{}
			}
		}
		if len(gn.pending) == 0 {
			unblocked = append(unblocked, n.ID)
		}
	}
	return unblocked, nil
}

// Check validates a batch without registering it.
func (r *Resolver) Check(batch []Node) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.check(batch)
}

func (r *Resolver) check(batch []Node) error {
	inBatch := make(map[string][]string, len(batch))
	for _, n := range batch {
		if n.ID == "" {
			return fmt.Errorf("%w: empty task id", ErrInvalidDefinition)
		}
		if _, exists := r.nodes[n.ID]; exists {
			return fmt.Errorf("%w: %q", ErrDuplicateTask, n.ID)
		}
		if _, dup := inBatch[n.ID]; dup {
			return fmt.Errorf("%w: %q appears twice", ErrDuplicateTask, n.ID)
		}
		inBatch[n.ID] = n.Deps
	}

	for _, n := range batch {
		for _, dep := range n.Deps {
			if dep == n.ID {
				return fmt.Errorf("%w: task %q depends on itself", ErrCycleDetected, n.ID)
			}
			if _, ok := inBatch[dep]; ok {
				continue
			}
			existing, ok := r.nodes[dep]
			if !ok {
				return fmt.Errorf("%w: task %q depends on unknown task %q", ErrInvalidDefinition, n.ID, dep)
			}
			if existing.state == nodeDead {
				return fmt.Errorf("%w: task %q depends on task %q which can no longer complete", ErrInvalidDefinition, n.ID, dep)
			}
		}
	}

	// Existing nodes never depend on batch members, so any cycle runs
	// through the batch. DFS from each new node back to itself.
	for _, n := range batch {
		if path := findPath(inBatch, n.ID); path != nil {
			return fmt.Errorf("%w: %s", ErrCycleDetected, strings.Join(path, " -> "))
		}
	}
	return nil
}

// findPath returns a dependency path from start back to start through the
// batch edges, or nil.
func findPath(edges map[string][]string, start string) []string {
	visited := make(map[string]bool)
	var path []string

	var visit func(id string) bool
	visit = func(id string) bool {
		path = append(path, id)
		for _, dep := range edges[id] {
			if dep == start {
				path = append(path, start)
				return true
			}
			if visited[dep] {
				continue
			}
			visited[dep] = true
			if visit(dep) {
				return true
			}
		}
		path = path[:len(path)-1]
		return false
	}

	if visit(start) {
		return path
	}
	return nil
}

// OnTaskCompleted records that id completed and returns the dependents whose
// last pending dependency this was.
func (r *Resolver) OnTaskCompleted(id string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[id]
	if !ok || n.state != nodeOpen {
		return nil
	}
	n.state = nodeCompleted

	var unblocked []string
	for _, depID := range n.dependents {
		dep := r.nodes[depID]
		if _, waiting := dep.pending[id]; !waiting {
			continue
		}
		delete(dep.pending, id)
		if len(dep.pending) == 0 && dep.state == nodeOpen {
			unblocked = append(unblocked, depID)
		}
	}
	return unblocked
}

// OnTaskFailedTerminally records that id will never complete and returns
// every transitive dependent that was still open, in breadth-first order.
// Those dependents are marked dead as well.
func (r *Resolver) OnTaskFailedTerminally(id string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[id]
	if !ok || n.state == nodeCompleted {
		return nil
	}
	n.state = nodeDead

	var doomed []string
	queue := append([]string(nil), n.dependents...)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]

		dep := r.nodes[next]
		if dep.state != nodeOpen {
			continue
		}
		dep.state = nodeDead
		doomed = append(doomed, next)
		queue = append(queue, dep.dependents...)
	}
	return doomed
}

// MarkDead flags id as unable to complete without touching its dependents.
// Used when rebuilding state whose cascade was already recorded.
func (r *Resolver) MarkDead(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[id]; ok && n.state == nodeOpen {
		n.state = nodeDead
	}
}

// Has reports whether id is registered.
func (r *Resolver) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.nodes[id]
	return ok
}

// Unblocked reports whether every dependency of id has completed.
func (r *Resolver) Unblocked(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	return ok && len(n.pending) == 0
}

// Pending returns the ids id is still waiting for, sorted.
func (r *Resolver) Pending(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, ok := r.nodes[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(n.pending))
	for dep := range n.pending {
		out = append(out, dep)
	}
	sort.Strings(out)
	return out
}

// Dependents returns the direct dependents of id.
func (r *Resolver) Dependents(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, ok := r.nodes[id]
	if !ok {
		return nil
	}
	return append([]string(nil), n.dependents...)
}

// Len returns the number of registered tasks.
func (r *Resolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// Order returns all registered ids in dependency order using
// gammazero/toposort.
func (r *Resolver) Order() ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	edges := make([]toposort.Edge, 0, len(r.nodes))
	for id, n := range r.nodes {
		if len(n.deps) == 0 {
			edges = append(edges, toposort.Edge{nil, id})
			continue
		}
		for _, dep := range n.deps {
			edges = append(edges, toposort.Edge{dep, id})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCycleDetected, err)
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}
	if len(order) != len(r.nodes) {
		return nil, fmt.Errorf("topological sort lost %d tasks", len(r.nodes)-len(order))
	}
	return order, nil
}
