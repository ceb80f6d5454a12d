package worksync

import (
	"context"
	"fmt"
	"sync"
)

// Status is the outward view of the sync engine used by status displays.
type Status struct {
	Online    bool         `json:"online"`
	Pending   int          `json:"pending"`
	Errored   int          `json:"errored"`
	Draining  bool         `json:"draining"`
	LastDrain *DrainReport `json:"lastDrain,omitempty"`
}

// Agent wires one repository per registered kind, the shared queue and the
// drainer around a single set of dependencies.
type Agent struct {
	kinds   *KindRegistry
	deps    Deps
	repos   map[string]*Repository
	drainer *Drainer

	mu        sync.Mutex
	nextID    int
	listeners map[int]func()
}

func NewAgent(kinds *KindRegistry, deps Deps, opts DrainerOptions) (*Agent, error) {
	if kinds == nil {
		kinds = DefaultKinds()
	}
	deps, err := deps.normalize()
	if err != nil {
		return nil, err
	}
	a := &Agent{
		kinds:     kinds,
		deps:      deps,
		repos:     map[string]*Repository{},
		listeners: map[int]func(){},
	}
	for _, kind := range kinds.All() {
		repo, err := NewRepository(kind, deps)
		if err != nil {
			return nil, fmt.Errorf("%s repository: %w", kind.Name, err)
		}
		a.repos[kind.Name] = repo
	}
	onComplete := opts.OnComplete
	opts.OnComplete = func(report DrainReport) {
		if onComplete != nil {
			onComplete(report)
		}
		a.notify()
	}
	a.drainer, err = NewDrainer(kinds, deps, opts)
	if err != nil {
		return nil, err
	}
	if monitor, ok := deps.Connectivity.(*Monitor); ok {
		monitor.Subscribe(func(bool) { a.notify() })
	}
	return a, nil
}

func (a *Agent) Kinds() *KindRegistry {
	return a.kinds
}

func (a *Agent) Repository(kind string) (*Repository, bool) {
	k, ok := a.kinds.Lookup(kind)
	if !ok {
		return nil, false
	}
	repo, ok := a.repos[k.Name]
	return repo, ok
}

func (a *Agent) RepositoryBySegment(segment string) (*Repository, bool) {
	k, ok := a.kinds.BySegment(segment)
	if !ok {
		return nil, false
	}
	repo, ok := a.repos[k.Name]
	return repo, ok
}

func (a *Agent) Queue() *Queue {
	return a.deps.Queue
}

func (a *Agent) Drainer() *Drainer {
	return a.drainer
}

func (a *Agent) Drain(ctx context.Context) (DrainReport, error) {
	return a.drainer.Drain(ctx)
}

func (a *Agent) Status(ctx context.Context) (Status, error) {
	stats, err := a.deps.Queue.Stats(ctx)
	if err != nil {
		return Status{}, err
	}
	status := Status{
		Online:   a.deps.Connectivity.IsOnline(),
		Pending:  stats.Pending,
		Errored:  stats.Errored,
		Draining: a.drainer.Running(),
	}
	if last, ok := a.drainer.LastReport(); ok {
		status.LastDrain = &last
	}
	return status, nil
}

// Subscribe registers fn to run after connectivity flips, drains finish, or
// Changed is called.
func (a *Agent) Subscribe(fn func()) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	a.mu.Lock()
	id := a.nextID
	a.nextID++
	a.listeners[id] = fn
	a.mu.Unlock()
	return func() {
		a.mu.Lock()
		delete(a.listeners, id)
		a.mu.Unlock()
	}
}

// Changed tells subscribers that local state moved, e.g. after a mutation
// went through a repository.
func (a *Agent) Changed() {
	a.notify()
}

func (a *Agent) notify() {
	a.mu.Lock()
	listeners := make([]func(), 0, len(a.listeners))
	for _, fn := range a.listeners {
		listeners = append(listeners, fn)
	}
	a.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}

func (a *Agent) Close() error {
	return a.deps.Store.Close()
}
