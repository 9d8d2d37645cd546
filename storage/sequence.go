package storage

import (
	"sync"
	"sync/atomic"

	"github.com/songzhibin97/gkit/generator"
)

// Entity kinds with their own id sequence.
const (
	KindWorkflowDefinition = "workflow_definition"
	KindActivityDefinition = "activity_definition"
	KindTransition         = "transition"
	KindInstance           = "instance"
	KindActivity           = "activity"
	KindDecision           = "decision"
	KindRule               = "rule"
	KindCondition          = "condition"
	KindSelector           = "selector"
	KindFilter             = "filter"
)

// Sequence is a generator.Generator backed by an atomic counter. The first id is 1.
type Sequence struct {
	n atomic.Uint64
}

// NextID returns the next value of the sequence.
func (s *Sequence) NextID() (uint64, error) {
	return s.n.Add(1), nil
}

// idAllocator hands out ids per entity kind. Without a shared generator every
// kind gets its own Sequence.
type idAllocator struct {
	mu     sync.Mutex
	shared generator.Generator
	kinds  map[string]generator.Generator
}

func newIDAllocator(shared generator.Generator) *idAllocator {
	return &idAllocator{shared: shared, kinds: make(map[string]generator.Generator)}
}

func (a *idAllocator) next(kind string) (uint64, error) {
	if a.shared != nil {
		return a.shared.NextID()
	}
	a.mu.Lock()
	g, ok := a.kinds[kind]
	if !ok {
		g = &Sequence{}
		a.kinds[kind] = g
	}
	a.mu.Unlock()
	return g.NextID()
}
