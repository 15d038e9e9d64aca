package engine

import (
	"context"
	"sync"
)

// Handle is a one-shot completion handle for a single item. It settles
// exactly once, either with the created item or with an error.
type Handle struct {
	once sync.Once
	done chan struct{}
	item *CreatedItem
	err  error
}

func newHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

// Done returns a channel that is closed once the handle settles.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the handle settles or ctx is done.
func (h *Handle) Wait(ctx context.Context) (*CreatedItem, error) {
	select {
	case <-h.done:
		return h.item, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Settled reports whether the handle has settled.
func (h *Handle) Settled() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Result returns the settled result without blocking. Both values are nil
// while the handle is pending.
func (h *Handle) Result() (*CreatedItem, error) {
	if !h.Settled() {
		return nil, nil
	}
	return h.item, h.err
}

func (h *Handle) resolve(item *CreatedItem) bool {
	settled := false
	h.once.Do(func() {
		h.item = item
		close(h.done)
		settled = true
	})
	return settled
}

func (h *Handle) reject(err error) bool {
	settled := false
	h.once.Do(func() {
		h.err = err
		close(h.done)
		settled = true
	})
	return settled
}

// contextSlot is the per-item record held by a DeploymentContext.
type contextSlot struct {
	handle    *Handle
	createdID string
	facts     map[string]interface{}
}

// SlotSnapshot is a copy of one item's record in a DeploymentContext.
type SlotSnapshot struct {
	CreatedID string                 `json:"created_id,omitempty"`
	Facts     map[string]interface{} `json:"facts,omitempty"`
	Settled   bool                   `json:"settled"`
}

// DeploymentContext is the shared state of one deployment. It maps item ids
// to the created runtime id, the completion handle, and substitution facts.
// A context belongs to a single deployment; create a new one per Deploy call.
type DeploymentContext struct {
	mu       sync.RWMutex
	slots    map[string]*contextSlot
	solution map[string]interface{}
}

// NewDeploymentContext creates an empty deployment context.
func NewDeploymentContext() *DeploymentContext {
	return &DeploymentContext{
		slots:    make(map[string]*contextSlot),
		solution: make(map[string]interface{}),
	}
}

// slot returns the slot for id, creating it if needed. Callers hold c.mu.
func (c *DeploymentContext) slot(id string) *contextSlot {
	s, ok := c.slots[id]
	if !ok {
		s = &contextSlot{facts: make(map[string]interface{})}
		c.slots[id] = s
	}
	return s
}

// Register creates the completion handle for id if none exists yet. It
// returns the handle and whether this call created it. Register is atomic:
// concurrent callers for the same id all receive the same handle and exactly
// one of them observes created == true.
func (c *DeploymentContext) Register(id string) (h *Handle, created bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.slot(id)
	if s.handle != nil {
		return s.handle, false
	}
	s.handle = newHandle()
	return s.handle, true
}

// Handle returns the completion handle registered for id.
func (c *DeploymentContext) Handle(id string) (*Handle, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s, ok := c.slots[id]
	if !ok || s.handle == nil {
		return nil, false
	}
	return s.handle, true
}

// Seed records an item that already exists in the target environment, such
// as a dependency deployed outside this solution. It does not register a
// completion handle.
func (c *DeploymentContext) Seed(id, createdID string, facts map[string]interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.slot(id)
	s.createdID = createdID
	for k, v := range facts {
		s.facts[k] = v
	}
}

// SeedSolutionFacts merges solution-level substitution facts into the context.
func (c *DeploymentContext) SeedSolutionFacts(facts map[string]interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, v := range facts {
		c.solution[k] = v
	}
}

// SolutionFacts returns a copy of the solution-level facts.
func (c *DeploymentContext) SolutionFacts() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]interface{}, len(c.solution))
	for k, v := range c.solution {
		out[k] = v
	}
	return out
}

// CreatedID returns the runtime id recorded for id.
func (c *DeploymentContext) CreatedID(id string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s, ok := c.slots[id]
	if !ok || s.createdID == "" {
		return "", false
	}
	return s.createdID, true
}

// Facts returns a copy of the substitution facts recorded for id.
func (c *DeploymentContext) Facts(id string) map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]interface{})
	if s, ok := c.slots[id]; ok {
		for k, v := range s.facts {
			out[k] = v
		}
	}
	return out
}

// SetFact records a substitution fact for id.
func (c *DeploymentContext) SetFact(id, key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.slot(id).facts[key] = value
}

// recordCreated stores the outcome of a successful materialization.
func (c *DeploymentContext) recordCreated(id string, item *CreatedItem) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.slot(id)
	s.createdID = item.CreatedID
	for k, v := range item.Facts {
		s.facts[k] = v
	}
}

// Len returns the number of items known to the context.
func (c *DeploymentContext) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.slots)
}

// Snapshot returns a copy of every item record in the context.
func (c *DeploymentContext) Snapshot() map[string]SlotSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]SlotSnapshot, len(c.slots))
	for id, s := range c.slots {
		snap := SlotSnapshot{
			CreatedID: s.createdID,
			Facts:     make(map[string]interface{}, len(s.facts)),
		}
		for k, v := range s.facts {
			snap.Facts[k] = v
		}
		if s.handle != nil {
			snap.Settled = s.handle.Settled()
		}
		out[id] = snap
	}
	return out
}
