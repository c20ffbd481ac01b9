package exchange

import (
	"fmt"
	"sync"
)

// Instrument is a tradable asset. Created once by administrative action and
// immutable for the rest of the session.
type Instrument struct {
	ID     string `json:"id"`     // symbol, e.g. "AAPL"
	Name   string `json:"name"`   // display name
	Issued int64  `json:"issued"` // total issued quantity
}

// Registry holds all known instruments. Lookup is read-locked so concurrent
// submissions on different instruments never contend here.
type Registry struct {
	mu          sync.RWMutex
	instruments map[string]*Instrument
}

func NewRegistry() *Registry {
	return &Registry{instruments: make(map[string]*Instrument)}
}

func (r *Registry) Register(ins *Instrument) error {
	if ins == nil || ins.ID == "" {
		return fmt.Errorf("invalid instrument")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.instruments[ins.ID]; exists {
		return fmt.Errorf("instrument %s already registered", ins.ID)
	}
	r.instruments[ins.ID] = ins
	return nil
}

func (r *Registry) Get(id string) (*Instrument, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ins, ok := r.instruments[id]
	return ins, ok
}

func (r *Registry) Exists(id string) bool {
	_, ok := r.Get(id)
	return ok
}

func (r *Registry) List() []*Instrument {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Instrument, 0, len(r.instruments))
	for _, ins := range r.instruments {
		out = append(out, ins)
	}
	return out
}
