package raft

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// CounterType identifies what a counter measures.
type CounterType int32

const (
	CounterElectionState CounterType = iota + 1
	CounterCommitPosition
	CounterNodeRole
	CounterErrors
	CounterSnapshots
)

func (t CounterType) String() string {
	switch t {
	case CounterElectionState:
		return "election-state"
	case CounterCommitPosition:
		return "commit-position"
	case CounterNodeRole:
		return "node-role"
	case CounterErrors:
		return "errors"
	case CounterSnapshots:
		return "snapshots"
	default:
		return fmt.Sprintf("counter-type(%d)", int32(t))
	}
}

// Counter is a value written by the driver goroutine and read from any
// goroutine.
type Counter struct {
	id      int32
	typeID  CounterType
	label   string
	value   atomic.Int64
	manager *CountersManager
	freed   atomic.Bool
}

func (c *Counter) ID() int32         { return c.id }
func (c *Counter) Type() CounterType { return c.typeID }
func (c *Counter) Label() string     { return c.label }
func (c *Counter) Get() int64        { return c.value.Load() }
func (c *Counter) Set(v int64)       { c.value.Store(v) }
func (c *Counter) Increment() int64  { return c.value.Add(1) }
func (c *Counter) IsClosed() bool    { return c.freed.Load() }
func (c *Counter) String() string    { return fmt.Sprintf("%s=%d", c.label, c.Get()) }

// Close frees the counter. Closing twice is a no-op.
func (c *Counter) Close() {
	if c.freed.CompareAndSwap(false, true) {
		c.manager.free(c)
	}
}

// CountersManager owns the counters of one node.
type CountersManager struct {
	mu       sync.RWMutex
	nextID   int32
	counters map[int32]*Counter
}

func NewCountersManager() *CountersManager {
	return &CountersManager{counters: make(map[int32]*Counter)}
}

// Allocate registers a new counter.
func (m *CountersManager) Allocate(typeID CounterType, label string) *Counter {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := &Counter{id: m.nextID, typeID: typeID, label: label, manager: m}
	m.nextID++
	m.counters[c.id] = c
	return c
}

func (m *CountersManager) free(c *Counter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.counters, c.id)
}

// Find returns the allocated counter of typeID with the lowest id.
func (m *CountersManager) Find(typeID CounterType) (*Counter, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var found *Counter
	for _, c := range m.counters {
		if c.typeID == typeID && (found == nil || c.id < found.id) {
			found = c
		}
	}
	return found, found != nil
}

// CountOf returns how many counters of typeID are allocated.
func (m *CountersManager) CountOf(typeID CounterType) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, c := range m.counters {
		if c.typeID == typeID {
			n++
		}
	}
	return n
}

// ForEach visits every allocated counter in id order.
func (m *CountersManager) ForEach(fn func(id int32, typeID CounterType, label string, value int64)) {
	m.mu.RLock()
	counters := make([]*Counter, 0, len(m.counters))
	for _, c := range m.counters {
		counters = append(counters, c)
	}
	m.mu.RUnlock()

	sort.Slice(counters, func(i, j int) bool { return counters[i].id < counters[j].id })
	for _, c := range counters {
		fn(c.id, c.typeID, c.label, c.Get())
	}
}
