// Package hostirq is the registry of physical interrupt lines (spec.md
// §4.2): per-IRQ chip ops, flow-handler dispatch, and per-CPU invocation
// counters.
package hostirq

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/corehv/corehv/core/hverr"
)

// TriggerType is the sensing mode of a physical line.
type TriggerType uint8

const (
	TriggerLevelHigh TriggerType = iota
	TriggerLevelLow
	TriggerEdgeRising
	TriggerEdgeFalling
)

// StateFlags mirrors spec.md §3's per-entry state bits.
type StateFlags uint32

const (
	Disabled StateFlags = 1 << iota
	Masked
	InProgress
	PerCPU
	Level
)

// Result is what an action handler returns.
type Result uint8

const (
	NotHandled Result = iota
	Handled
)

// ActionFunc is one registered interrupt handler.
type ActionFunc func(irq uint32, cookie any) Result

// Chip is the function table a physical line is bound to.
type Chip interface {
	Name() string
	Mask(irq uint32, data any)
	Unmask(irq uint32, data any)
	Ack(irq uint32, data any)
	EOI(irq uint32, data any)
	SetType(irq uint32, data any, trig TriggerType) error
	SetAffinity(irq uint32, data any, cpu int) error
}

// FlowKind selects which flow handler dispatches a line.
type FlowKind uint8

const (
	FlowLevel FlowKind = iota
	FlowFastEOI
)

type action struct {
	fn        ActionFunc
	devCookie any
}

type entry struct {
	mu       sync.Mutex
	num      uint32
	name     string
	flags    StateFlags
	flow     FlowKind
	chip     Chip
	chipData any
	actions  []action
	counters []uint64 // per host CPU
}

// Table is the fixed host-IRQ registry, one global IRQ-save spinlock per
// spec.md §5 (expressed as a plain sync.Mutex per SPEC_FULL.md §5).
type Table struct {
	mu      sync.Mutex
	entries map[uint32]*entry
	numCPU  int
}

// NewTable creates an empty table sized for numCPU host CPUs.
func NewTable(numCPU int) *Table {
	return &Table{entries: make(map[uint32]*entry), numCPU: numCPU}
}

func (t *Table) getOrCreate(irq uint32, name string, chip Chip, chipData any, flow FlowKind, perCPU bool) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[irq]
	if !ok {
		e = &entry{
			num:      irq,
			name:     name,
			chip:     chip,
			chipData: chipData,
			flow:     flow,
			flags:    Disabled | Masked,
			counters: make([]uint64, t.numCPU),
		}
		if perCPU {
			e.flags |= PerCPU
		}
		t.entries[irq] = e
	}
	return e
}

// Register binds (callback, devCookie) to irq, creating the line's entry
// on first use. Registration unmasks the line (spec.md §4.2).
func (t *Table) Register(irq uint32, name string, chip Chip, chipData any, flow FlowKind, perCPU bool, fn ActionFunc, devCookie any) error {
	if chip == nil || fn == nil {
		return hverr.New(hverr.INVALID, "host irq register: chip and handler required")
	}
	e := t.getOrCreate(irq, name, chip, chipData, flow, perCPU)
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, a := range e.actions {
		if a.devCookie == devCookie {
			return hverr.New(hverr.INVALID, "irq %d: dev_cookie already registered", irq)
		}
	}
	e.actions = append(e.actions, action{fn: fn, devCookie: devCookie})
	e.flags &^= Disabled | Masked
	e.chip.Unmask(irq, e.chipData)
	return nil
}

// Unregister removes the (irq, devCookie) action. On last unregistration
// the line is masked.
func (t *Table) Unregister(irq uint32, devCookie any) error {
	t.mu.Lock()
	e, ok := t.entries[irq]
	t.mu.Unlock()
	if !ok {
		return hverr.New(hverr.NotAvailable, "irq %d not registered", irq)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	idx := -1
	for i, a := range e.actions {
		if a.devCookie == devCookie {
			idx = i
			break
		}
	}
	if idx < 0 {
		return hverr.New(hverr.NotAvailable, "irq %d: dev_cookie not registered", irq)
	}
	e.actions = append(e.actions[:idx], e.actions[idx+1:]...)
	if len(e.actions) == 0 {
		e.flags |= Disabled | Masked
		e.chip.Mask(irq, e.chipData)
	}
	return nil
}

// SetType updates the line's trigger sensing and the Level state bit.
func (t *Table) SetType(irq uint32, trig TriggerType) error {
	t.mu.Lock()
	e, ok := t.entries[irq]
	t.mu.Unlock()
	if !ok {
		return hverr.New(hverr.NotAvailable, "irq %d not available", irq)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.chip.SetType(irq, e.chipData, trig); err != nil {
		return hverr.New(hverr.FAIL, "set_type irq %d: %v", irq, err)
	}
	if trig == TriggerLevelHigh || trig == TriggerLevelLow {
		e.flags |= Level
	} else {
		e.flags &^= Level
	}
	return nil
}

// runActions calls every registered action until one reports Handled.
func runActions(e *entry) Result {
	for _, a := range e.actions {
		if a.fn(e.num, a.devCookie) == Handled {
			return Handled
		}
	}
	return NotHandled
}

// handleLevelIRQ masks, acks, runs actions until handled, then unmasks.
func handleLevelIRQ(e *entry) {
	e.chip.Mask(e.num, e.chipData)
	e.chip.Ack(e.num, e.chipData)
	runActions(e)
	e.chip.Unmask(e.num, e.chipData)
}

// handleFastEOI runs actions then sends end-of-interrupt to the chip.
func handleFastEOI(e *entry) {
	runActions(e)
	e.chip.EOI(e.num, e.chipData)
}

// HostGenericIRQExec is the entry point from architecture-specific trap
// code: it increments the per-CPU counter and dispatches the flow handler.
// An unknown IRQ is a local failure: nothing else happens.
func (t *Table) HostGenericIRQExec(irq uint32, cpu int) error {
	t.mu.Lock()
	e, ok := t.entries[irq]
	t.mu.Unlock()
	if !ok {
		return hverr.New(hverr.NotAvailable, "irq %d not available", irq)
	}
	if cpu >= 0 && cpu < len(e.counters) {
		e.mu.Lock()
		e.counters[cpu]++
		e.mu.Unlock()
	}

	e.mu.Lock()
	perCPU := e.flags&PerCPU != 0
	if !perCPU {
		if e.flags&InProgress != 0 {
			e.mu.Unlock()
			return hverr.New(hverr.Busy, "irq %d already in progress", irq)
		}
		e.flags |= InProgress
	}
	e.mu.Unlock()

	switch e.flow {
	case FlowLevel:
		handleLevelIRQ(e)
	case FlowFastEOI:
		handleFastEOI(e)
	default:
		logrus.WithField("irq", irq).Warn("host irq: no flow handler bound")
	}

	if !perCPU {
		e.mu.Lock()
		e.flags &^= InProgress
		e.mu.Unlock()
	}
	return nil
}

// HostIRQExec asks the chip to resolve a CPU-local interrupt id to a
// global IRQ number and dispatches it.
func (t *Table) HostIRQExec(chip Chip, cpuIRQ uint32, resolve func(cpuIRQ uint32) (uint32, error), cpu int) error {
	irq, err := resolve(cpuIRQ)
	if err != nil {
		return hverr.New(hverr.NotAvailable, "resolve cpu irq %d: %v", cpuIRQ, err)
	}
	return t.HostGenericIRQExec(irq, cpu)
}

// Count returns the per-CPU invocation counter for irq.
func (t *Table) Count(irq uint32, cpu int) (uint64, error) {
	t.mu.Lock()
	e, ok := t.entries[irq]
	t.mu.Unlock()
	if !ok {
		return 0, hverr.New(hverr.NotAvailable, "irq %d not available", irq)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if cpu < 0 || cpu >= len(e.counters) {
		return 0, hverr.New(hverr.INVALID, "cpu %d out of range", cpu)
	}
	return e.counters[cpu], nil
}

// Flags returns the current state flags for irq, for tests and diagnostics.
func (t *Table) Flags(irq uint32) (StateFlags, error) {
	t.mu.Lock()
	e, ok := t.entries[irq]
	t.mu.Unlock()
	if !ok {
		return 0, hverr.New(hverr.NotAvailable, "irq %d not available", irq)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flags, nil
}
