package devemu

import (
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/corehv/corehv/core/hverr"
)

// IRQTarget is implemented by whatever routes an emulated device's
// interrupt line into the guest — typically a GIC/PIC emulator instance,
// or the arch glue directly for a guest with no emulated interrupt
// controller.
type IRQTarget interface {
	AssertIRQ(irq uint32) error
	DeassertIRQ(irq uint32) error
}

// irqHandler is one (irq, handler, cookie) registration in a guest's IRQ
// routing table (spec.md §4.8, scenario 5). A shared handler fires for
// every EmulateIRQ call regardless of which VCPU raised it; a per-CPU one
// only fires when cpu matches the one it was registered for.
type irqHandler struct {
	target IRQTarget
	cookie any
	shared bool
	cpu    int
}

// IRQRouter holds, per guest, the IRQ handler lists devemu_emulate_irq
// dispatches against, so a device raising an interrupt line never needs
// to know which controller model (or which VCPU, for a per-CPU line) owns
// it.
type IRQRouter struct {
	mu       sync.RWMutex
	handlers map[int]map[uint32][]*irqHandler // guest id -> irq -> handlers
}

// NewIRQRouter builds an empty router.
func NewIRQRouter() *IRQRouter {
	return &IRQRouter{handlers: map[int]map[uint32][]*irqHandler{}}
}

// RegisterIRQ adds a handler for irq within guest. A shared handler is
// invoked on every EmulateIRQ call naming irq; a per-CPU handler only on
// calls naming its cpu (private peripheral interrupts, in GIC terms).
func (rt *IRQRouter) RegisterIRQ(guest int, irq uint32, shared bool, cpu int, target IRQTarget, cookie any) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	g, ok := rt.handlers[guest]
	if !ok {
		g = map[uint32][]*irqHandler{}
		rt.handlers[guest] = g
	}
	g[irq] = append(g[irq], &irqHandler{target: target, cookie: cookie, shared: shared, cpu: cpu})
}

// UnregisterIRQ removes every handler registered for irq within guest.
func (rt *IRQRouter) UnregisterIRQ(guest int, irq uint32) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if g, ok := rt.handlers[guest]; ok {
		delete(g, irq)
	}
}

// EmulateIRQ is devemu_emulate_irq(guest, irq, cpu, level): walks guest's
// handler list for irq and asserts (level) or deasserts (!level) it
// against every handler that applies to cpu — every shared handler, plus
// any per-CPU handler registered specifically for cpu.
func (rt *IRQRouter) EmulateIRQ(guest int, irq uint32, cpu int, level bool) error {
	rt.mu.RLock()
	var targets []*irqHandler
	if g, ok := rt.handlers[guest]; ok {
		for _, h := range g[irq] {
			if h.shared || h.cpu == cpu {
				targets = append(targets, h)
			}
		}
	}
	rt.mu.RUnlock()

	if len(targets) == 0 {
		return hverr.New(hverr.NotAvailable, "devemu: no irq handler registered for guest %d irq %d", guest, irq)
	}
	var result error
	for _, h := range targets {
		var err error
		if level {
			err = h.target.AssertIRQ(irq)
		} else {
			err = h.target.DeassertIRQ(irq)
		}
		if err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result
}
