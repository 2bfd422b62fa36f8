// Package loopback provides an in-process substrate and interrupt
// controller for hosts without a real separation platform. It is used by
// the daemon as a fallback backend and by tests.
package loopback

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vesselvm/vessel/internal/monitor/fault"
	"github.com/vesselvm/vessel/internal/monitor/substrate"
	"github.com/vesselvm/vessel/internal/monitor/virq"
)

// FaultHandler resumes every fault; the simulated guest raises no traps
// that need emulation.
type FaultHandler struct{}

var _ fault.Handler = FaultHandler{}

func (FaultHandler) Handle(vcpuID uint32, msg fault.Message) error { return nil }

// Substrate simulates guest entry and a set of edge-triggered interrupt
// sources. A source that fires while still latched loses the edge until it
// is acknowledged, which is exactly the behavior the monitor's pre-boot ack
// exists for.
type Substrate struct {
	mu      sync.Mutex
	started bool
	entry   uint64
	dtb     uint64
	initrd  uint64
	latched map[substrate.Channel]bool
	acks    map[substrate.Channel]int
}

var _ substrate.Substrate = (*Substrate)(nil)

// New returns a substrate with the given channels already latched, standing
// in for interrupts that arrived before the guest was booted.
func New(latched ...substrate.Channel) *Substrate {
	s := &Substrate{
		latched: make(map[substrate.Channel]bool),
		acks:    make(map[substrate.Channel]int),
	}
	for _, ch := range latched {
		s.latched[ch] = true
	}
	return s
}

func (s *Substrate) StartGuest(ctx context.Context, entry, dtb, initrd uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("loopback: guest already started")
	}
	s.started = true
	s.entry = entry
	s.dtb = dtb
	s.initrd = initrd
	return nil
}

func (s *Substrate) AckIRQ(ch substrate.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latched[ch] = false
	s.acks[ch]++
	return nil
}

// Started reports whether the guest has been entered.
func (s *Substrate) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Acks returns how many times ch has been acknowledged.
func (s *Substrate) Acks(ch substrate.Channel) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acks[ch]
}

// fire latches ch and reports whether the edge produced a notification. An
// already-latched source swallows the edge.
func (s *Substrate) fire(ch substrate.Channel) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.latched[ch] {
		return false
	}
	s.latched[ch] = true
	return true
}

// Pulse raises an edge on ch at the given interval and delivers each edge
// that is not swallowed to notify. It blocks until ctx is done.
func (s *Substrate) Pulse(ctx context.Context, ch substrate.Channel, interval time.Duration, notify func(substrate.Channel)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.fire(ch) {
				notify(ch)
			}
		}
	}
}

// Controller is a minimal in-memory interrupt controller: it tracks which
// lines are registered and refuses injection on unknown ones. The simulated
// guest consumes injected edges immediately.
type Controller struct {
	mu         sync.Mutex
	inited     bool
	registered map[uint32]bool
	injected   map[uint32]int
}

var _ virq.Controller = (*Controller)(nil)

func NewController() *Controller {
	return &Controller{
		registered: make(map[uint32]bool),
		injected:   make(map[uint32]int),
	}
}

func (c *Controller) Init() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inited {
		return fmt.Errorf("loopback: controller already initialized")
	}
	c.inited = true
	return nil
}

func (c *Controller) Register(vcpuID uint32, irq uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.inited {
		return fmt.Errorf("loopback: controller not initialized")
	}
	if c.registered[irq] {
		return fmt.Errorf("loopback: irq %d already registered", irq)
	}
	c.registered[irq] = true
	return nil
}

func (c *Controller) Inject(irq uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.registered[irq] {
		return fmt.Errorf("loopback: irq %d not registered", irq)
	}
	c.injected[irq]++
	return nil
}

// Injected returns how many edges have been delivered on irq.
func (c *Controller) Injected(irq uint32) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.injected[irq]
}
