package virq

import "github.com/vesselvm/vessel/internal/monitor/substrate"

// Acknowledger re-arms the physical source behind a virtual interrupt line
// after an injection attempt has resolved.
type Acknowledger interface {
	Acknowledge() error
}

// AckFunc adapts a plain function to the Acknowledger interface.
type AckFunc func() error

func (f AckFunc) Acknowledge() error { return f() }

var _ Acknowledger = (AckFunc)(nil)

// Controller is the emulated interrupt controller presented to the guest.
// It owns all pending/active line state; callers only initialize it,
// register lines, and inject edges.
type Controller interface {
	Init() error
	Register(vcpuID uint32, irq uint32) error
	Inject(irq uint32) error
}

// Registration binds one physical notification source to a virtual
// interrupt line and the capability that re-arms the source.
type Registration struct {
	Source substrate.Channel
	IRQ    uint32
	Ack    Acknowledger
}
