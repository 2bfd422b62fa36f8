// Package monitor supervises a single guest operating system: it boots the
// guest once, then services its device-interrupt notifications and fault
// traps until the guest halts.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vesselvm/vessel/internal/monitor/events"
	"github.com/vesselvm/vessel/internal/monitor/fault"
	"github.com/vesselvm/vessel/internal/monitor/image"
	"github.com/vesselvm/vessel/internal/monitor/substrate"
	"github.com/vesselvm/vessel/internal/monitor/virq"
	"github.com/vesselvm/vessel/internal/server/eventbus"
)

// State tracks where the guest is in its lifecycle. Halted is absorbing.
type State int32

const (
	StateUninitialized State = iota
	StateBooting
	StateRunning
	StateHalted
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateBooting:
		return "booting"
	case StateRunning:
		return "running"
	case StateHalted:
		return "halted"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// BootVCPU is the vcpu the guest is entered on.
const BootVCPU uint32 = 0

// faultLogInterval is the cadence of the periodic fault-progress log.
const faultLogInterval = 100000

// Boot failure taxonomy. Each halts the lifecycle with no guest entry.
var (
	ErrImageSetup     = errors.New("monitor: guest image setup failed")
	ErrControllerInit = errors.New("monitor: interrupt controller init failed")
	ErrRegisterSerial = errors.New("monitor: serial virq registration failed")
)

// Monitor is the supervisor for one guest session.
type Monitor interface {
	// Boot runs the one-shot startup sequence and enters the guest. It
	// returns the kernel entry address on success. Any failure is terminal:
	// the lifecycle moves to halted and the guest is never entered.
	Boot(ctx context.Context) (uint64, error)

	// Notified services one platform notification: a registered source has
	// its virtual line injected and is then re-armed; unknown sources are
	// logged and ignored.
	Notified(ch substrate.Channel)

	// Fault services one guest trap. It reports whether the vcpu may resume
	// and, when it may, the reply to deliver with the resumption.
	Fault(vcpuID uint32, msg fault.Message) (resume bool, reply *fault.Message)

	State() State
	Entry() uint64
	Faults() uint64
	Registrations() []virq.Registration
}

// Params wires dependencies for the guest monitor.
type Params struct {
	Logger     *slog.Logger
	RAM        []byte // guest RAM window mapped into the monitor
	Placement  image.Placement
	Images     image.Set
	Loader     image.Loader
	Controller virq.Controller
	Faults     fault.Handler
	Substrate  substrate.Substrate
	Bus        eventbus.Bus // optional

	SerialChannel substrate.Channel
	SerialIRQ     uint32
}

// New constructs the production guest monitor.
func New(params Params) (Monitor, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("monitor: logger is required")
	}
	if len(params.RAM) == 0 {
		return nil, fmt.Errorf("monitor: guest RAM window is required")
	}
	if params.Loader == nil {
		return nil, fmt.Errorf("monitor: image loader is required")
	}
	if params.Controller == nil {
		return nil, fmt.Errorf("monitor: interrupt controller is required")
	}
	if params.Faults == nil {
		return nil, fmt.Errorf("monitor: fault handler is required")
	}
	if params.Substrate == nil {
		return nil, fmt.Errorf("monitor: substrate is required")
	}
	if params.SerialIRQ == 0 {
		return nil, fmt.Errorf("monitor: serial virq is required")
	}
	if err := params.Placement.Validate(); err != nil {
		return nil, fmt.Errorf("monitor: %w", err)
	}

	return &monitor{
		logger:        params.Logger.With("component", "monitor"),
		ram:           params.RAM,
		placement:     params.Placement,
		images:        params.Images,
		loader:        params.Loader,
		controller:    params.Controller,
		faults:        params.Faults,
		substrate:     params.Substrate,
		bus:           params.Bus,
		serialChannel: params.SerialChannel,
		serialIRQ:     params.SerialIRQ,
		registrations: make(map[substrate.Channel]virq.Registration),
	}, nil
}

type monitor struct {
	logger     *slog.Logger
	ram        []byte
	placement  image.Placement
	images     image.Set
	loader     image.Loader
	controller virq.Controller
	faults     fault.Handler
	substrate  substrate.Substrate
	bus        eventbus.Bus

	serialChannel substrate.Channel
	serialIRQ     uint32

	state      atomic.Int32
	entry      atomic.Uint64
	faultCount atomic.Uint64

	regMu         sync.RWMutex
	registrations map[substrate.Channel]virq.Registration
}

var _ Monitor = (*monitor)(nil)

func (m *monitor) Boot(ctx context.Context) (uint64, error) {
	if !m.state.CompareAndSwap(int32(StateUninitialized), int32(StateBooting)) {
		return 0, fmt.Errorf("monitor: boot requested in state %s", m.State())
	}
	m.publish(events.GuestEvent{Type: events.TypeGuestBooting, Status: events.GuestStatusBooting})

	m.logger.Info("placing guest images",
		"kernel_bytes", len(m.images.Kernel),
		"dtb_bytes", len(m.images.DTB),
		"initrd_bytes", len(m.images.Initrd),
		"ram_base", fmt.Sprintf("%#x", m.placement.RAMBase))
	entry, err := m.loader.Setup(m.ram, m.placement, m.images)
	if err != nil || entry == 0 {
		m.halt("image setup", err)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrImageSetup, err)
		}
		return 0, ErrImageSetup
	}

	m.logger.Info("initializing virtual interrupt controller")
	if err := m.controller.Init(); err != nil {
		m.halt("controller init", err)
		return 0, fmt.Errorf("%w: %v", ErrControllerInit, err)
	}

	reg := virq.Registration{
		Source: m.serialChannel,
		IRQ:    m.serialIRQ,
		Ack: virq.AckFunc(func() error {
			return m.substrate.AckIRQ(m.serialChannel)
		}),
	}
	if err := m.controller.Register(BootVCPU, m.serialIRQ); err != nil {
		m.halt("serial virq registration", err)
		return 0, fmt.Errorf("%w: %v", ErrRegisterSerial, err)
	}
	m.regMu.Lock()
	m.registrations[m.serialChannel] = reg
	m.regMu.Unlock()

	// A physical edge may already be latched from before boot; clear it now
	// so the next edge can raise a fresh notification.
	m.logger.Info("acknowledging serial source", "channel", uint32(m.serialChannel))
	if err := m.substrate.AckIRQ(m.serialChannel); err != nil {
		m.logger.Warn("pre-boot serial ack", "channel", uint32(m.serialChannel), "error", err)
	}

	m.logger.Info("starting guest",
		"entry", fmt.Sprintf("%#x", entry),
		"dtb", fmt.Sprintf("%#x", m.placement.DTBAddr),
		"initrd", fmt.Sprintf("%#x", m.placement.InitrdAddr))
	if err := m.substrate.StartGuest(ctx, entry, m.placement.DTBAddr, m.placement.InitrdAddr); err != nil {
		m.halt("guest start", err)
		return 0, fmt.Errorf("monitor: start guest: %w", err)
	}

	m.entry.Store(entry)
	m.state.Store(int32(StateRunning))
	m.publish(events.GuestEvent{Type: events.TypeGuestRunning, Status: events.GuestStatusRunning})
	return entry, nil
}

func (m *monitor) Notified(ch substrate.Channel) {
	if state := m.State(); state != StateRunning {
		m.logger.Warn("notification outside running state", "channel", uint32(ch), "state", state.String())
		return
	}

	m.regMu.RLock()
	reg, ok := m.registrations[ch]
	m.regMu.RUnlock()
	if !ok {
		m.logger.Warn("notification from unregistered channel", "channel", uint32(ch))
		m.publish(events.GuestEvent{Type: events.TypeUnknownSource, Channel: uint32(ch)})
		return
	}

	if err := m.controller.Inject(reg.IRQ); err != nil {
		// A dropped edge mirrors real hardware: an unhandled edge can be
		// coalesced or missed, and the guest has to cope.
		m.logger.Error("virq dropped", "irq", reg.IRQ, "channel", uint32(ch), "error", err)
		m.publish(events.GuestEvent{Type: events.TypeIRQDropped, Channel: uint32(ch), IRQ: reg.IRQ})
	}

	// Re-arm the source exactly once per notification, after the injection
	// attempt has resolved either way.
	if err := reg.Ack.Acknowledge(); err != nil {
		m.logger.Error("irq ack", "channel", uint32(ch), "error", err)
	}
}

func (m *monitor) Fault(vcpuID uint32, msg fault.Message) (bool, *fault.Message) {
	count := m.faultCount.Add(1)
	if count%faultLogInterval == 0 {
		m.logger.Info("fault dispatch progress", "handled", count)
	}

	if state := m.State(); state != StateRunning {
		m.logger.Warn("fault outside running state", "vcpu", vcpuID, "state", state.String())
		return false, nil
	}

	if err := m.faults.Handle(vcpuID, msg); err != nil {
		m.logger.Error("unresumable fault", "vcpu", vcpuID, "label", msg.Label, "error", err)
		m.halt("fault emulation", err)
		return false, nil
	}

	reply := fault.EmptyReply()
	return true, &reply
}

func (m *monitor) State() State   { return State(m.state.Load()) }
func (m *monitor) Entry() uint64  { return m.entry.Load() }
func (m *monitor) Faults() uint64 { return m.faultCount.Load() }

// Registrations returns a snapshot of the source-to-virq bindings, ordered
// by channel.
func (m *monitor) Registrations() []virq.Registration {
	m.regMu.RLock()
	defer m.regMu.RUnlock()
	regs := make([]virq.Registration, 0, len(m.registrations))
	for _, reg := range m.registrations {
		regs = append(regs, reg)
	}
	sort.Slice(regs, func(i, j int) bool { return regs[i].Source < regs[j].Source })
	return regs
}

func (m *monitor) halt(step string, err error) {
	m.state.Store(int32(StateHalted))
	m.logger.Error("guest halted", "step", step, "faults", m.Faults(), "error", err)
	m.publish(events.GuestEvent{
		Type:    events.TypeGuestHalted,
		Status:  events.GuestStatusHalted,
		Faults:  m.Faults(),
		Message: step,
	})
}

func (m *monitor) publish(event events.GuestEvent) {
	if m.bus == nil {
		return
	}
	event.Timestamp = time.Now().UTC()
	if err := m.bus.Publish(context.Background(), events.TopicGuestEvents, event); err != nil {
		m.logger.Warn("publish guest event", "type", event.Type, "error", err)
	}
}
