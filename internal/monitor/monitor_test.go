package monitor

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/vesselvm/vessel/internal/monitor/fault"
	"github.com/vesselvm/vessel/internal/monitor/image"
	"github.com/vesselvm/vessel/internal/monitor/substrate"
	"github.com/vesselvm/vessel/internal/monitor/virq"
)

const (
	testSerialChannel substrate.Channel = 1
	testSerialIRQ     uint32            = 33
)

func testPlacement() image.Placement {
	return image.Placement{
		RAMBase:    0x40000000,
		RAMSize:    0x100000,
		DTBAddr:    0x400f0000,
		InitrdAddr: 0x400d0000,
	}
}

func newTestMonitor(t *testing.T, loader *testLoader, controller *testController, handler *testFaultHandler, sub *testSubstrate) Monitor {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mon, err := New(Params{
		Logger:        logger,
		RAM:           make([]byte, 0x100000),
		Placement:     testPlacement(),
		Images:        image.Set{Kernel: []byte{1}, DTB: []byte{2}},
		Loader:        loader,
		Controller:    controller,
		Faults:        handler,
		Substrate:     sub,
		SerialChannel: testSerialChannel,
		SerialIRQ:     testSerialIRQ,
	})
	if err != nil {
		t.Fatalf("new monitor: %v", err)
	}
	return mon
}

func bootedMonitor(t *testing.T) (Monitor, *testController, *testFaultHandler, *testSubstrate) {
	t.Helper()
	loader := &testLoader{entry: 0x40080000}
	controller := &testController{}
	handler := &testFaultHandler{}
	sub := &testSubstrate{}
	controller.order = &sub.order
	mon := newTestMonitor(t, loader, controller, handler, sub)
	if _, err := mon.Boot(context.Background()); err != nil {
		t.Fatalf("boot: %v", err)
	}
	return mon, controller, handler, sub
}

func TestBootSuccess(t *testing.T) {
	loader := &testLoader{entry: 0x40080000}
	controller := &testController{}
	sub := &testSubstrate{}
	controller.order = &sub.order
	mon := newTestMonitor(t, loader, controller, &testFaultHandler{}, sub)

	entry, err := mon.Boot(context.Background())
	if err != nil {
		t.Fatalf("boot: %v", err)
	}
	if entry != 0x40080000 {
		t.Fatalf("unexpected entry %#x", entry)
	}
	if mon.State() != StateRunning {
		t.Fatalf("expected running, got %s", mon.State())
	}
	if controller.initCalls != 1 {
		t.Fatalf("expected 1 controller init, got %d", controller.initCalls)
	}
	if controller.registerCalls != 1 {
		t.Fatalf("expected 1 registration, got %d", controller.registerCalls)
	}
	if sub.acks[testSerialChannel] != 1 {
		t.Fatalf("expected 1 pre-boot ack, got %d", sub.acks[testSerialChannel])
	}
	if !sub.started {
		t.Fatalf("guest not started")
	}
	// The pre-boot ack must land before guest entry.
	seq := sub.order.events()
	ackAt, startAt := indexOf(seq, "ack"), indexOf(seq, "start")
	if ackAt == -1 || startAt == -1 || ackAt > startAt {
		t.Fatalf("expected ack before start, got %v", seq)
	}
	regs := mon.Registrations()
	if len(regs) != 1 || regs[0].Source != testSerialChannel || regs[0].IRQ != testSerialIRQ {
		t.Fatalf("unexpected registrations %+v", regs)
	}
}

func TestBootImageSetupFailure(t *testing.T) {
	// A loader that cannot make sense of an empty kernel reports the zero
	// sentinel.
	loader := &testLoader{entry: 0}
	controller := &testController{}
	sub := &testSubstrate{}
	controller.order = &sub.order
	mon := newTestMonitor(t, loader, controller, &testFaultHandler{}, sub)

	_, err := mon.Boot(context.Background())
	if !errors.Is(err, ErrImageSetup) {
		t.Fatalf("expected ErrImageSetup, got %v", err)
	}
	if mon.State() != StateHalted {
		t.Fatalf("expected halted, got %s", mon.State())
	}
	if controller.initCalls != 0 || controller.registerCalls != 0 || controller.injectCalls != 0 {
		t.Fatalf("controller touched after image failure: %+v", controller)
	}
	if sub.started {
		t.Fatalf("guest started despite image failure")
	}
}

func TestBootControllerInitFailure(t *testing.T) {
	loader := &testLoader{entry: 0x40080000}
	controller := &testController{initErr: errors.New("gic state corrupt")}
	sub := &testSubstrate{}
	controller.order = &sub.order
	mon := newTestMonitor(t, loader, controller, &testFaultHandler{}, sub)

	_, err := mon.Boot(context.Background())
	if !errors.Is(err, ErrControllerInit) {
		t.Fatalf("expected ErrControllerInit, got %v", err)
	}
	if mon.State() != StateHalted {
		t.Fatalf("expected halted, got %s", mon.State())
	}
	if sub.started {
		t.Fatalf("guest started despite controller failure")
	}
}

func TestBootRegistrationFailureIsFatal(t *testing.T) {
	loader := &testLoader{entry: 0x40080000}
	controller := &testController{registerErr: errors.New("line taken")}
	sub := &testSubstrate{}
	controller.order = &sub.order
	mon := newTestMonitor(t, loader, controller, &testFaultHandler{}, sub)

	_, err := mon.Boot(context.Background())
	if !errors.Is(err, ErrRegisterSerial) {
		t.Fatalf("expected ErrRegisterSerial, got %v", err)
	}
	if mon.State() != StateHalted {
		t.Fatalf("expected halted, got %s", mon.State())
	}
	if sub.started {
		t.Fatalf("guest started despite registration failure")
	}
	if len(mon.Registrations()) != 0 {
		t.Fatalf("registration recorded despite failure")
	}
}

func TestBootRunsOnce(t *testing.T) {
	mon, controller, _, _ := bootedMonitor(t)

	if _, err := mon.Boot(context.Background()); err == nil {
		t.Fatalf("expected second boot to fail")
	}
	if controller.initCalls != 1 {
		t.Fatalf("controller init called %d times", controller.initCalls)
	}
}

func TestNotifiedInjectsThenAcks(t *testing.T) {
	mon, controller, _, sub := bootedMonitor(t)
	preAcks := sub.acks[testSerialChannel]

	mon.Notified(testSerialChannel)

	if controller.injectCalls != 1 {
		t.Fatalf("expected 1 inject, got %d", controller.injectCalls)
	}
	if controller.lastInjected != testSerialIRQ {
		t.Fatalf("injected irq %d, want %d", controller.lastInjected, testSerialIRQ)
	}
	if got := sub.acks[testSerialChannel] - preAcks; got != 1 {
		t.Fatalf("expected exactly 1 ack per notification, got %d", got)
	}
	seq := sub.order.events()
	injectAt := lastIndexOf(seq, "inject")
	ackAt := lastIndexOf(seq, "ack")
	if injectAt == -1 || ackAt == -1 || injectAt > ackAt {
		t.Fatalf("expected inject before ack, got %v", seq)
	}
}

func TestNotifiedInjectFailureStillAcks(t *testing.T) {
	mon, controller, _, sub := bootedMonitor(t)
	controller.injectErr = errors.New("line already pending")
	preAcks := sub.acks[testSerialChannel]

	mon.Notified(testSerialChannel)

	if controller.injectCalls != 1 {
		t.Fatalf("expected 1 inject attempt, got %d", controller.injectCalls)
	}
	if got := sub.acks[testSerialChannel] - preAcks; got != 1 {
		t.Fatalf("dropped edge must still re-arm the source, got %d acks", got)
	}
	if mon.State() != StateRunning {
		t.Fatalf("dropped edge must not halt the guest, state %s", mon.State())
	}
}

func TestNotifiedUnknownSource(t *testing.T) {
	mon, controller, _, sub := bootedMonitor(t)
	preAcks := sub.acks[testSerialChannel]

	mon.Notified(substrate.Channel(7))

	if controller.injectCalls != 0 {
		t.Fatalf("unexpected inject for unknown source")
	}
	if sub.acks[testSerialChannel] != preAcks {
		t.Fatalf("unexpected ack for unknown source")
	}
	if sub.acks[substrate.Channel(7)] != 0 {
		t.Fatalf("unknown source must not be acked")
	}
	if mon.State() != StateRunning {
		t.Fatalf("unknown source must be ignored, state %s", mon.State())
	}
}

func TestFaultResumable(t *testing.T) {
	mon, _, handler, _ := bootedMonitor(t)

	resume, reply := mon.Fault(BootVCPU, fault.Message{Label: 5})
	if !resume {
		t.Fatalf("expected resume")
	}
	if reply == nil || reply.Label != 0 || len(reply.Regs) != 0 {
		t.Fatalf("expected empty reply, got %+v", reply)
	}
	if handler.calls != 1 {
		t.Fatalf("handler invoked %d times", handler.calls)
	}
	if mon.Faults() != 1 {
		t.Fatalf("fault count %d, want 1", mon.Faults())
	}
	if mon.State() != StateRunning {
		t.Fatalf("resumable fault must keep the guest running")
	}
}

func TestFaultUnresumableHalts(t *testing.T) {
	mon, controller, handler, _ := bootedMonitor(t)
	handler.err = errors.New("cannot decode instruction")

	resume, reply := mon.Fault(BootVCPU, fault.Message{Label: 9})
	if resume {
		t.Fatalf("expected no resume")
	}
	if reply != nil {
		t.Fatalf("expected no reply, got %+v", reply)
	}
	if mon.State() != StateHalted {
		t.Fatalf("expected halted, got %s", mon.State())
	}

	// Halted is absorbing: the forwarder refuses further work.
	before := controller.injectCalls
	mon.Notified(testSerialChannel)
	if controller.injectCalls != before {
		t.Fatalf("inject after halt")
	}
}

func TestFaultCounterIncrementsPerCall(t *testing.T) {
	mon, _, handler, _ := bootedMonitor(t)
	handler.err = errors.New("unresumable")

	mon.Fault(BootVCPU, fault.Message{})
	mon.Fault(BootVCPU, fault.Message{})
	if mon.Faults() != 2 {
		t.Fatalf("count must rise independent of outcome, got %d", mon.Faults())
	}
}

func TestFaultPeriodicLog(t *testing.T) {
	loader := &testLoader{entry: 0x40080000}
	controller := &testController{}
	sub := &testSubstrate{}
	controller.order = &sub.order

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	mon, err := New(Params{
		Logger:        logger,
		RAM:           make([]byte, 0x100000),
		Placement:     testPlacement(),
		Images:        image.Set{Kernel: []byte{1}, DTB: []byte{2}},
		Loader:        loader,
		Controller:    controller,
		Faults:        &testFaultHandler{},
		Substrate:     sub,
		SerialChannel: testSerialChannel,
		SerialIRQ:     testSerialIRQ,
	})
	if err != nil {
		t.Fatalf("new monitor: %v", err)
	}
	if _, err := mon.Boot(context.Background()); err != nil {
		t.Fatalf("boot: %v", err)
	}
	buf.Reset()

	for i := 0; i < faultLogInterval; i++ {
		mon.Fault(BootVCPU, fault.Message{})
	}
	if got := strings.Count(buf.String(), "fault dispatch progress"); got != 1 {
		t.Fatalf("expected exactly 1 periodic log in %d faults, got %d", faultLogInterval, got)
	}
}

// callOrder records the interleaving of controller and substrate calls so
// ordering contracts can be asserted.
type callOrder struct {
	mu  sync.Mutex
	seq []string
}

func (o *callOrder) record(event string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seq = append(o.seq, event)
}

func (o *callOrder) events() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.seq...)
}

func indexOf(seq []string, event string) int {
	for i, s := range seq {
		if s == event {
			return i
		}
	}
	return -1
}

func lastIndexOf(seq []string, event string) int {
	for i := len(seq) - 1; i >= 0; i-- {
		if seq[i] == event {
			return i
		}
	}
	return -1
}

type testLoader struct {
	entry uint64
	err   error
	calls int
}

func (l *testLoader) Setup(ram []byte, placement image.Placement, set image.Set) (uint64, error) {
	l.calls++
	return l.entry, l.err
}

type testController struct {
	order         *callOrder
	initCalls     int
	initErr       error
	registerCalls int
	registerErr   error
	injectCalls   int
	injectErr     error
	lastInjected  uint32
}

func (c *testController) Init() error {
	c.initCalls++
	return c.initErr
}

func (c *testController) Register(vcpuID uint32, irq uint32) error {
	c.registerCalls++
	return c.registerErr
}

func (c *testController) Inject(irq uint32) error {
	c.injectCalls++
	c.lastInjected = irq
	if c.order != nil {
		c.order.record("inject")
	}
	return c.injectErr
}

type testFaultHandler struct {
	calls int
	err   error
}

func (h *testFaultHandler) Handle(vcpuID uint32, msg fault.Message) error {
	h.calls++
	return h.err
}

type testSubstrate struct {
	order   callOrder
	started bool
	acks    map[substrate.Channel]int
}

func (s *testSubstrate) StartGuest(ctx context.Context, entry, dtb, initrd uint64) error {
	s.order.record("start")
	s.started = true
	return nil
}

func (s *testSubstrate) AckIRQ(ch substrate.Channel) error {
	s.order.record("ack")
	if s.acks == nil {
		s.acks = make(map[substrate.Channel]int)
	}
	s.acks[ch]++
	return nil
}

var _ image.Loader = (*testLoader)(nil)
var _ virq.Controller = (*testController)(nil)
var _ fault.Handler = (*testFaultHandler)(nil)
var _ substrate.Substrate = (*testSubstrate)(nil)
