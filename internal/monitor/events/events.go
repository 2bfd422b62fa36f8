package events

import "time"

// GuestStatus mirrors the monitor lifecycle for event payloads.
type GuestStatus string

const (
	GuestStatusBooting GuestStatus = "booting"
	GuestStatusRunning GuestStatus = "running"
	GuestStatusHalted  GuestStatus = "halted"
)

// GuestEvent describes a significant moment in the guest's lifetime.
type GuestEvent struct {
	Type      string      `json:"type"`
	Status    GuestStatus `json:"status,omitempty"`
	Channel   uint32      `json:"channel,omitempty"`
	IRQ       uint32      `json:"irq,omitempty"`
	Faults    uint64      `json:"faults,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Message   string      `json:"message,omitempty"`
}

const (
	TypeGuestBooting  = "GUEST_BOOTING"
	TypeGuestRunning  = "GUEST_RUNNING"
	TypeGuestHalted   = "GUEST_HALTED"
	TypeIRQDropped    = "IRQ_DROPPED"
	TypeUnknownSource = "IRQ_UNKNOWN_SOURCE"
)

// TopicGuestEvents is the event bus topic for guest lifecycle traffic.
const TopicGuestEvents = "monitor.guest.events"
