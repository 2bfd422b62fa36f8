package substrate

import "context"

// Channel identifies one notification source wired through the platform.
// The platform delivers an event on a channel; the monitor decides what,
// if anything, it maps to.
type Channel uint32

// Substrate exposes the host-kernel primitives the monitor depends on:
// entering guest context and re-arming physical interrupt sources. The
// platform behind it serializes boot, notification, and fault delivery.
type Substrate interface {
	// StartGuest enters the guest's boot vcpu at entry, passing the device
	// tree and initrd guest-physical addresses as boot arguments. It returns
	// once the platform has accepted the guest; execution proceeds out of
	// band and subsequent events arrive as notifications and faults.
	StartGuest(ctx context.Context, entry, dtb, initrd uint64) error

	// AckIRQ acknowledges the physical interrupt source behind ch so an
	// edge-triggered source can signal again.
	AckIRQ(ch Channel) error
}
