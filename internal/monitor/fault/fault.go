package fault

// Message is an opaque fault payload exchanged with the platform: a label
// identifying the trap class plus its message registers. The architecture
// behind the registers is the substrate's business.
type Message struct {
	Label uint64   `json:"label"`
	Regs  []uint64 `json:"regs,omitempty"`
}

// EmptyReply is the reply used when a fault was emulated and the guest may
// resume with no additional data.
func EmptyReply() Message { return Message{} }

// Handler decodes and emulates a single trapped guest operation.
type Handler interface {
	// Handle returns nil when the trap was emulated and the vcpu may
	// resume. A non-nil error means the trap could not be decoded or
	// emulated and the vcpu must not be resumed.
	Handle(vcpuID uint32, msg Message) error
}
