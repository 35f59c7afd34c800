package emit

// NullEmitter discards all events. Use it to disable observability without
// changing call sites.
type NullEmitter struct{}

// NewNullEmitter creates a no-op emitter.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

// Emit discards the event.
func (n *NullEmitter) Emit(Event) {}
