// Package event defines the application event surface of the pairing
// subsystem: resource change notifications for vouching sessions and the
// user-facing proxy-pairing prompts.
//
// Emission is fire-and-forget: Emit must never block and is never called
// with a core lock held. Applications subscribe by providing a Bus
// implementation; ChanBus buffers events for a UI loop and drops on
// overflow rather than stalling the protocol.
package event
