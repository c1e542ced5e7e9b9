package depchain

// Delivery is an authenticated, de-duplicated message delivered by a Link.
type Delivery struct {
	// From is the authenticated sender of the message.
	From ProcessID
	// Payload sent by the sender.
	Payload []byte
}

// Link is a point-to-point channel to every other process of the membership.
//
// Link guarantees that a message sent to a correct process is eventually delivered to it
// exactly once and that the sender reported in the Delivery is authentic.
type Link interface {
	// Send enqueues the payload for reliable transmission to the given process.
	// It fails immediately on contract violations, like an unknown destination.
	Send(to ProcessID, payload []byte) error
	// Deliver provides the single stream of messages received from other processes.
	Deliver() <-chan Delivery
}
