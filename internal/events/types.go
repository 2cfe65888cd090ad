package events

// Event identifies a topic on the bus.
type Event string

const (
	EventGuardTrip      Event = "guard_trip"
	EventDivergence     Event = "divergence"
	EventPositionClosed Event = "position_closed"
	EventAckReceived    Event = "ack_received"
	EventAlert          Event = "alert"
)
