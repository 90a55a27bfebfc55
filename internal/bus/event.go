package bus

import "time"

// Event kinds published by the daemon. Subscribers filter by namespace
// prefix, so "poll." matches both completion and error events.
const (
	KindMessage       = "wechat.message"
	KindPollCompleted = "poll.completed"
	KindPollError     = "poll.error"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
