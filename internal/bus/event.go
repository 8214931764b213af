package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Well-known event kinds. Subscribers filter by namespace prefix,
// e.g. "message." receives every message.* event.
const (
	KindPushEvent    = "push.event"     // decoded realtime event from the push channel
	KindNetOnline    = "net.online"     // connectivity restored
	KindNetOffline   = "net.offline"    // connectivity lost
	KindResyncNeeded = "sync.resync"    // push channel dropped, full resync required
	KindSyncReady    = "sync.ready"     // readiness gate flipped to ready
	KindSendAck      = "message.ack"    // queued send confirmed by the backend
	KindSendRetry    = "message.retry"  // queued send failed, retry scheduled
	KindSendFailed   = "message.failed" // queued send failed permanently
	KindReceiptDone  = "receipt.done"   // mark-as-read succeeded for a conversation
)

// Now returns an event carrying payload, stamped with the current time.
func Now(kind string, payload any) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}
