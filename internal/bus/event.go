package bus

import "time"

// Event kinds published by the sync subsystem. Subscribers filter by prefix,
// e.g. "message." or "sync.".
const (
	KindBufferUpdated     = "message.buffer_updated"
	KindSendAck           = "message.send_ack"
	KindSendFailed        = "message.send_failed"
	KindSendQueued        = "message.send_queued"
	KindReceiptUpdated    = "message.receipt_updated"
	KindSyncStatusChanged = "sync.status_changed"
	KindSyncDegraded      = "sync.degraded"
	KindCacheRecovered    = "sync.cache_recovered"
	KindTypingChanged     = "typing.changed"
	KindNotificationShown = "notify.shown"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
