package notifier

import (
	"time"

	"calbot/internal/transport"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	SendTimeout     time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
}

// Notification is one message to a channel. ChannelID is the chat id on
// Telegram; ThreadID selects a forum topic when non-zero.
type Notification struct {
	ChannelID int64
	ThreadID  int
	Text      string
	Embed     *transport.Embed
}

type HistoryItem struct {
	At        time.Time
	ChannelID int64
	Text      string
}

// NotificationEvent is the payload of notifier.* bus events.
type NotificationEvent struct {
	ChannelID int64     `json:"channel_id"`
	ThreadID  int       `json:"thread_id,omitempty"`
	Key       string    `json:"key"`
	At        time.Time `json:"at"`
	Attempts  int       `json:"attempts,omitempty"`
	Error     string    `json:"error,omitempty"`
}
