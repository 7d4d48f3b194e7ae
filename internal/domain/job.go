package domain

import "fmt"

// JobKind is one of the four scheduled actions an event can own.
type JobKind int

const (
	JobNotify JobKind = iota
	JobReminder
	JobDelete
	JobRepeat
)

// JobKinds lists every kind in firing order for a single occurrence.
var JobKinds = [...]JobKind{JobReminder, JobNotify, JobRepeat, JobDelete}

func (k JobKind) String() string {
	switch k {
	case JobNotify:
		return "notify"
	case JobReminder:
		return "reminder"
	case JobDelete:
		return "delete"
	case JobRepeat:
		return "repeat"
	default:
		return fmt.Sprintf("job(%d)", int(k))
	}
}

// JobData is the immutable payload carried by a trigger into its handler.
type JobData struct {
	EventID   int64
	ShardID   int
	ChannelID int64
}
