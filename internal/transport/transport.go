package transport

import (
	"context"
)

// Status reports the lifecycle of an open channel, mirroring the states the
// upstream realtime service emits on its subscribe callback.
type Status string

const (
	StatusSubscribed   Status = "SUBSCRIBED"
	StatusClosed       Status = "CLOSED"
	StatusChannelError Status = "CHANNEL_ERROR"
	StatusTimedOut     Status = "TIMED_OUT"
)

// Terminal reports whether the status ends the channel's useful life.
func (s Status) Terminal() bool {
	return s == StatusClosed || s == StatusChannelError || s == StatusTimedOut
}

// TopicSpec identifies one table and event kind to watch on a channel.
type TopicSpec struct {
	Table string
	Event string // "INSERT", "UPDATE" or "*"
}

// Record is a single row-level change delivered on a channel. Old and New
// hold the raw JSON of the row before and after the change; Old may be empty
// for inserts.
type Record struct {
	Table string
	Event string
	Old   []byte
	New   []byte
}

// Events carries the callbacks invoked by the transport for channel
// lifecycle transitions and delivered records. Callbacks run on the
// transport's delivery goroutine and must not block indefinitely.
type Events struct {
	OnStatus func(Status)
	OnRecord func(Record)
}

// Handle identifies one open channel.
type Handle interface {
	ID() string
	Topic() string
}

// Adapter is the change-notification transport the supervisor consumes.
type Adapter interface {
	OpenChannel(ctx context.Context, name string, topics []TopicSpec, events Events) (Handle, error)
	CloseChannel(handle Handle) error
}
