package progress

import "context"

// noopChannel drops every update. Used when Redis is not configured; the
// streamer then has no push source and serves polling snapshots only.
type noopChannel struct{}

// NewNoop returns a channel that accepts and discards all writes.
func NewNoop() Channel {
	return noopChannel{}
}

func (noopChannel) UpdateJobProgress(context.Context, string, map[string]interface{}) {}

func (noopChannel) UpdateSimProgress(context.Context, string, string, map[string]interface{}) {}

func (noopChannel) DeleteJobProgress(context.Context, string) {}

func (noopChannel) Subscribe(context.Context, string) (<-chan struct{}, func()) {
	// Never fires; push streaming degrades to its periodic re-snapshot.
	return make(chan struct{}), func() {}
}

func (noopChannel) Live() bool { return false }

func (noopChannel) Ping(context.Context) error { return nil }

func (noopChannel) Close() error { return nil }
