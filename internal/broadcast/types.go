package broadcast

import (
	"context"
	"time"

	kit "mapbot/internal/transport"
)

// Sender delivers one message. Failures should be *kit.SendError so they can
// be classified.
type Sender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

// Recipients is the store side of a broadcast: failed recipients that are
// unreachable get removed.
type Recipients interface {
	RemoveRecipient(ctx context.Context, id string) (bool, error)
}

// Reporter receives progress for the admin who started the broadcast.
type Reporter interface {
	Empty(ctx context.Context)
	Started(ctx context.Context, total int)
	Progress(ctx context.Context, done, total, ok, fail int)
	Finished(ctx context.Context, r Result)
}

// Result is the outcome of one run.
type Result struct {
	JobID   string
	Total   int
	Success int
	Failure int
	Pruned  int
	Took    time.Duration
}

// JobStatus is the live view of a run.
type JobStatus struct {
	ID        string
	ActorID   int64
	Total     int
	Done      int
	Success   int
	Failed    int
	Pruned    int
	StartedAt time.Time
	DoneAt    time.Time
	Running   bool
	// Failures holds up to maxFailures recipient IDs with their failure kind.
	Failures []Failure
}

type Failure struct {
	Recipient string
	Kind      kit.FailureKind
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// NopReporter ignores every callback.
type NopReporter struct{}

func (NopReporter) Empty(context.Context)                        {}
func (NopReporter) Started(context.Context, int)                 {}
func (NopReporter) Progress(context.Context, int, int, int, int) {}
func (NopReporter) Finished(context.Context, Result)             {}

type actorKey struct{}

// WithActor attaches the requesting admin's user id, recorded in the audit
// entry and job status.
func WithActor(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, actorKey{}, userID)
}

func actorFrom(ctx context.Context) int64 {
	id, _ := ctx.Value(actorKey{}).(int64)
	return id
}
