package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"mapbot/internal/eventbus"
	"mapbot/internal/storage"
	kit "mapbot/internal/transport"
	logx "mapbot/pkg/logx"
)

const (
	DefaultDelay         = 50 * time.Millisecond
	DefaultProgressEvery = 10

	maxFailures = 200
	statusMax   = 32
)

type Config struct {
	// Delay is the pause between consecutive sends.
	Delay         time.Duration
	ProgressEvery int
}

type Options struct {
	Sender     Sender
	Recipients Recipients
	Audit      storage.AuditLog
	Events     eventbus.Publisher
	Log        logx.Logger
	Sleep      SleepFunc
	Now        func() time.Time
}

// Service runs broadcasts one recipient at a time and keeps a bounded table
// of recent job statuses.
type Service struct {
	mu  sync.Mutex
	cfg Config

	opts Options

	statusMu sync.RWMutex
	status   map[string]*JobStatus
	lastID   string
}

func New(cfg Config, opts Options) *Service {
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Events == nil {
		opts.Events = eventbus.Nop{}
	}
	s := &Service{opts: opts, status: map[string]*JobStatus{}}
	s.Apply(cfg)
	return s
}

// Apply swaps tuning at runtime. Runs in progress keep their snapshot.
func (s *Service) Apply(cfg Config) {
	if cfg.Delay < 0 {
		cfg.Delay = 0
	}
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = DefaultProgressEvery
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// Run sends message to every recipient in order.
//
// Each failure is classified; only unreachable recipients are removed from
// the store. Run pauses Delay between sends (not after the last) and reports
// progress every ProgressEvery recipients. Cancellation stops the run early;
// the partial result is still reported and audited.
func (s *Service) Run(ctx context.Context, message string, recipients []string, rep Reporter) Result {
	if rep == nil {
		rep = NopReporter{}
	}
	if len(recipients) == 0 {
		rep.Empty(ctx)
		return Result{}
	}

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	start := s.opts.Now()
	res := Result{JobID: uuid.NewString(), Total: len(recipients)}
	actor := actorFrom(ctx)
	s.newStatus(res.JobID, actor, res.Total, start)
	log := s.opts.Log.With(logx.String("job", res.JobID))
	log.Info("broadcast started", logx.Int("total", res.Total), logx.Int64("actor_id", actor))

	rep.Started(ctx, res.Total)

	done := 0
	for i, id := range recipients {
		if ctx.Err() != nil {
			break
		}
		err := s.sendOne(ctx, id, message)
		done++
		if err == nil {
			res.Success++
			s.update(res.JobID, func(st *JobStatus) { st.Done++; st.Success++ })
		} else {
			res.Failure++
			kind := kit.FailureKindOf(err)
			pruned := false
			if kind == kit.FailureUnreachable && s.prune(ctx, log, id) {
				res.Pruned++
				pruned = true
			}
			s.update(res.JobID, func(st *JobStatus) {
				st.Done++
				st.Failed++
				if pruned {
					st.Pruned++
				}
				if len(st.Failures) < maxFailures {
					st.Failures = append(st.Failures, Failure{Recipient: id, Kind: kind})
				}
			})
			log.Warn("broadcast send failed",
				logx.String("recipient", id),
				logx.String("kind", kind.String()),
				logx.Bool("pruned", pruned),
				logx.Err(err),
			)
		}

		if done%cfg.ProgressEvery == 0 {
			rep.Progress(ctx, done, res.Total, res.Success, res.Failure)
		}
		if i < len(recipients)-1 && cfg.Delay > 0 {
			if err := s.opts.Sleep(ctx, cfg.Delay); err != nil {
				break
			}
		}
	}

	end := s.opts.Now()
	res.Took = end.Sub(start)
	s.update(res.JobID, func(st *JobStatus) { st.Running = false; st.DoneAt = end })

	fields := []logx.Field{
		logx.Int("total", res.Total),
		logx.Int("done", done),
		logx.Int("success", res.Success),
		logx.Int("failure", res.Failure),
		logx.Int("pruned", res.Pruned),
		logx.Duration("dur", res.Took),
	}
	if ctx.Err() != nil {
		log.Warn("broadcast interrupted", fields...)
	} else {
		log.Info("broadcast finished", fields...)
	}

	s.audit(ctx, log, actor, message, res)
	s.opts.Events.Publish(eventbus.Event{Type: eventbus.BroadcastFinished, Data: res})
	// Report on a fresh context so an interrupted run can still notify the admin.
	rep.Finished(context.WithoutCancel(ctx), res)
	return res
}

func (s *Service) sendOne(ctx context.Context, id, message string) error {
	chatID, err := strconv.ParseInt(id, 10, 64)
	if err != nil || chatID == 0 {
		return &kit.SendError{Kind: kit.FailureUnreachable, Err: fmt.Errorf("invalid recipient id %q", id)}
	}
	if s.opts.Sender == nil {
		return errors.New("broadcast sender not configured")
	}
	_, err = s.opts.Sender.SendText(ctx, kit.ChatTarget{ChatID: chatID}, message, nil)
	return err
}

func (s *Service) prune(ctx context.Context, log logx.Logger, id string) bool {
	if s.opts.Recipients == nil {
		return false
	}
	removed, err := s.opts.Recipients.RemoveRecipient(context.WithoutCancel(ctx), id)
	if err != nil {
		log.Error("prune recipient failed", logx.String("recipient", id), logx.Err(err))
		return false
	}
	if removed {
		s.opts.Events.Publish(eventbus.Event{Type: eventbus.RecipientPruned, Data: id})
	}
	return removed
}

func (s *Service) audit(ctx context.Context, log logx.Logger, actor int64, message string, res Result) {
	if s.opts.Audit == nil {
		return
	}
	meta, _ := json.Marshal(map[string]any{"job": res.JobID, "total": res.Total, "pruned": res.Pruned, "chars": len([]rune(message))})
	entry := storage.AuditEntry{
		At:       s.opts.Now(),
		ActorID:  actor,
		Action:   "broadcast",
		OK:       res.Success,
		Fail:     res.Failure,
		TookMS:   res.Took.Milliseconds(),
		MetaJSON: string(meta),
	}
	if err := s.opts.Audit.AppendAudit(context.WithoutCancel(ctx), entry); err != nil {
		log.Warn("audit append failed", logx.Err(err))
	}
}

// ---- status table ----

func (s *Service) newStatus(id string, actor int64, total int, now time.Time) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.status[id] = &JobStatus{ID: id, ActorID: actor, Total: total, StartedAt: now, Running: true}
	s.lastID = id
	s.pruneStatusLocked()
}

func (s *Service) update(id string, fn func(st *JobStatus)) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if st := s.status[id]; st != nil {
		fn(st)
	}
}

// pruneStatusLocked keeps the newest statusMax finished entries.
func (s *Service) pruneStatusLocked() {
	if len(s.status) <= statusMax {
		return
	}
	type kv struct {
		id string
		at time.Time
	}
	var done []kv
	for id, st := range s.status {
		if !st.Running {
			done = append(done, kv{id, st.StartedAt})
		}
	}
	sort.Slice(done, func(i, j int) bool { return done[i].at.Before(done[j].at) })
	for _, e := range done {
		if len(s.status) <= statusMax {
			return
		}
		delete(s.status, e.id)
	}
}

// Status returns a copy of the job status.
func (s *Service) Status(id string) (JobStatus, bool) {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	st, ok := s.status[id]
	if !ok || st == nil {
		return JobStatus{}, false
	}
	cp := *st
	cp.Failures = append([]Failure(nil), st.Failures...)
	return cp, true
}

// Last returns the most recently started job.
func (s *Service) Last() (JobStatus, bool) {
	s.statusMu.RLock()
	id := s.lastID
	s.statusMu.RUnlock()
	if id == "" {
		return JobStatus{}, false
	}
	return s.Status(id)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
