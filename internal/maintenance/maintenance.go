// Package maintenance runs the periodic recipient sync: every user who ever
// uploaded a map is merged into the broadcast recipient set. Recipients
// pruned after an unreachable send are skipped by the store.
package maintenance

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"mapbot/internal/eventbus"
	logx "mapbot/pkg/logx"
)

// Off disables the schedule; the startup sync still runs.
const Off = "off"

type Config struct {
	// Spec is a standard cron spec or descriptor ("@every 6h").
	Spec     string
	Timezone string
	// Timeout bounds one sync run; 0 means 1 minute.
	Timeout time.Duration
}

// Store is the storage subset the sync needs.
type Store interface {
	LinkOwners(ctx context.Context) ([]string, error)
	MergeRecipients(ctx context.Context, ids []string) (int, error)
}

// SyncResult is published with eventbus.RecipientsSynced.
type SyncResult struct {
	Owners int
	Added  int
	Took   time.Duration
}

type Service struct {
	store  Store
	events eventbus.Publisher
	log    logx.Logger
	parser cron.Parser

	mu     sync.Mutex
	cfg    Config
	c      *cron.Cron
	runCtx context.Context

	running atomic.Bool
}

func New(cfg Config, store Store, events eventbus.Publisher, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if events == nil {
		events = eventbus.Nop{}
	}
	return &Service{
		store:  store,
		events: events,
		log:    log.With(logx.String("comp", "maintenance")),
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		cfg:    cfg,
	}
}

// Start runs one sync immediately and then follows the schedule until Stop
// or ctx is done.
func (s *Service) Start(ctx context.Context) error {
	if _, err := s.SyncOnce(ctx); err != nil {
		s.log.Warn("startup recipient sync failed", logx.Err(err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCtx != nil {
		return nil
	}
	s.runCtx = ctx
	return s.startCronLocked()
}

// Apply swaps the schedule. The cron is rebuilt only when spec or
// timezone changed.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.cfg
	s.cfg = cfg
	if s.runCtx == nil {
		return nil
	}
	if strings.TrimSpace(old.Spec) == strings.TrimSpace(cfg.Spec) && strings.TrimSpace(old.Timezone) == strings.TrimSpace(cfg.Timezone) {
		return nil
	}
	s.stopCronLocked()
	return s.startCronLocked()
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.runCtx = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("schedule stopped")
}

// Next reports the next scheduled run, if any.
func (s *Service) Next() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return time.Time{}, false
	}
	entries := s.c.Entries()
	if len(entries) == 0 {
		return time.Time{}, false
	}
	return entries[0].Next, true
}

func (s *Service) startCronLocked() error {
	spec := strings.TrimSpace(s.cfg.Spec)
	if spec == "" || strings.EqualFold(spec, Off) {
		s.log.Info("recipient sync schedule disabled")
		return nil
	}
	loc := time.Local
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return err
		}
		loc = l
	}
	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	ctx := s.runCtx
	if _, err := c.AddFunc(spec, func() { s.scheduled(ctx) }); err != nil {
		return err
	}
	c.Start()
	s.c = c
	s.log.Info("recipient sync scheduled", logx.String("spec", spec), logx.String("tz", loc.String()))
	return nil
}

func (s *Service) stopCronLocked() {
	if s.c == nil {
		return
	}
	<-s.c.Stop().Done()
	s.c = nil
}

func (s *Service) scheduled(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := s.SyncOnce(ctx); err != nil {
		s.log.Warn("scheduled recipient sync failed", logx.Err(err))
	}
}

// SyncOnce merges every link owner that was not pruned into the recipient
// set. Overlapping calls are skipped and return a zero result.
func (s *Service) SyncOnce(ctx context.Context) (SyncResult, error) {
	if !s.running.CompareAndSwap(false, true) {
		s.log.Debug("recipient sync skipped (previous run still running)")
		return SyncResult{}, nil
	}
	defer s.running.Store(false)

	s.mu.Lock()
	timeout := s.cfg.Timeout
	s.mu.Unlock()
	if timeout <= 0 {
		timeout = time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	owners, err := s.store.LinkOwners(ctx)
	if err != nil {
		return SyncResult{}, err
	}
	added, err := s.store.MergeRecipients(ctx, owners)
	if err != nil {
		return SyncResult{}, err
	}
	res := SyncResult{Owners: len(owners), Added: added, Took: time.Since(start)}
	s.log.Info("recipients synced", logx.Int("owners", res.Owners), logx.Int("added", res.Added), logx.Duration("dur", res.Took))
	s.events.Publish(eventbus.Event{Type: eventbus.RecipientsSynced, Time: time.Now(), Data: res})
	return res, nil
}
