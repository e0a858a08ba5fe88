package bot

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"mapbot/internal/broadcast"
	"mapbot/internal/confirm"
	"mapbot/internal/eventbus"
	"mapbot/internal/plugingen"
	rtsup "mapbot/internal/runtime/supervisor"
	"mapbot/internal/storage"
	kit "mapbot/internal/transport"
	logx "mapbot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessAdminOnly
)

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Access      Access
	// Timeout bounds the handler. 0 uses Settings.CommandTimeout, a negative
	// value disables the bound.
	Timeout time.Duration
	Handle  HandlerFunc
}

// Request is one inbound update being handled.
type Request struct {
	Update kit.Update
	Msg    *kit.Message
	Chat   kit.ChatTarget
	FromID int64
	// Sender is the storage key of the sender (decimal user id).
	Sender  string
	Command string
	// Args is the raw text after the command word, trimmed.
	Args   string
	ReqID  string
	Logger logx.Logger
}

type Uploader interface {
	Upload(ctx context.Context, payload []byte, filename string) (string, error)
}

type Broadcaster interface {
	Run(ctx context.Context, message string, recipients []string, rep broadcast.Reporter) broadcast.Result
	Last() (broadcast.JobStatus, bool)
}

type PluginGenerator interface {
	Generate(mapFileName, url string) plugingen.Artifact
}

type Deps struct {
	Adapter     kit.Adapter
	Store       storage.Store
	Uploader    Uploader
	Broadcaster Broadcaster
	Confirm     *confirm.Store
	Plugins     PluginGenerator
	Events      eventbus.Publisher
	Log         logx.Logger
	Now         func() time.Time
	// BotUsername filters "/cmd@otherbot" in groups. Empty accepts any.
	BotUsername string
}

// Settings are the hot-reloadable knobs.
type Settings struct {
	Admins      []int64
	MaxFileSize int64
	Workers     int
	// CommandTimeout bounds quick commands (/start, /list, /stats).
	CommandTimeout time.Duration
	Location       *time.Location
}

// Dispatcher routes adapter updates to command, text and document handlers
// on a bounded worker pool.
type Dispatcher struct {
	deps Deps
	log  logx.Logger

	mu       sync.RWMutex
	settings Settings
	admins   map[int64]struct{}

	commands map[string]*Command
	list     []*Command

	// pool is the worker supervisor while DispatchLoop runs.
	pool atomic.Pointer[rtsup.Supervisor]
}

func New(deps Deps, s Settings) *Dispatcher {
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	if deps.Events == nil {
		deps.Events = eventbus.Nop{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Confirm == nil {
		deps.Confirm = confirm.New(confirm.DefaultTTL)
	}
	if deps.Plugins == nil {
		deps.Plugins = plugingen.New("", "")
	}
	d := &Dispatcher{
		deps:     deps,
		log:      deps.Log.With(logx.String("comp", "bot")),
		commands: map[string]*Command{},
	}
	d.Apply(s)
	d.register(d.builtinCommands()...)
	return d
}

// Apply swaps settings at runtime.
func (d *Dispatcher) Apply(s Settings) {
	if s.Workers <= 0 {
		s.Workers = 4
	}
	if s.CommandTimeout <= 0 {
		s.CommandTimeout = 30 * time.Second
	}
	if s.Location == nil {
		s.Location = time.Local
	}
	admins := make(map[int64]struct{}, len(s.Admins))
	for _, id := range s.Admins {
		admins[id] = struct{}{}
	}
	s.Admins = append([]int64(nil), s.Admins...)

	d.mu.Lock()
	d.settings = s
	d.admins = admins
	d.mu.Unlock()
}

func (d *Dispatcher) snapshot() Settings {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.settings
}

// WorkerCounters reports the worker pool's goroutines; ok is false when
// DispatchLoop is not running.
func (d *Dispatcher) WorkerCounters() (rtsup.Counters, bool) {
	sup := d.pool.Load()
	if sup == nil {
		return rtsup.Counters{}, false
	}
	return sup.Counters(), true
}

func (d *Dispatcher) isAdmin(id int64) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.admins[id]
	return ok
}

func (d *Dispatcher) register(cmds ...Command) {
	for i := range cmds {
		c := &cmds[i]
		d.list = append(d.list, c)
		d.commands[c.Name] = c
		for _, a := range c.Aliases {
			d.commands[a] = c
		}
	}
}

// MenuCommands lists the public commands for the client menu.
func (d *Dispatcher) MenuCommands() []kit.BotCommand {
	out := make([]kit.BotCommand, 0, len(d.list))
	for _, c := range d.list {
		if c.Access == AccessEveryone && c.Description != "" {
			out = append(out, kit.BotCommand{Command: c.Name, Description: c.Description})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Command < out[j].Command })
	return out
}

// DispatchLoop feeds updates to Workers goroutines until ctx is done or
// updates is closed. A full pool applies backpressure to the adapter, which
// then drops updates rather than blocking the poller.
func (d *Dispatcher) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	workers := d.snapshot().Workers
	sup := rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(d.log.With(logx.String("comp", "bot.dispatcher"))),
		rtsup.WithCancelOnError(false),
	)
	jobs := make(chan kit.Update, workers)
	d.pool.Store(sup)

	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart("bot.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case up, ok := <-jobs:
					if !ok {
						return nil
					}
					d.Handle(c, up)
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithStopOnCleanExit(true),
		)
	}
	d.log.Info("dispatcher started", logx.Int("workers", workers))

	defer func() {
		close(jobs)
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Stop(wctx)
		cancel()
		d.pool.CompareAndSwap(sup, nil)
		d.log.Info("dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			select {
			case jobs <- up:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// Handle processes one update synchronously.
func (d *Dispatcher) Handle(ctx context.Context, up kit.Update) {
	msg := up.Message
	if msg == nil || msg.FromID == 0 {
		return
	}
	req := &Request{
		Update: up,
		Msg:    msg,
		Chat:   kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID},
		FromID: msg.FromID,
		Sender: msg.SenderKey(),
		ReqID:  uuid.NewString(),
	}
	req.Logger = d.log.With(
		logx.String("req_id", req.ReqID),
		logx.Int64("from_id", req.FromID),
		logx.Int64("chat_id", req.Chat.ChatID),
	)

	d.trackSender(ctx, req)

	switch up.Kind {
	case kit.UpdateDocument:
		req.Command = "document"
		d.run(ctx, req, 0, d.handleDocument)
	case kit.UpdateMessage:
		d.routeText(ctx, req)
	}
}

func (d *Dispatcher) trackSender(ctx context.Context, req *Request) {
	if d.deps.Store == nil {
		return
	}
	added, err := d.deps.Store.AddRecipient(ctx, req.Sender)
	if err != nil {
		req.Logger.Warn("track recipient failed", logx.Err(err))
		return
	}
	if added {
		req.Logger.Debug("new recipient", logx.String("recipient", req.Sender))
	}
}

func (d *Dispatcher) routeText(ctx context.Context, req *Request) {
	text := strings.TrimSpace(req.Msg.Text)
	if text == "" {
		return
	}

	if strings.HasPrefix(text, "/") {
		name, target, args := parseCommand(text)
		if target != "" && d.deps.BotUsername != "" && !strings.EqualFold(target, d.deps.BotUsername) {
			return
		}
		cmd, ok := d.commands[strings.ToLower(name)]
		if !ok {
			d.reply(ctx, req, supportText, htmlOpts)
			return
		}
		req.Command = cmd.Name
		req.Args = args
		if cmd.Access == AccessAdminOnly && !d.isAdmin(req.FromID) {
			req.Logger.Info("admin command denied", logx.String("cmd", cmd.Name))
			d.reply(ctx, req, textNoPermission, nil)
			return
		}
		timeout := cmd.Timeout
		if timeout == 0 {
			timeout = d.snapshot().CommandTimeout
		}
		d.run(ctx, req, timeout, cmd.Handle)
		return
	}

	if d.resolveConfirmation(ctx, req, text) {
		return
	}
	d.reply(ctx, req, supportText, htmlOpts)
}

// run executes h under the middleware chain and replies with a generic
// error message if it fails.
func (d *Dispatcher) run(ctx context.Context, req *Request, timeout time.Duration, h HandlerFunc) {
	wrapped := Chain(h, MWRequestLog(), MWPanicRecover(), MWTimeout(timeout))
	if err := wrapped(ctx, req); err != nil {
		if ctx.Err() != nil {
			return
		}
		d.reply(ctx, req, textUnexpected, nil)
	}
}

var htmlOpts = &kit.SendOptions{ParseMode: "HTML", DisablePreview: true}

func (d *Dispatcher) reply(ctx context.Context, req *Request, text string, opt *kit.SendOptions) {
	if _, err := d.deps.Adapter.SendText(ctx, req.Chat, text, opt); err != nil {
		req.Logger.Warn("reply failed", logx.Err(err), logx.String("kind", kit.FailureKindOf(err).String()))
	}
}

// parseCommand splits "/name@target rest of text" into its parts.
func parseCommand(text string) (name, target, args string) {
	word, rest, _ := strings.Cut(strings.TrimPrefix(text, "/"), " ")
	if i := strings.IndexAny(word, "\n\t"); i >= 0 {
		rest = word[i+1:] + " " + rest
		word = word[:i]
	}
	name, target, _ = strings.Cut(word, "@")
	return name, target, strings.TrimSpace(rest)
}

var errNotConfigured = errors.New("bot dependency not configured")
