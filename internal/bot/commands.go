package bot

import (
	"context"
	"strings"

	"mapbot/internal/broadcast"
	"mapbot/internal/confirm"
	logx "mapbot/pkg/logx"
)

func (d *Dispatcher) builtinCommands() []Command {
	return []Command{
		{
			Name:        "start",
			Aliases:     []string{"help"},
			Description: "About this bot",
			Handle:      d.cmdStart,
		},
		{
			Name:        "list",
			Description: "Your uploaded maps",
			Handle:      d.cmdList,
		},
		{
			Name:   "message",
			Access: AccessAdminOnly,
			Handle: d.cmdMessage,
		},
		{
			Name:   "stats",
			Access: AccessAdminOnly,
			Handle: d.cmdStats,
		},
	}
}

func (d *Dispatcher) cmdStart(ctx context.Context, req *Request) error {
	d.reply(ctx, req, supportText, htmlOpts)
	return nil
}

func (d *Dispatcher) cmdList(ctx context.Context, req *Request) error {
	if d.deps.Store == nil {
		return errNotConfigured
	}
	links, err := d.deps.Store.Links(ctx, req.Sender)
	if err != nil {
		return err
	}
	d.reply(ctx, req, listText(links, d.snapshot().Location), nil)
	return nil
}

func (d *Dispatcher) cmdMessage(ctx context.Context, req *Request) error {
	if req.Args == "" {
		d.reply(ctx, req, textMessageUsage, nil)
		return nil
	}
	key := d.deps.Confirm.Propose(req.Sender, req.Args)
	req.Logger.Info("broadcast proposed", logx.String("key", key), logx.Int("chars", len([]rune(req.Args))))
	d.reply(ctx, req, confirmPrompt(req.Args), nil)
	return nil
}

func (d *Dispatcher) cmdStats(ctx context.Context, req *Request) error {
	if d.deps.Store == nil {
		return errNotConfigured
	}
	users, err := d.deps.Store.Recipients(ctx)
	if err != nil {
		return err
	}
	owners, total, err := d.deps.Store.LinkCounts(ctx)
	if err != nil {
		return err
	}
	var last *broadcast.JobStatus
	if d.deps.Broadcaster != nil {
		if st, ok := d.deps.Broadcaster.Last(); ok {
			last = &st
		}
	}
	text := statsText(len(users), owners, total, d.deps.Store.Files(), last)
	if c, ok := d.WorkerCounters(); ok {
		text += workersText(c)
	}
	d.reply(ctx, req, text, nil)
	return nil
}

// resolveConfirmation consumes a yes/no reply to a pending broadcast.
// It reports whether the text was consumed.
func (d *Dispatcher) resolveConfirmation(ctx context.Context, req *Request, text string) bool {
	outcome, message := d.deps.Confirm.Resolve(req.Sender, text)
	switch outcome {
	case confirm.OutcomeCancelled:
		req.Logger.Info("broadcast cancelled")
		d.reply(ctx, req, textBroadcastCancelled, nil)
		return true
	case confirm.OutcomeConfirmed:
		req.Command = "broadcast"
		d.run(ctx, req, -1, func(ctx context.Context, req *Request) error {
			return d.broadcast(ctx, req, message)
		})
		return true
	default:
		return false
	}
}

func (d *Dispatcher) broadcast(ctx context.Context, req *Request, message string) error {
	if d.deps.Store == nil || d.deps.Broadcaster == nil {
		return errNotConfigured
	}
	// Admin rights may have been revoked since the proposal.
	if !d.isAdmin(req.FromID) {
		d.reply(ctx, req, textNoPermission, nil)
		return nil
	}
	recipients, err := d.deps.Store.Recipients(ctx)
	if err != nil {
		return err
	}
	rep := &chatReporter{d: d, req: req}
	d.deps.Broadcaster.Run(broadcast.WithActor(ctx, req.FromID), strings.TrimSpace(message), recipients, rep)
	return nil
}
