package bot

import (
	"context"

	"mapbot/internal/broadcast"
)

// chatReporter relays broadcast progress to the admin who confirmed it.
type chatReporter struct {
	d   *Dispatcher
	req *Request
}

func (r *chatReporter) Empty(ctx context.Context) {
	r.d.reply(ctx, r.req, textNoRecipients, nil)
}

func (r *chatReporter) Started(ctx context.Context, total int) {
	r.d.reply(ctx, r.req, broadcastStartedText(total), nil)
}

func (r *chatReporter) Progress(ctx context.Context, done, total, _, _ int) {
	r.d.reply(ctx, r.req, broadcastProgressText(done, total), nil)
}

func (r *chatReporter) Finished(ctx context.Context, res broadcast.Result) {
	r.d.reply(ctx, r.req, broadcastFinishedText(res), nil)
}
