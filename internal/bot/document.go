package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"mapbot/internal/eventbus"
	"mapbot/internal/storage"
	logx "mapbot/pkg/logx"
)

const mapExt = ".map"

// UploadEvent is the payload of upload.* events.
type UploadEvent struct {
	UserID   int64
	FileName string
	Size     int
	URL      string
	Err      string
}

func (d *Dispatcher) handleDocument(ctx context.Context, req *Request) error {
	if d.deps.Store == nil || d.deps.Uploader == nil {
		return errNotConfigured
	}
	doc := req.Msg.Document
	if doc == nil || !strings.HasSuffix(strings.ToLower(doc.FileName), mapExt) {
		d.reply(ctx, req, textNotAMap, nil)
		return nil
	}
	limit := d.snapshot().MaxFileSize
	if limit > 0 && doc.Size > limit {
		req.Logger.Info("map rejected: too large", logx.String("file", doc.FileName), logx.Int64("size", doc.Size))
		d.reply(ctx, req, tooLargeText(limit), nil)
		return nil
	}

	d.reply(ctx, req, textDownloading, nil)
	payload, err := d.download(ctx, doc.FileID, limit)
	if err != nil {
		if errors.Is(err, errTooLarge) {
			d.reply(ctx, req, tooLargeText(limit), nil)
			return nil
		}
		return fmt.Errorf("download %s: %w", doc.FileName, err)
	}

	d.reply(ctx, req, textUploading, nil)
	ev := UploadEvent{UserID: req.FromID, FileName: doc.FileName, Size: len(payload)}
	d.deps.Events.Publish(eventbus.Event{Type: eventbus.UploadStarted, Time: d.deps.Now(), Data: ev})

	start := d.deps.Now()
	url, err := d.deps.Uploader.Upload(ctx, payload, doc.FileName)
	took := d.deps.Now().Sub(start)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		req.Logger.Warn("map upload failed", logx.String("file", doc.FileName), logx.Int("size", len(payload)), logx.Err(err))
		ev.Err = err.Error()
		d.deps.Events.Publish(eventbus.Event{Type: eventbus.UploadFailed, Time: d.deps.Now(), Data: ev})
		d.auditUpload(ctx, req, ev, took)
		d.reply(ctx, req, textUploadFailed, nil)
		return nil
	}

	rec := storage.LinkRecord{Name: doc.FileName, URL: url, Timestamp: d.deps.Now().UnixMilli()}
	if err := d.deps.Store.PrependLink(ctx, req.Sender, rec); err != nil {
		req.Logger.Error("save link failed", logx.String("url", url), logx.Err(err))
	}
	ev.URL = url
	req.Logger.Info("map uploaded", logx.String("file", doc.FileName), logx.String("url", url), logx.Duration("dur", took))
	d.deps.Events.Publish(eventbus.Event{Type: eventbus.UploadSucceeded, Time: d.deps.Now(), Data: ev})
	d.auditUpload(ctx, req, ev, took)

	d.reply(ctx, req, uploadedText(url), nil)

	art := d.deps.Plugins.Generate(doc.FileName, url)
	if _, err := d.deps.Adapter.SendDocument(ctx, req.Chat, art.FileName, []byte(art.Content), ""); err != nil {
		return fmt.Errorf("send plugin: %w", err)
	}
	return nil
}

var errTooLarge = errors.New("file exceeds size limit")

// download reads the whole file. limit > 0 caps the size regardless of the
// size the platform reported.
func (d *Dispatcher) download(ctx context.Context, fileID string, limit int64) ([]byte, error) {
	rc, err := d.deps.Adapter.DownloadFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var r io.Reader = rc
	if limit > 0 {
		r = io.LimitReader(rc, limit+1)
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if limit > 0 && int64(len(b)) > limit {
		return nil, errTooLarge
	}
	return b, nil
}

func (d *Dispatcher) auditUpload(ctx context.Context, req *Request, ev UploadEvent, took time.Duration) {
	if d.deps.Store == nil {
		return
	}
	meta, _ := json.Marshal(map[string]any{"size": ev.Size, "url": ev.URL})
	e := storage.AuditEntry{
		At:       d.deps.Now(),
		ActorID:  req.FromID,
		Action:   "upload",
		Target:   ev.FileName,
		Error:    ev.Err,
		TookMS:   took.Milliseconds(),
		MetaJSON: string(meta),
	}
	if ev.Err == "" {
		e.OK = 1
	} else {
		e.Fail = 1
	}
	if err := d.deps.Store.AppendAudit(context.WithoutCancel(ctx), e); err != nil {
		req.Logger.Warn("audit append failed", logx.Err(err))
	}
}
