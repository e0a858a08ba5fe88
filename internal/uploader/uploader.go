// Package uploader PUTs map files to the Facepunch map upload endpoint and
// returns the hosted URL.
package uploader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	logx "mapbot/pkg/logx"
)

var (
	// ErrRejected is returned for 4xx responses. It is never retried.
	ErrRejected = errors.New("upload rejected")
	// ErrInvalidResponse is returned when a 2xx body is not a URL.
	ErrInvalidResponse = errors.New("upload returned an invalid response")
	// ErrExhausted wraps the last failure once every attempt has been used.
	ErrExhausted = errors.New("upload attempts exhausted")
)

// maxBodyBytes caps how much of a response is read. A hosted URL is short.
const maxBodyBytes = 64 << 10

// Doer is satisfied by *http.Client.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

type Options struct {
	BaseURL        string
	MaxAttempts    int
	BaseDelay      time.Duration
	DelayStep      time.Duration
	RequestTimeout time.Duration

	Client Doer
	Sleep  SleepFunc
	Log    logx.Logger
}

type Uploader struct {
	baseURL string
	opts    Options
}

func New(opts Options) *Uploader {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 10
	}
	if opts.BaseDelay < 0 {
		opts.BaseDelay = 0
	}
	if opts.DelayStep < 0 {
		opts.DelayStep = 0
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	return &Uploader{baseURL: strings.TrimRight(opts.BaseURL, "/"), opts: opts}
}

// Delay is the wait after the failed attempt with zero-based index i.
func (u *Uploader) Delay(i int) time.Duration {
	return u.opts.BaseDelay + time.Duration(i)*u.opts.DelayStep
}

// Upload sends payload as filename and returns the hosted URL.
//
// 4xx responses and malformed 2xx bodies fail immediately. Transport errors,
// timeouts and any other status are retried after Delay(i), up to
// MaxAttempts attempts in total.
func (u *Uploader) Upload(ctx context.Context, payload []byte, filename string) (string, error) {
	target := u.baseURL + "/" + EncodeURIComponent(filename)
	log := u.opts.Log.With(logx.String("file", filename))

	var lastErr error
	for i := 0; i < u.opts.MaxAttempts; i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		attempt := i + 1

		url, status, err := u.put(ctx, target, payload)
		switch {
		case err == nil:
			log.Info("upload succeeded", logx.Int("attempt", attempt), logx.Int("status", status))
			return url, nil
		case errors.Is(err, ErrRejected), errors.Is(err, ErrInvalidResponse):
			log.Warn("upload failed permanently", logx.Int("attempt", attempt), logx.Int("status", status), logx.Err(err))
			return "", err
		case ctx.Err() != nil:
			return "", ctx.Err()
		}

		lastErr = err
		delay := u.Delay(i)
		log.Warn("upload attempt failed",
			logx.Int("attempt", attempt),
			logx.Int("max_attempts", u.opts.MaxAttempts),
			logx.Int("status", status),
			logx.Duration("retry_in", delay),
			logx.Err(err),
		)
		if err := u.opts.Sleep(ctx, delay); err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("%w after %d attempts: %w", ErrExhausted, u.opts.MaxAttempts, lastErr)
}

// put performs one attempt. The returned status is 0 for transport errors.
func (u *Uploader) put(ctx context.Context, target string, payload []byte) (string, int, error) {
	rctx := ctx
	if u.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, u.opts.RequestTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(rctx, http.MethodPut, target, bytes.NewReader(payload))
	if err != nil {
		return "", 0, fmt.Errorf("%w: %w", ErrRejected, err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.ContentLength = int64(len(payload))

	resp, err := u.opts.Client.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", resp.StatusCode, fmt.Errorf("read body: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		url := strings.TrimSpace(string(body))
		if !strings.HasPrefix(url, "http") {
			return "", resp.StatusCode, fmt.Errorf("%w: %q", ErrInvalidResponse, truncate(url, 120))
		}
		return url, resp.StatusCode, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return "", resp.StatusCode, fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	default:
		return "", resp.StatusCode, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
