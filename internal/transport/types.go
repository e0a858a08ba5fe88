package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
)

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateDocument UpdateKind = "document"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // telegram forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	Text         string
	IsGroup      bool

	// Document is set for UpdateDocument.
	Document *Document
}

// SenderKey is the recipient identifier used by storage (decimal user id).
func (m *Message) SenderKey() string {
	if m == nil || m.FromID == 0 {
		return ""
	}
	return strconv.FormatInt(m.FromID, 10)
}

type Document struct {
	FileID   string
	FileName string
	MIME     string
	Size     int64
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

// BotCommand is one entry of the client's command menu.
type BotCommand struct {
	Command     string
	Description string
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Adapter is the chat-platform port used by the bot.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	SendDocument(ctx context.Context, to ChatTarget, fileName string, content []byte, caption string) (MessageRef, error)
	// DownloadFile streams an attached file. Callers must close the reader.
	DownloadFile(ctx context.Context, fileID string) (io.ReadCloser, error)
}

// FailureKind classifies a failed send.
type FailureKind int

const (
	FailureUnknown FailureKind = iota
	// FailureUnreachable means future sends to the recipient will not succeed
	// (blocked by the user, deactivated, chat not found, malformed target).
	FailureUnreachable
	FailureThrottled
	FailureTransient
)

func (k FailureKind) String() string {
	switch k {
	case FailureUnreachable:
		return "unreachable"
	case FailureThrottled:
		return "throttled"
	case FailureTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// SendError is returned by adapters when a send fails.
type SendError struct {
	Kind FailureKind
	Code int // platform error code, 0 if none
	Err  error
}

func (e *SendError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("send failed (%s, code=%d): %v", e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("send failed (%s): %v", e.Kind, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// FailureKindOf extracts the classification from err. Errors without
// classification metadata are FailureUnknown.
func FailureKindOf(err error) FailureKind {
	var se *SendError
	if errors.As(err, &se) {
		return se.Kind
	}
	return FailureUnknown
}
