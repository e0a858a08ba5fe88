package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrClosed        = errors.New("storage closed")
	ErrUnknownDriver = errors.New("unknown storage driver")
)

// Config configures storage.
//
// Driver values:
//   - "file" (default): Path is a directory
//   - "sqlite": Path is the database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// LinkRecord is one successful upload. Timestamp is unix milliseconds.
type LinkRecord struct {
	Name      string `json:"name"`
	URL       string `json:"url"`
	Timestamp int64  `json:"timestamp"`
}

func (r LinkRecord) Time() time.Time { return time.UnixMilli(r.Timestamp) }

// AuditEntry records an upload or broadcast.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At       time.Time `json:"at"`
	ActorID  int64     `json:"actor_id"`
	Action   string    `json:"action"`
	Target   string    `json:"target,omitempty"`
	OK       int       `json:"ok"`
	Fail     int       `json:"fail"`
	Error    string    `json:"error,omitempty"`
	TookMS   int64     `json:"took_ms"`
	MetaJSON string    `json:"meta,omitempty"`
}

// FileInfo reports whether a backing file exists.
type FileInfo struct {
	Name   string
	Path   string
	Exists bool
}

// LinkStore holds each owner's uploads, newest first.
type LinkStore interface {
	Links(ctx context.Context, owner string) ([]LinkRecord, error)
	PrependLink(ctx context.Context, owner string, rec LinkRecord) error
	PutLinks(ctx context.Context, owner string, recs []LinkRecord) error
	DeleteLinks(ctx context.Context, owner string) error
	LinkOwners(ctx context.Context) ([]string, error)
	LinkCounts(ctx context.Context) (owners, total int, err error)
}

// RecipientStore is the set of users that receive broadcasts.
// Recipients are returned in insertion order.
//
// RemoveRecipient also marks the id as pruned. MergeRecipients skips pruned
// ids; AddRecipient, called on inbound messages, clears the mark.
type RecipientStore interface {
	Recipients(ctx context.Context) ([]string, error)
	AddRecipient(ctx context.Context, id string) (added bool, err error)
	RemoveRecipient(ctx context.Context, id string) (removed bool, err error)
	MergeRecipients(ctx context.Context, ids []string) (added int, err error)
}

type AuditLog interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
}

// Store is the persistence API used by the bot.
type Store interface {
	LinkStore
	RecipientStore
	AuditLog
	Files() []FileInfo
	Close() error
}
