package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "mapbot/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db   *sql.DB
	path string
	log  logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection serializes read-modify-write sequences.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, path: path, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *sqliteStore) Files() []FileInfo {
	return []FileInfo{fileInfo(filepath.Base(s.path), s.path)}
}

func (s *sqliteStore) conn() (*sql.DB, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	return s.db, nil
}

// ---- links ----

func (s *sqliteStore) Links(ctx context.Context, owner string) ([]LinkRecord, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx,
		`SELECT name, url, timestamp FROM links WHERE owner = ? ORDER BY seq DESC`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []LinkRecord
	for rows.Next() {
		var r LinkRecord
		if err := rows.Scan(&r.Name, &r.URL, &r.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PrependLink(ctx context.Context, owner string, rec LinkRecord) error {
	if owner == "" {
		return errors.New("owner is required")
	}
	db, err := s.conn()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO links(owner, name, url, timestamp) VALUES(?,?,?,?)`,
		owner, rec.Name, rec.URL, rec.Timestamp)
	return err
}

func (s *sqliteStore) PutLinks(ctx context.Context, owner string, recs []LinkRecord) error {
	if owner == "" {
		return errors.New("owner is required")
	}
	db, err := s.conn()
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM links WHERE owner = ?`, owner); err != nil {
		return err
	}
	// Insert oldest first so the newest record gets the highest seq.
	for i := len(recs) - 1; i >= 0; i-- {
		r := recs[i]
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO links(owner, name, url, timestamp) VALUES(?,?,?,?)`,
			owner, r.Name, r.URL, r.Timestamp); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) DeleteLinks(ctx context.Context, owner string) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `DELETE FROM links WHERE owner = ?`, owner)
	return err
}

func (s *sqliteStore) LinkOwners(ctx context.Context) ([]string, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT DISTINCT owner FROM links ORDER BY owner`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var o string
		if err := rows.Scan(&o); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *sqliteStore) LinkCounts(ctx context.Context) (int, int, error) {
	db, err := s.conn()
	if err != nil {
		return 0, 0, err
	}
	var owners, total int
	err = db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT owner), COUNT(*) FROM links`).Scan(&owners, &total)
	return owners, total, err
}

// ---- recipients ----

func (s *sqliteStore) Recipients(ctx context.Context) ([]string, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT id FROM recipients ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AddRecipient(ctx context.Context, id string) (bool, error) {
	n, err := s.mergeRecipients(ctx, []string{id}, true)
	return n > 0, err
}

func (s *sqliteStore) MergeRecipients(ctx context.Context, ids []string) (int, error) {
	return s.mergeRecipients(ctx, ids, false)
}

func (s *sqliteStore) mergeRecipients(ctx context.Context, ids []string, revive bool) (int, error) {
	db, err := s.conn()
	if err != nil {
		return 0, err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	added := 0
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if revive {
			if _, err := tx.ExecContext(ctx, `DELETE FROM pruned_recipients WHERE id = ?`, id); err != nil {
				return 0, err
			}
		}
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO recipients(id)
			 SELECT ? WHERE NOT EXISTS (SELECT 1 FROM pruned_recipients WHERE id = ?)`, id, id)
		if err != nil {
			return 0, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			added++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return added, nil
}

// RemoveRecipient drops id and remembers it as pruned.
func (s *sqliteStore) RemoveRecipient(ctx context.Context, id string) (bool, error) {
	db, err := s.conn()
	if err != nil {
		return false, err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM recipients WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO pruned_recipients(id, pruned_at) VALUES(?, ?)`, id, time.Now().UnixMilli()); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return n > 0, nil
}

// ---- audit ----

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO audit(at, actor_id, action, target, ok, fail, err, took_ms, meta)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), e.ActorID, e.Action, nullStr(e.Target),
		e.OK, e.Fail, nullStr(e.Error), e.TookMS, nullStr(e.MetaJSON),
	)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
