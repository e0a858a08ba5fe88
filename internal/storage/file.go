package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "mapbot/pkg/logx"
)

const (
	mapsFileName  = "maps.json"
	usersFileName = "users.json"
	auditFileName = "audit.jsonl"
)

// fileStore keeps each data set in its own file under one directory.
//
// Files:
//   - maps.json   {"<owner>": [{"name","url","timestamp"}, ...]}
//   - users.json  {"users": ["<id>", ...]}
//   - audit.jsonl (append-only JSON Lines)
//
// JSON files are read on every call and rewritten in full via tmp + rename,
// so other processes (cmd/usertool) observe consistent snapshots.
type fileStore struct {
	log logx.Logger
	now func() time.Time

	mu sync.Mutex

	mapsPath  string
	usersPath string
	auditFile *os.File

	// corrupt marks files that failed to decode; they are moved aside
	// before the next rewrite so nothing is silently lost.
	corrupt map[string]bool
}

type usersDoc struct {
	Users  []string `json:"users"`
	// Pruned holds recipients removed after an unreachable send. Merges
	// skip them until they write to the bot again.
	Pruned []string `json:"pruned,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	af, err := os.OpenFile(filepath.Join(dir, auditFileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileStore{
		log:       log,
		now:       time.Now,
		mapsPath:  filepath.Join(dir, mapsFileName),
		usersPath: filepath.Join(dir, usersFileName),
		auditFile: af,
		corrupt:   map[string]bool{},
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return nil
	}
	err := s.auditFile.Close()
	s.auditFile = nil
	return err
}

func (s *fileStore) Files() []FileInfo {
	return []FileInfo{fileInfo(usersFileName, s.usersPath), fileInfo(mapsFileName, s.mapsPath)}
}

func fileInfo(name, path string) FileInfo {
	_, err := os.Stat(path)
	return FileInfo{Name: name, Path: path, Exists: err == nil}
}

// ---- links ----

func (s *fileStore) Links(ctx context.Context, owner string) ([]LinkRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	m, err := s.readMaps()
	if err != nil {
		return nil, err
	}
	return m[owner], nil
}

func (s *fileStore) PrependLink(ctx context.Context, owner string, rec LinkRecord) error {
	if owner == "" {
		return errors.New("owner is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	m, err := s.readMaps()
	if err != nil {
		return err
	}
	m[owner] = append([]LinkRecord{rec}, m[owner]...)
	return s.writeJSON(s.mapsPath, m)
}

func (s *fileStore) PutLinks(ctx context.Context, owner string, recs []LinkRecord) error {
	if owner == "" {
		return errors.New("owner is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	m, err := s.readMaps()
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		delete(m, owner)
	} else {
		m[owner] = append([]LinkRecord(nil), recs...)
	}
	return s.writeJSON(s.mapsPath, m)
}

func (s *fileStore) DeleteLinks(ctx context.Context, owner string) error {
	return s.PutLinks(ctx, owner, nil)
}

func (s *fileStore) LinkOwners(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	m, err := s.readMaps()
	if err != nil {
		return nil, err
	}
	owners := make([]string, 0, len(m))
	for k := range m {
		owners = append(owners, k)
	}
	sort.Strings(owners)
	return owners, nil
}

func (s *fileStore) LinkCounts(ctx context.Context) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return 0, 0, err
	}
	m, err := s.readMaps()
	if err != nil {
		return 0, 0, err
	}
	total := 0
	for _, recs := range m {
		total += len(recs)
	}
	return len(m), total, nil
}

// ---- recipients ----

func (s *fileStore) Recipients(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	doc, err := s.readUsers()
	if err != nil {
		return nil, err
	}
	return doc.Users, nil
}

func (s *fileStore) AddRecipient(ctx context.Context, id string) (bool, error) {
	n, err := s.mergeRecipients(ctx, []string{id}, true)
	return n > 0, err
}

func (s *fileStore) MergeRecipients(ctx context.Context, ids []string) (int, error) {
	return s.mergeRecipients(ctx, ids, false)
}

// mergeRecipients appends unseen ids. With revive, pruned ids are cleared
// and re-added; otherwise they are skipped.
func (s *fileStore) mergeRecipients(ctx context.Context, ids []string, revive bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	doc, err := s.readUsers()
	if err != nil {
		return 0, err
	}
	seen := make(map[string]struct{}, len(doc.Users))
	for _, u := range doc.Users {
		seen[u] = struct{}{}
	}
	pruned := make(map[string]struct{}, len(doc.Pruned))
	for _, u := range doc.Pruned {
		pruned[u] = struct{}{}
	}

	added, revived := 0, 0
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := pruned[id]; ok {
			if !revive {
				continue
			}
			delete(pruned, id)
			doc.Pruned = without(doc.Pruned, id)
			revived++
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		doc.Users = append(doc.Users, id)
		added++
	}
	if added == 0 && revived == 0 {
		return 0, nil
	}
	return added, s.writeJSON(s.usersPath, doc)
}

// RemoveRecipient drops id and remembers it as pruned.
func (s *fileStore) RemoveRecipient(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return false, err
	}
	doc, err := s.readUsers()
	if err != nil {
		return false, err
	}
	n := len(doc.Users)
	doc.Users = without(doc.Users, id)
	removed := len(doc.Users) < n

	known := false
	for _, u := range doc.Pruned {
		if u == id {
			known = true
			break
		}
	}
	if !known {
		doc.Pruned = append(doc.Pruned, id)
	}
	if !removed && known {
		return false, nil
	}
	if doc.Users == nil {
		doc.Users = []string{}
	}
	return removed, s.writeJSON(s.usersPath, doc)
}

func without(list []string, id string) []string {
	out := list[:0]
	for _, v := range list {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

// ---- audit ----

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	if e.At.IsZero() {
		e.At = s.now()
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

// ---- file mechanics (callers hold s.mu) ----

func (s *fileStore) check(ctx context.Context) error {
	if s.auditFile == nil {
		return ErrClosed
	}
	return ctx.Err()
}

func (s *fileStore) readMaps() (map[string][]LinkRecord, error) {
	m := map[string][]LinkRecord{}
	ok, err := s.readJSON(s.mapsPath, &m)
	if err != nil {
		return nil, err
	}
	if !ok || m == nil {
		return map[string][]LinkRecord{}, nil
	}
	return m, nil
}

// readUsers returns users.json with duplicate IDs dropped, first one wins.
func (s *fileStore) readUsers() (usersDoc, error) {
	var doc usersDoc
	ok, err := s.readJSON(s.usersPath, &doc)
	if err != nil || !ok {
		return usersDoc{}, err
	}
	doc.Users = dedupe(doc.Users)
	doc.Pruned = dedupe(doc.Pruned)
	return doc, nil
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return ids
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// readJSON decodes path into v. A missing or empty file yields ok=false.
// A file that fails to decode is logged, flagged as corrupt and also yields
// ok=false; only I/O errors are returned.
func (s *fileStore) readJSON(path string, v any) (bool, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		delete(s.corrupt, path)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if len(bytes.TrimSpace(b)) == 0 {
		delete(s.corrupt, path)
		return false, nil
	}
	if err := json.Unmarshal(b, v); err != nil {
		if !s.corrupt[path] {
			s.log.Warn("corrupt store file; treating as empty", logx.String("path", path), logx.Err(err))
		}
		s.corrupt[path] = true
		return false, nil
	}
	delete(s.corrupt, path)
	return true, nil
}

func (s *fileStore) writeJSON(path string, v any) error {
	if s.corrupt[path] {
		backup := fmt.Sprintf("%s.corrupt-%d", path, s.now().Unix())
		if err := os.Rename(path, backup); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("backup corrupt %s: %w", filepath.Base(path), err)
		}
		s.log.Warn("corrupt store file moved aside", logx.String("path", path), logx.String("backup", backup))
		delete(s.corrupt, path)
	}

	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
