package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "mapbot/pkg/logx"
)

func openBoth(t *testing.T) map[string]Store {
	t.Helper()
	out := map[string]Store{}
	for _, driver := range []string{"file", "sqlite"} {
		path := t.TempDir()
		if driver == "sqlite" {
			path = filepath.Join(path, "mapbot.db")
		}
		st, err := Open(Config{Driver: driver, Path: path}, logx.Nop())
		require.NoError(t, err, driver)
		t.Cleanup(func() { _ = st.Close() })
		out[driver] = st
	}
	return out
}

func TestRecipientsRoundTrip(t *testing.T) {
	ctx := context.Background()
	for driver, st := range openBoth(t) {
		t.Run(driver, func(t *testing.T) {
			want := make([]string, 0, 50)
			for i := 0; i < 50; i++ {
				want = append(want, fmt.Sprint(1000+i))
			}
			added, err := st.MergeRecipients(ctx, append(want, want[:5]...))
			require.NoError(t, err)
			assert.Equal(t, 50, added)

			got, err := st.Recipients(ctx)
			require.NoError(t, err)
			assert.Equal(t, want, got)

			ok, err := st.AddRecipient(ctx, "1000")
			require.NoError(t, err)
			assert.False(t, ok)

			ok, err = st.RemoveRecipient(ctx, "1001")
			require.NoError(t, err)
			assert.True(t, ok)
			ok, err = st.RemoveRecipient(ctx, "1001")
			require.NoError(t, err)
			assert.False(t, ok)

			got, err = st.Recipients(ctx)
			require.NoError(t, err)
			assert.Len(t, got, 49)
			assert.NotContains(t, got, "1001")
		})
	}
}

func TestLinksNewestFirst(t *testing.T) {
	ctx := context.Background()
	for driver, st := range openBoth(t) {
		t.Run(driver, func(t *testing.T) {
			a := LinkRecord{Name: "a.map", URL: "https://x/a", Timestamp: 1}
			b := LinkRecord{Name: "b.map", URL: "https://x/b", Timestamp: 2}
			require.NoError(t, st.PrependLink(ctx, "7", a))
			require.NoError(t, st.PrependLink(ctx, "7", b))
			require.NoError(t, st.PrependLink(ctx, "8", a))

			got, err := st.Links(ctx, "7")
			require.NoError(t, err)
			assert.Equal(t, []LinkRecord{b, a}, got)

			owners, err := st.LinkOwners(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"7", "8"}, owners)

			n, total, err := st.LinkCounts(ctx)
			require.NoError(t, err)
			assert.Equal(t, 2, n)
			assert.Equal(t, 3, total)

			require.NoError(t, st.PutLinks(ctx, "7", []LinkRecord{a, b}))
			got, err = st.Links(ctx, "7")
			require.NoError(t, err)
			assert.Equal(t, []LinkRecord{a, b}, got)

			require.NoError(t, st.DeleteLinks(ctx, "7"))
			got, err = st.Links(ctx, "7")
			require.NoError(t, err)
			assert.Empty(t, got)

			empty, err := st.Links(ctx, "nobody")
			require.NoError(t, err)
			assert.Empty(t, empty)
		})
	}
}

func TestAppendAudit(t *testing.T) {
	ctx := context.Background()
	for driver, st := range openBoth(t) {
		t.Run(driver, func(t *testing.T) {
			err := st.AppendAudit(ctx, AuditEntry{ActorID: 1, Action: "broadcast", OK: 2, Fail: 1})
			require.NoError(t, err)
		})
	}
}

func TestFileStoreLayout(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	st, err := Open(Config{Path: dir}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	for _, fi := range st.Files() {
		assert.False(t, fi.Exists, fi.Name)
	}

	require.NoError(t, st.PrependLink(ctx, "42", LinkRecord{Name: "m.map", URL: "https://u", Timestamp: 1700000000000}))
	_, err = st.AddRecipient(ctx, "42")
	require.NoError(t, err)
	require.NoError(t, st.AppendAudit(ctx, AuditEntry{Action: "upload", Target: "m.map"}))

	var maps map[string][]map[string]any
	b, err := os.ReadFile(filepath.Join(dir, "maps.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(b, &maps))
	require.Len(t, maps["42"], 1)
	assert.Equal(t, "m.map", maps["42"][0]["name"])
	assert.EqualValues(t, 1700000000000, maps["42"][0]["timestamp"])

	b, err = os.ReadFile(filepath.Join(dir, "users.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"users":["42"]}`, string(b))

	b, err = os.ReadFile(filepath.Join(dir, "audit.jsonl"))
	require.NoError(t, err)
	assert.Contains(t, string(b), `"action":"upload"`)

	for _, fi := range st.Files() {
		assert.True(t, fi.Exists, fi.Name)
	}
}

func TestFileStoreCorruptFileIsBackedUp(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "users.json"), []byte("{not json"), 0o644))

	var buf bytes.Buffer
	st, err := Open(Config{Path: dir}, logx.NewWriter(&buf, "debug"))
	require.NoError(t, err)
	defer st.Close()

	got, err := st.Recipients(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Contains(t, buf.String(), "corrupt store file")

	_, err = st.AddRecipient(ctx, "1")
	require.NoError(t, err)

	backups, err := filepath.Glob(filepath.Join(dir, "users.json.corrupt-*"))
	require.NoError(t, err)
	require.Len(t, backups, 1)
	b, err := os.ReadFile(backups[0])
	require.NoError(t, err)
	assert.Equal(t, "{not json", string(b))

	got, err = st.Recipients(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, got)
}

func TestFileStoreConcurrentAdds(t *testing.T) {
	ctx := context.Background()
	st, err := Open(Config{Path: t.TempDir()}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = st.AddRecipient(ctx, fmt.Sprint(i))
		}(i)
	}
	wg.Wait()

	got, err := st.Recipients(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 20)
}

func TestClosedStore(t *testing.T) {
	st, err := Open(Config{Path: t.TempDir()}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.Close())

	_, err = st.Recipients(context.Background())
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "redis", Path: t.TempDir()}, logx.Nop())
	assert.ErrorIs(t, err, ErrUnknownDriver)
}

func TestLinkRecordTime(t *testing.T) {
	r := LinkRecord{Timestamp: 1700000000000}
	assert.True(t, r.Time().Equal(time.UnixMilli(1700000000000)))
}

func TestPrunedRecipientsStayOutOfMerges(t *testing.T) {
	ctx := context.Background()
	for driver, st := range openBoth(t) {
		t.Run(driver, func(t *testing.T) {
			_, err := st.MergeRecipients(ctx, []string{"1", "2", "3"})
			require.NoError(t, err)

			ok, err := st.RemoveRecipient(ctx, "2")
			require.NoError(t, err)
			assert.True(t, ok)

			added, err := st.MergeRecipients(ctx, []string{"2", "4"})
			require.NoError(t, err)
			assert.Equal(t, 1, added)
			got, err := st.Recipients(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"1", "3", "4"}, got)

			// a new message from the user brings them back
			ok, err = st.AddRecipient(ctx, "2")
			require.NoError(t, err)
			assert.True(t, ok)
			got, err = st.Recipients(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"1", "3", "4", "2"}, got)

			ok, err = st.RemoveRecipient(ctx, "2")
			require.NoError(t, err)
			assert.True(t, ok)
			added, err = st.MergeRecipients(ctx, []string{"2"})
			require.NoError(t, err)
			assert.Zero(t, added)
		})
	}
}

func TestFileStoreDedupesUsersOnRead(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "users.json"), []byte(`{"users":["1","2","1","3","2"]}`), 0o644))

	st, err := Open(Config{Path: dir}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	got, err := st.Recipients(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", "3"}, got)

	_, err = st.AddRecipient(ctx, "4")
	require.NoError(t, err)
	b, err := os.ReadFile(filepath.Join(dir, "users.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"users":["1","2","3","4"]}`, string(b))
}

func TestFileStoreRepairedFileIsKept(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	usersPath := filepath.Join(dir, "users.json")
	require.NoError(t, os.WriteFile(usersPath, []byte("{not json"), 0o644))

	st, err := Open(Config{Path: dir}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	got, err := st.Recipients(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, os.WriteFile(usersPath, []byte(`{"users":["5"]}`), 0o644))
	got, err = st.Recipients(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"5"}, got)

	_, err = st.AddRecipient(ctx, "6")
	require.NoError(t, err)

	backups, err := filepath.Glob(usersPath + ".corrupt-*")
	require.NoError(t, err)
	assert.Empty(t, backups)
	got, err = st.Recipients(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"5", "6"}, got)
}
