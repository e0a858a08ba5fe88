// Command usertool inspects and repairs the bot's persisted user data.
//
//	usertool -config ./config.json extract-users
//	usertool -config ./config.json stats
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"mapbot/internal/config"
	"mapbot/internal/storage"
	logx "mapbot/pkg/logx"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("usertool", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "./config.json", "path to config (json or yaml)")
	driver := fs.String("driver", "", "override storage.driver")
	path := fs.String("path", "", "override storage.path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: usertool [-config path] extract-users|stats")
	}

	sc, err := storageConfig(*cfgPath, *driver, *path)
	if err != nil {
		return err
	}
	st, err := storage.Open(sc, logx.NewWriter(stderr, "WARN"))
	if err != nil {
		return err
	}
	defer st.Close()

	switch fs.Arg(0) {
	case "extract-users":
		return extractUsers(ctx, st, stdout)
	case "stats":
		return stats(ctx, st, stdout, time.Local)
	default:
		return fmt.Errorf("unknown command %q", fs.Arg(0))
	}
}

// storageConfig reads only the storage section; a missing config file
// falls back to the defaults so the tool works next to a bare data dir.
func storageConfig(cfgPath, driver, path string) (storage.Config, error) {
	cfg := &config.Config{}
	b, err := os.ReadFile(cfgPath)
	switch {
	case err == nil:
		if cfg, err = config.Decode(cfgPath, b); err != nil {
			return storage.Config{}, fmt.Errorf("%s: %w", cfgPath, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return storage.Config{}, err
	}
	if driver != "" {
		cfg.Storage.Driver = driver
	}
	if path != "" {
		cfg.Storage.Path = path
	}
	cfg.ApplyDefaults()
	return storage.Config{Driver: cfg.Storage.Driver, Path: cfg.Storage.Path, BusyTimeout: time.Second}, nil
}

func extractUsers(ctx context.Context, st storage.Store, w io.Writer) error {
	fmt.Fprintln(w, "🔍 Extracting user IDs from uploaded maps...")
	owners, err := st.LinkOwners(ctx)
	if err != nil {
		return err
	}
	before, err := st.Recipients(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "📊 Found %d users with maps\n", len(owners))
	fmt.Fprintf(w, "📊 Current user list has %d users\n", len(before))

	if _, err := st.MergeRecipients(ctx, owners); err != nil {
		return err
	}
	after, err := st.Recipients(ctx)
	if err != nil {
		return err
	}
	sorted := append([]string(nil), after...)
	sort.Strings(sorted)
	fmt.Fprintf(w, "✅ Successfully saved %d unique user IDs\n", len(after))
	fmt.Fprintf(w, "📋 User IDs: %s\n", strings.Join(sorted, ", "))
	return nil
}

func stats(ctx context.Context, st storage.Store, w io.Writer, loc *time.Location) error {
	users, err := st.Recipients(ctx)
	if err != nil {
		return err
	}
	owners, err := st.LinkOwners(ctx)
	if err != nil {
		return err
	}
	links := make(map[string][]storage.LinkRecord, len(owners))
	for _, o := range owners {
		recs, err := st.Links(ctx, o)
		if err != nil {
			return err
		}
		links[o] = recs
	}

	fmt.Fprintln(w, "📊 Bot User Statistics")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "👥 Total unique users who interacted with bot: %d\n", len(users))
	fmt.Fprintf(w, "🗺️  Users with uploaded maps: %d\n", len(owners))

	if len(users) > 0 {
		sorted := append([]string(nil), users...)
		sort.Strings(sorted)
		fmt.Fprintln(w, "\n📋 User IDs:")
		for _, id := range sorted {
			if recs, ok := links[id]; ok {
				fmt.Fprintf(w, "  %s (%d maps)\n", id, len(recs))
			} else {
				fmt.Fprintf(w, "  %s (no maps)\n", id)
			}
		}
	}

	if len(owners) > 0 {
		fmt.Fprintln(w, "\n🗺️  Maps by user:")
		for _, o := range owners {
			fmt.Fprintf(w, "  %s: %d maps\n", o, len(links[o]))
			for _, r := range links[o] {
				fmt.Fprintf(w, "    - %s (%s)\n", r.Name, r.Time().In(loc).Format("2006-01-02"))
			}
		}
	}

	fmt.Fprintln(w, "\n💾 Files:")
	for _, f := range st.Files() {
		state := "❌ missing"
		if f.Exists {
			state = "✅ exists"
		}
		fmt.Fprintf(w, "  %s: %s\n", f.Name, state)
	}
	return nil
}
