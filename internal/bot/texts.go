package bot

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"mapbot/internal/broadcast"
	rtsup "mapbot/internal/runtime/supervisor"
	"mapbot/internal/storage"
)

const supportText = `Powered by <a href="https://shadowhosting.ru/">shadowhosting.ru</a> and RustSchool 123 (<a href="https://discord.gg/VgNHPpNrz6">Discord</a>)

Send me your Rust .map file and I will upload it to Facepunch for you.`

const (
	textNoMaps             = "You have no uploaded maps yet."
	textNoPermission       = "❌ You do not have permission to use this command."
	textMessageUsage       = "📝 Usage: /message <your message text>\n\nExample: /message Hello everyone! Check out our new features."
	textBroadcastCancelled = "❌ Broadcast cancelled."
	textNoRecipients       = "❌ No users found to send message to."
	textNotAMap            = "Please send a .map file."
	textDownloading        = "📥 Downloading your file…"
	textUploading          = "⏫ Uploading to Facepunch…"
	textUploadFailed       = "⚠️ Failed to upload the map. Please try again later."
	textUnexpected         = "❌ An unexpected error occurred."
)

const listTimeLayout = "2006-01-02 15:04:05"

func confirmPrompt(message string) string {
	return "📤 Are you sure you want to send this message to all users?\n\n\"" + message + "\"\n\nReply with \"yes\" to confirm or \"no\" to cancel."
}

func tooLargeText(limit int64) string {
	return fmt.Sprintf("⚠️ This file is too large. The maximum size is %s.", humanize.IBytes(uint64(limit)))
}

func uploadedText(url string) string {
	return "✅ Map successfully uploaded:\n" + url
}

func listText(links []storage.LinkRecord, loc *time.Location) string {
	if len(links) == 0 {
		return textNoMaps
	}
	entries := make([]string, 0, len(links))
	for _, l := range links {
		entries = append(entries, fmt.Sprintf("%s — %s\n%s", l.Time().In(loc).Format(listTimeLayout), l.Name, l.URL))
	}
	return "Your uploaded maps:\n\n" + strings.Join(entries, "\n\n")
}

func statsText(users, owners, total int, files []storage.FileInfo, last *broadcast.JobStatus) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📊 Bot Statistics\n\n👥 Total users: %d\n🗺️ Users with maps: %d\n📁 Total maps uploaded: %d\n\n💾 Files:", users, owners, total)
	for _, f := range files {
		mark := "❌"
		if f.Exists {
			mark = "✅"
		}
		fmt.Fprintf(&b, "\n• %s: %s", f.Name, mark)
	}
	if last != nil {
		state := "finished " + humanize.Time(last.DoneAt)
		if last.Running {
			state = fmt.Sprintf("running %d/%d", last.Done, last.Total)
		}
		fmt.Fprintf(&b, "\n\n📤 Last broadcast: %s\n📊 Success: %d\n❌ Failed: %d (removed %d)", state, last.Success, last.Failed, last.Pruned)
	}
	return b.String()
}

func workersText(c rtsup.Counters) string {
	return fmt.Sprintf("\n\n⚙️ Workers: %d active, %d started", c.Active, c.Started)
}

func broadcastStartedText(total int) string {
	return fmt.Sprintf("📤 Starting broadcast to %d users...", total)
}

func broadcastProgressText(done, total int) string {
	return fmt.Sprintf("📤 Progress: %d/%d messages sent", done, total)
}

func broadcastFinishedText(r broadcast.Result) string {
	return fmt.Sprintf("✅ Broadcast completed!\n📊 Success: %d\n❌ Failed: %d", r.Success, r.Failure)
}
