package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/matthewjhunter/courier/internal/feeds"
	"github.com/matthewjhunter/courier/internal/quota"
	"github.com/matthewjhunter/courier/internal/scheduler"
	"github.com/matthewjhunter/courier/internal/storage"
)

type Format string

const (
	FormatJSON  Format = "json"
	FormatText  Format = "text"
	FormatHuman Format = "human"
)

// ParseFormat accepts json, text or human.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatJSON, FormatText, FormatHuman:
		return f, nil
	}
	return "", fmt.Errorf("unknown format %q (want json, text or human)", s)
}

type Formatter struct {
	format Format
	out    io.Writer
	err    io.Writer
}

// NewFormatter creates a new output formatter
func NewFormatter(format Format) *Formatter {
	return &Formatter{
		format: format,
		out:    os.Stdout,
		err:    os.Stderr,
	}
}

// NewFormatterWithWriters creates a formatter with custom output writers for testability
func NewFormatterWithWriters(format Format, out, errW io.Writer) *Formatter {
	return &Formatter{
		format: format,
		out:    out,
		err:    errW,
	}
}

func (f *Formatter) unknown() error {
	return fmt.Errorf("unknown format: %s", f.format)
}

// OutputRun outputs the outcome of one task execution
func (f *Formatter) OutputRun(o *scheduler.Outcome) error {
	switch f.format {
	case FormatJSON:
		return json.NewEncoder(f.out).Encode(o)
	case FormatText:
		fmt.Fprintf(f.out, "task=%s\tstatus=%s\tattempt=%d\tsucceeded=%d\ttotal=%d\tentries=%d\tnew_contents=%d\n",
			o.TaskKey, o.Status, o.Attempt, o.SuccessCount, o.TotalCount, o.Entries, o.NewContents)
		if o.Message != "" {
			fmt.Fprintf(f.out, "message=%s\n", o.Message)
		}
		return nil
	case FormatHuman:
		if o.Skipped {
			fmt.Fprintf(f.out, "Task %s was not run (status %s)\n", o.TaskKey, o.Status)
			return nil
		}
		fmt.Fprintf(f.out, "Task %s: %s (attempt %d)\n", o.TaskKey, o.Status, o.Attempt)
		fmt.Fprintf(f.out, "Fetched %d of %d subscriptions, %d entries, %d new\n",
			o.SuccessCount, o.TotalCount, o.Entries, o.NewContents)
		if o.Message != "" {
			fmt.Fprintf(f.out, "Note: %s\n", o.Message)
		}
		return nil
	}
	return f.unknown()
}

// OutputQuota outputs today's quota for one user
func (f *Formatter) OutputQuota(s quota.Status) error {
	switch f.format {
	case FormatJSON:
		return json.NewEncoder(f.out).Encode(s)
	case FormatText:
		fmt.Fprintf(f.out, "date=%s\ttimezone=%s\tlimit=%d\tused=%d\tremaining=%d\tauto=%d\tmanual=%d\tcan_fetch=%t\n",
			s.Date, s.Timezone, s.Limit, s.Used, s.Remaining, s.AutoUsed, s.ManualUsed, s.CanFetch)
		return nil
	case FormatHuman:
		fmt.Fprintf(f.out, "Quota for %s (%s): %d/%d used, %d remaining\n", s.Date, s.Timezone, s.Used, s.Limit, s.Remaining)
		fmt.Fprintf(f.out, "  automatic: %d, manual: %d\n", s.AutoUsed, s.ManualUsed)
		if s.LastFetchAt != nil {
			outcome := "unknown"
			if s.LastFetchSuccess != nil {
				outcome = map[bool]string{true: "succeeded", false: "failed"}[*s.LastFetchSuccess]
			}
			fmt.Fprintf(f.out, "  last fetch: %s (%s)\n", s.LastFetchAt.Format("2006-01-02 15:04"), outcome)
		}
		if !s.CanFetch {
			fmt.Fprintln(f.out, "  "+quota.LimitMessage(s.Limit))
		}
		return nil
	}
	return f.unknown()
}

// OutputHistory outputs per-day usage, newest first
func (f *Formatter) OutputHistory(logs []storage.FetchLog) error {
	switch f.format {
	case FormatJSON:
		return json.NewEncoder(f.out).Encode(logs)
	case FormatText:
		for _, l := range logs {
			fmt.Fprintf(f.out, "date=%s\tused=%d\tauto=%d\tmanual=%d\tlast_fetch=%s\n",
				l.Date, l.FetchCount, l.AutoFetchCount, l.ManualFetchCount, formatTime(l.LastFetchAt))
		}
		return nil
	case FormatHuman:
		if len(logs) == 0 {
			fmt.Fprintln(f.out, "No fetches recorded")
			return nil
		}
		for _, l := range logs {
			fmt.Fprintf(f.out, "%s  %3d fetches (%d auto, %d manual)\n", l.Date, l.FetchCount, l.AutoFetchCount, l.ManualFetchCount)
		}
		return nil
	}
	return f.unknown()
}

// OutputConfig outputs a user's fetch settings
func (f *Formatter) OutputConfig(c *storage.FetchConfig) error {
	switch f.format {
	case FormatJSON:
		return json.NewEncoder(f.out).Encode(c)
	case FormatText:
		fmt.Fprintf(f.out, "user_id=%d\tauto=%t\tfrequency=%s\thour=%d\ttimezone=%s\tdaily_limit=%d\tactive=%t\n",
			c.UserID, c.AutoFetchEnabled, c.Frequency, c.PreferredHour, c.Timezone, c.DailyLimit, c.IsActive)
		return nil
	case FormatHuman:
		state := "active"
		if !c.IsActive {
			state = "disabled"
		}
		fmt.Fprintf(f.out, "User %d fetch settings (%s)\n", c.UserID, state)
		if c.AutoFetchEnabled {
			fmt.Fprintf(f.out, "  automatic: %s at %02d:00 %s\n", c.Frequency, c.PreferredHour, c.Timezone)
		} else {
			fmt.Fprintln(f.out, "  automatic: off")
		}
		fmt.Fprintf(f.out, "  daily limit: %d\n", c.DailyLimit)
		return nil
	}
	return f.unknown()
}

// OutputJobs outputs the scheduler's periodic jobs
func (f *Formatter) OutputJobs(jobs []scheduler.JobInfo) error {
	switch f.format {
	case FormatJSON:
		return json.NewEncoder(f.out).Encode(jobs)
	case FormatText:
		for _, j := range jobs {
			fmt.Fprintf(f.out, "job=%s\tinterval=%s\tnext_run=%s\tlast_run=%s\truns=%d\n",
				j.Name, j.Interval, j.NextRun.Format(time.RFC3339), formatTime(j.LastRun), j.Runs)
		}
		return nil
	case FormatHuman:
		for _, j := range jobs {
			fmt.Fprintf(f.out, "%-16s every %-8s next %s", j.Name, j.Interval, j.NextRun.Format("2006-01-02 15:04:05"))
			if j.LastError != "" {
				fmt.Fprintf(f.out, "  (last error: %s)", j.LastError)
			}
			fmt.Fprintln(f.out)
		}
		return nil
	}
	return f.unknown()
}

// OutputTasks outputs a task listing
func (f *Formatter) OutputTasks(tasks []storage.Task) error {
	switch f.format {
	case FormatJSON:
		return json.NewEncoder(f.out).Encode(tasks)
	case FormatText:
		for _, t := range tasks {
			fmt.Fprintf(f.out, "id=%d\tkey=%s\tstatus=%s\tattempts=%d/%d\tsucceeded=%d\ttotal=%d\tnext_retry=%s\n",
				t.ID, t.Key, t.Status, t.AttemptCount, t.MaxAttempts, t.SuccessCount, t.TotalCount, formatTime(t.NextRetryAt))
		}
		return nil
	case FormatHuman:
		if len(tasks) == 0 {
			fmt.Fprintln(f.out, "No tasks")
			return nil
		}
		for _, t := range tasks {
			fmt.Fprintf(f.out, "#%d %s [%s] attempt %d/%d, %d/%d subscriptions\n",
				t.ID, t.Key, t.Status, t.AttemptCount, t.MaxAttempts, t.SuccessCount, t.TotalCount)
			if t.NextRetryAt != nil {
				fmt.Fprintf(f.out, "    retry at %s\n", t.NextRetryAt.Format("2006-01-02 15:04"))
			}
			if t.ErrorMessage != "" {
				fmt.Fprintf(f.out, "    %s\n", truncate(t.ErrorMessage, 200))
			}
		}
		return nil
	}
	return f.unknown()
}

// OutputReap outputs the rows removed by a reaper pass
func (f *Formatter) OutputReap(r storage.ReapReport) error {
	switch f.format {
	case FormatJSON:
		return json.NewEncoder(f.out).Encode(r)
	case FormatText:
		fmt.Fprintf(f.out, "relations=%d\tcontents=%d\n", r.Relations, r.Contents)
		return nil
	case FormatHuman:
		fmt.Fprintf(f.out, "Removed %d expired relations and %d orphaned contents\n", r.Relations, r.Contents)
		return nil
	}
	return f.unknown()
}

// OutputImport outputs an OPML import summary
func (f *Formatter) OutputImport(r *feeds.ImportResult) error {
	switch f.format {
	case FormatJSON:
		return json.NewEncoder(f.out).Encode(r)
	case FormatText:
		fmt.Fprintf(f.out, "added=%d\tfailed=%d\n", r.Added, len(r.Failed))
		return nil
	case FormatHuman:
		fmt.Fprintf(f.out, "Imported %d feeds\n", r.Added)
		for _, u := range r.Failed {
			fmt.Fprintf(f.out, "  failed: %s\n", u)
		}
		return nil
	}
	return f.unknown()
}

// OutputSubscriptions outputs a user's feeds
func (f *Formatter) OutputSubscriptions(subs []storage.Subscription) error {
	switch f.format {
	case FormatJSON:
		return json.NewEncoder(f.out).Encode(subs)
	case FormatText:
		for _, s := range subs {
			fmt.Fprintf(f.out, "%d\t%s\t%s\t%t\t%s\n", s.ID, s.Platform, s.URL, s.IsActive, formatTime(s.LastFetchedAt))
		}
		return nil
	case FormatHuman:
		if len(subs) == 0 {
			fmt.Fprintln(f.out, "No subscriptions")
			return nil
		}
		for _, s := range subs {
			name := s.CustomName
			if name == "" {
				name = s.URL
			}
			state := ""
			if !s.IsActive {
				state = " (paused)"
			}
			fmt.Fprintf(f.out, "[%d] %s%s\n", s.ID, truncate(name, 60), state)
			fmt.Fprintf(f.out, "    %s\n", s.URL)
			if s.LastError != nil {
				fmt.Fprintf(f.out, "    last error: %s\n", *s.LastError)
			}
		}
		return nil
	}
	return f.unknown()
}

// Error outputs an error message to stderr
func (f *Formatter) Error(format string, args ...interface{}) {
	fmt.Fprintf(f.err, format+"\n", args...)
}

// Warning outputs a warning message to stderr
func (f *Formatter) Warning(format string, args ...interface{}) {
	fmt.Fprintf(f.err, "Warning: "+format+"\n", args...)
}

// formatTime formats a time pointer for output
func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}

// truncate shortens s to maxLen runes
func truncate(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "..."
}
