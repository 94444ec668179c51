package output

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/matthewjhunter/courier/internal/quota"
	"github.com/matthewjhunter/courier/internal/scheduler"
	"github.com/matthewjhunter/courier/internal/storage"
)

func TestParseFormat(t *testing.T) {
	for _, in := range []string{"json", "TEXT", " human "} {
		if _, err := ParseFormat(in); err != nil {
			t.Errorf("ParseFormat(%q) failed: %v", in, err)
		}
	}
	if _, err := ParseFormat("yaml"); err == nil {
		t.Error("ParseFormat(yaml) should fail")
	}
}

func TestOutputRun_JSON(t *testing.T) {
	var out, errBuf bytes.Buffer
	f := NewFormatterWithWriters(FormatJSON, &out, &errBuf)

	run := &scheduler.Outcome{TaskKey: "manual_1_x", Status: storage.TaskSuccess, Attempt: 1, SuccessCount: 2, TotalCount: 3, NewContents: 7}
	if err := f.OutputRun(run); err != nil {
		t.Fatalf("OutputRun failed: %v", err)
	}

	var decoded scheduler.Outcome
	if err := json.Unmarshal(out.Bytes(), &decoded); err != nil {
		t.Fatalf("failed to decode JSON: %v", err)
	}
	if decoded.NewContents != 7 || decoded.TotalCount != 3 {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestOutputRun_Text(t *testing.T) {
	var out, errBuf bytes.Buffer
	f := NewFormatterWithWriters(FormatText, &out, &errBuf)

	run := &scheduler.Outcome{TaskKey: "auto_1_20260310_09", Status: storage.TaskPending, Attempt: 1, TotalCount: 1, Message: "https://a/feed: timeout"}
	if err := f.OutputRun(run); err != nil {
		t.Fatalf("OutputRun failed: %v", err)
	}

	got := out.String()
	for _, want := range []string{"task=auto_1_20260310_09", "status=pending", "succeeded=0", "message=https://a/feed: timeout"} {
		if !strings.Contains(got, want) {
			t.Errorf("missing %q in output: %s", want, got)
		}
	}
}

func TestOutputRun_HumanSkipped(t *testing.T) {
	var out, errBuf bytes.Buffer
	f := NewFormatterWithWriters(FormatHuman, &out, &errBuf)

	if err := f.OutputRun(&scheduler.Outcome{TaskKey: "k", Status: storage.TaskFailed, Skipped: true}); err != nil {
		t.Fatalf("OutputRun failed: %v", err)
	}
	if !strings.Contains(out.String(), "was not run") {
		t.Errorf("unexpected output: %s", out.String())
	}
}

func TestOutputQuota_Human(t *testing.T) {
	var out, errBuf bytes.Buffer
	f := NewFormatterWithWriters(FormatHuman, &out, &errBuf)

	last := time.Date(2026, 3, 10, 8, 30, 0, 0, time.UTC)
	ok := false
	s := quota.Status{Date: "2026-03-10", Timezone: "UTC", Limit: 3, Used: 3, AutoUsed: 1, ManualUsed: 2, LastFetchAt: &last, LastFetchSuccess: &ok}
	if err := f.OutputQuota(s); err != nil {
		t.Fatalf("OutputQuota failed: %v", err)
	}

	got := out.String()
	for _, want := range []string{"3/3 used, 0 remaining", "automatic: 1, manual: 2", "2026-03-10 08:30 (failed)", quota.LimitMessage(3)} {
		if !strings.Contains(got, want) {
			t.Errorf("missing %q in output: %s", want, got)
		}
	}
}

func TestOutputHistory_HumanEmpty(t *testing.T) {
	var out, errBuf bytes.Buffer
	f := NewFormatterWithWriters(FormatHuman, &out, &errBuf)

	if err := f.OutputHistory(nil); err != nil {
		t.Fatalf("OutputHistory failed: %v", err)
	}
	if !strings.Contains(out.String(), "No fetches recorded") {
		t.Errorf("unexpected output: %s", out.String())
	}
}

func TestOutputTasks_Text(t *testing.T) {
	var out, errBuf bytes.Buffer
	f := NewFormatterWithWriters(FormatText, &out, &errBuf)

	retry := time.Date(2026, 3, 10, 9, 10, 0, 0, time.UTC)
	tasks := []storage.Task{
		{ID: 1, Key: "auto_1_20260310_09", Status: storage.TaskPending, AttemptCount: 1, MaxAttempts: 3, NextRetryAt: &retry},
		{ID: 2, Key: "manual_1_abc", Status: storage.TaskSuccess, AttemptCount: 1, MaxAttempts: 3, SuccessCount: 2, TotalCount: 2},
	}
	if err := f.OutputTasks(tasks); err != nil {
		t.Fatalf("OutputTasks failed: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2: %s", len(lines), out.String())
	}
	if !strings.Contains(lines[0], "attempts=1/3") || !strings.Contains(lines[0], "next_retry=2026-03-10T09:10:00Z") {
		t.Errorf("unexpected first line: %s", lines[0])
	}
}

func TestOutputJobs_Human(t *testing.T) {
	var out, errBuf bytes.Buffer
	f := NewFormatterWithWriters(FormatHuman, &out, &errBuf)

	jobs := []scheduler.JobInfo{
		{Name: scheduler.JobFetchSweep, Interval: "1m0s", NextRun: time.Date(2026, 3, 10, 9, 1, 0, 0, time.UTC)},
		{Name: scheduler.JobReapExpired, Interval: "1h0m0s", NextRun: time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC), LastError: "database is locked"},
	}
	if err := f.OutputJobs(jobs); err != nil {
		t.Fatalf("OutputJobs failed: %v", err)
	}

	got := out.String()
	if !strings.Contains(got, "fetch_sweep") || !strings.Contains(got, "2026-03-10 09:01:00") {
		t.Errorf("missing fetch_sweep line: %s", got)
	}
	if !strings.Contains(got, "last error: database is locked") {
		t.Errorf("missing last error: %s", got)
	}
}

func TestOutputConfig_Human(t *testing.T) {
	var out, errBuf bytes.Buffer
	f := NewFormatterWithWriters(FormatHuman, &out, &errBuf)

	cfg := &storage.FetchConfig{UserID: 4, AutoFetchEnabled: true, Frequency: storage.FrequencyWeekly, PreferredHour: 7, Timezone: "Europe/Berlin", DailyLimit: 10, IsActive: true}
	if err := f.OutputConfig(cfg); err != nil {
		t.Fatalf("OutputConfig failed: %v", err)
	}
	if !strings.Contains(out.String(), "automatic: weekly at 07:00 Europe/Berlin") {
		t.Errorf("unexpected output: %s", out.String())
	}
}

func TestOutputReap_Text(t *testing.T) {
	var out, errBuf bytes.Buffer
	f := NewFormatterWithWriters(FormatText, &out, &errBuf)

	if err := f.OutputReap(storage.ReapReport{Relations: 4, Contents: 1}); err != nil {
		t.Fatalf("OutputReap failed: %v", err)
	}
	if got := out.String(); got != "relations=4\tcontents=1\n" {
		t.Errorf("got %q", got)
	}
}

func TestOutputSubscriptions_Human(t *testing.T) {
	var out, errBuf bytes.Buffer
	f := NewFormatterWithWriters(FormatHuman, &out, &errBuf)

	msg := "timeout"
	subs := []storage.Subscription{
		{ID: 3, URL: "https://example.com/feed", CustomName: "Example", IsActive: true},
		{ID: 4, URL: "https://down.example.com/feed", LastError: &msg},
	}
	if err := f.OutputSubscriptions(subs); err != nil {
		t.Fatalf("OutputSubscriptions failed: %v", err)
	}
	got := out.String()
	for _, want := range []string{"[3] Example", "[4] https://down.example.com/feed (paused)", "last error: timeout"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
}

func TestUnknownFormat(t *testing.T) {
	var out, errBuf bytes.Buffer
	f := NewFormatterWithWriters(Format("xml"), &out, &errBuf)
	if err := f.OutputReap(storage.ReapReport{}); err == nil {
		t.Error("expected an error for an unknown format")
	}
}

func TestWarning(t *testing.T) {
	var out, errBuf bytes.Buffer
	f := NewFormatterWithWriters(FormatHuman, &out, &errBuf)

	f.Warning("something went %s", "wrong")

	got := errBuf.String()
	if !strings.Contains(got, "Warning: something went wrong") {
		t.Errorf("expected warning on stderr, got: %q", got)
	}
	if out.Len() != 0 {
		t.Errorf("expected no stdout output, got: %q", out.String())
	}
}

func TestError(t *testing.T) {
	var out, errBuf bytes.Buffer
	f := NewFormatterWithWriters(FormatHuman, &out, &errBuf)

	f.Error("failed: %d", 42)

	got := errBuf.String()
	if !strings.Contains(got, "failed: 42") {
		t.Errorf("expected error on stderr, got: %q", got)
	}
	if out.Len() != 0 {
		t.Errorf("expected no stdout output, got: %q", out.String())
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		maxLen int
		want   string
	}{
		{"short string", "hello", 10, "hello"},
		{"exact length", "hello", 5, "hello"},
		{"over length", "hello world", 5, "hello..."},
		{"with whitespace", "  hello  ", 10, "hello"},
		{"multibyte", "订阅内容聚合", 4, "订阅内容..."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncate(tt.input, tt.maxLen)
			if got != tt.want {
				t.Errorf("truncate(%q, %d) = %q, want %q", tt.input, tt.maxLen, got, tt.want)
			}
		})
	}
}
