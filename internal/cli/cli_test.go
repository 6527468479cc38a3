package cli

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/evtc-relay/internal/storage/journal"
	"github.com/ChuLiYu/evtc-relay/internal/upload"
	"github.com/ChuLiYu/evtc-relay/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

// writeEVTC writes a minimal revision 0 log of Deimos with one player.
func writeEVTC(t *testing.T, dir, name string) string {
	t.Helper()
	var b bytes.Buffer
	b.WriteString("EVTC20240501")
	b.WriteByte(0)
	require.NoError(t, binary.Write(&b, binary.LittleEndian, uint16(17154)))
	b.WriteByte(0)

	require.NoError(t, binary.Write(&b, binary.LittleEndian, uint32(1)))
	agent := make([]byte, 96)
	binary.LittleEndian.PutUint64(agent[0:], 100)
	binary.LittleEndian.PutUint32(agent[8:], 1)
	binary.LittleEndian.PutUint32(agent[12:], 18)
	copy(agent[28:92], "Guard Dog\x00:Foo.1234\x001\x00")
	b.Write(agent)
	require.NoError(t, binary.Write(&b, binary.LittleEndian, uint32(0)))

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, b.Bytes(), 0o644))
	return path
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ============================================================================
// Commands
// ============================================================================

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.Equal(t, "evtc-relay", cmd.Use)
	assert.Equal(t, Version, cmd.Version)

	names := make(map[string]bool)
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"run", "upload", "status", "history", "rearm"} {
		assert.True(t, names[want], "missing %s command", want)
	}

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue)
}

func TestCommandFlags(t *testing.T) {
	assert.NotNil(t, buildRunCommand().Flags().Lookup("dir"))
	assert.NotNil(t, buildUploadCommand().Flags().Lookup("json"))

	status := buildStatusCommand()
	assert.NotNil(t, status.Flags().Lookup("addr"))
	assert.NotNil(t, status.Flags().Lookup("json"))
	assert.Equal(t, "2s", status.Flags().Lookup("timeout").DefValue)

	history := buildHistoryCommand()
	assert.Equal(t, "-1", history.Flags().Lookup("job").DefValue)
	assert.NotNil(t, history.Flags().Lookup("summary"))
}

func TestRearmCommand_ValidatesArgs(t *testing.T) {
	cmd := buildRearmCommand()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)

	cmd.SetArgs([]string{"x", "report"})
	assert.ErrorContains(t, cmd.Execute(), "invalid job id")

	cmd.SetArgs([]string{"1", "upload"})
	assert.Error(t, cmd.Execute())

	cmd.SetArgs([]string{"1"})
	assert.Error(t, cmd.Execute())
}

// ============================================================================
// Configuration
// ============================================================================

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "none.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.Report.Backoff)
	assert.Equal(t, 3, cfg.Report.MaxRetries)
	assert.Equal(t, upload.DefaultReportEndpoint, cfg.Report.Endpoint)
	assert.Equal(t, upload.DefaultStatsEndpoint, cfg.Stats.Endpoint)
	assert.Equal(t, 15*time.Minute, cfg.Report.ReadTimeout)
	assert.Equal(t, 5*time.Second, cfg.Report.WriteTimeout)
	assert.Equal(t, []string{"evtc", "zevtc"}, cfg.Watch.Exts)
	assert.False(t, cfg.Feed.Enabled)
}

func TestLoadConfig_File(t *testing.T) {
	path := writeConfig(t, `
watch:
  dirs: [/logs]
  debounce: 500ms
pipeline:
  account: Override.4321
report:
  token: abc
  backoff: 10s
  max_retries: 5
  exclude_categories: [1, 16199]
stats:
  enabled: false
  view_url: https://stats.example/{account}/{log}
log:
  level: debug
`)
	cfg, err := loadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"/logs"}, cfg.Watch.Dirs)
	assert.Equal(t, 500*time.Millisecond, cfg.Watch.Debounce)
	assert.Equal(t, "Override.4321", cfg.Pipeline.Account)
	assert.Equal(t, "abc", cfg.Report.Token)
	assert.Equal(t, 10*time.Second, cfg.Report.Backoff)
	assert.Equal(t, 5, cfg.Report.MaxRetries)
	assert.Equal(t, []uint16{1, 16199}, cfg.Report.Exclude)
	assert.False(t, cfg.Stats.Enabled)
	// untouched sections keep their defaults
	assert.Equal(t, "127.0.0.1:50061", cfg.Status.GRPCAddr)

	e := cfg.eligibility()
	assert.True(t, e.ReportEnabled)
	assert.False(t, e.StatsEnabled)
	assert.Contains(t, e.ReportExclude, uint16(16199))
	assert.Equal(t, types.ReservedWvWCategory, e.ReservedCategory)
}

func TestLoadConfig_TokenFromEnv(t *testing.T) {
	t.Setenv(TokenEnv, "from-env")
	cfg, err := loadConfig(writeConfig(t, "report:\n  token: from-file\n"))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Report.Token)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"bad yaml", "report: [", "parse config"},
		{"zero tick", "pipeline:\n  tick_interval: 0s\n", "tick_interval"},
		{"zero retries", "report:\n  max_retries: 0\n", "max_retries"},
		{"no endpoint", "report:\n  endpoint: \"\"\n", "report.endpoint"},
		{"feed without url", "feed:\n  enabled: true\n  redis_url: \"\"\n", "redis_url"},
		{"bad level", "log:\n  level: loud\n", "log level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadConfig(writeConfig(t, tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDefaultConfigFileMatchesDefaults(t *testing.T) {
	cfg, err := loadConfig(filepath.Join("..", "..", "configs", "default.yaml"))
	require.NoError(t, err)
	def := defaultConfig()
	assert.Equal(t, def.Report, cfg.Report)
	assert.Equal(t, def.Journal, cfg.Journal)
	assert.Equal(t, def.Status, cfg.Status)
	assert.Equal(t, def.Stats.ReservedCategory, cfg.Stats.ReservedCategory)
}

// ============================================================================
// Logging and rendering
// ============================================================================

func TestLoggerWithWriters(t *testing.T) {
	var stderr, file bytes.Buffer
	logger := newLoggerWithWriters(&stderr, &file, slog.LevelInfo)

	logger.Debug("hidden")
	logger.Info("log submitted", "job", 3)

	assert.Contains(t, stderr.String(), "msg=\"log submitted\" job=3")
	assert.Contains(t, file.String(), `"msg":"log submitted","job":3`)
	assert.NotContains(t, stderr.String(), "hidden")
}

func TestSetupLogger_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "relay.log")
	logger, cleanup := setupLogger(path, slog.LevelInfo)
	logger.Info("hello")
	require.NoError(t, cleanup())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello"`)
}

func TestRenderView_Plain(t *testing.T) {
	now := time.Date(2024, 5, 1, 20, 0, 0, 0, time.UTC)
	retryAt := now.Add(12 * time.Second)
	accepted := false
	v := types.View{
		Session: "abcdef12-3456",
		Rows: []types.Row{
			{
				ID: 0, Location: "/logs/vg.zevtc", Encounter: "Vale Guardian (CM) - kill",
				Parse: types.StageView{State: types.StateDone}, Report: types.StageView{State: types.StateDone},
				Stats: types.StageView{State: types.StateDone}, ReportURL: "https://dps.report/abc", StatsAccepted: &accepted,
			},
			{
				ID: 1, Location: "/logs/sab.zevtc",
				Parse:         types.StageView{State: types.StateDone},
				Report:        types.StageView{State: types.StateRetry, Error: "status 429", RetryAt: &retryAt},
				Stats:         types.StageView{State: types.StatePending},
				ReportRetries: 1,
			},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, renderView(&buf, v, now, false))
	out := buf.String()

	assert.Contains(t, out, "vg.zevtc")
	assert.Contains(t, out, "retry in 12s")
	assert.Contains(t, out, "https://dps.report/abc")
	assert.Contains(t, out, "stats: not accepted")
	assert.Contains(t, out, "report: status 429")
	assert.Contains(t, out, "retries 1")
	assert.Contains(t, out, "session abcdef12-3456, 2 logs, 0 with errors, in progress")
	assert.NotContains(t, out, "\x1b[", "no escape codes without a terminal")
	assert.False(t, isTerminal(&buf))
}

func TestReportCell(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Second)
	later := now.Add(90 * time.Second)

	overdue := types.Row{Report: types.StageView{State: types.StateRetry, RetryAt: &past}}
	assert.Equal(t, "retry in 0s", reportCell(overdue, now))
	waiting := types.Row{Report: types.StageView{State: types.StateRetry, RetryAt: &later}}
	assert.Equal(t, "retry in 1m30s", reportCell(waiting, now))
	assert.Equal(t, "retry", reportCell(types.Row{Report: types.StageView{State: types.StateRetry}}, now))
	assert.Equal(t, "skipped", reportCell(types.Row{Report: types.StageView{State: types.StateSkipped}}, now))
}

// ============================================================================
// End to end
// ============================================================================

func TestUploadFiles_EndToEnd(t *testing.T) {
	var reportCalls, statsCalls atomic.Int32
	report := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := reportCalls.Add(1)
		assert.Equal(t, "secret-token", r.URL.Query().Get("userToken"))
		if n == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"id":"abc","permalink":"https://dps.report/abc","userToken":"secret-token",
			"encounter":{"bossId":17154,"success":true,"boss":"Deimos","isCm":false,"isLegendaryCm":false,"emboldened":0}}`)
	}))
	defer report.Close()
	stats := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		statsCalls.Add(1)
		assert.Equal(t, "Foo.1234", r.FormValue("account"))
		assert.Equal(t, "17154", r.FormValue("triggerID"))
		fmt.Fprint(w, `{"result":true}`)
	}))
	defer stats.Close()

	dir := t.TempDir()
	logPath := writeEVTC(t, dir, "20240501-200000.evtc")
	missing := filepath.Join(dir, "gone.evtc")

	cfg := defaultConfig()
	cfg.Pipeline.TickInterval = 5 * time.Millisecond
	cfg.Report.Endpoint = report.URL
	cfg.Report.Token = "secret-token"
	cfg.Report.Backoff = 50 * time.Millisecond
	cfg.Stats.Endpoint = stats.URL
	cfg.Journal.Path = filepath.Join(dir, "journal.log")
	cfg.Snapshot.Path = filepath.Join(dir, "summary.json")

	view, err := uploadFiles(cfg, quietLogger(), []string{logPath, missing}, make(chan os.Signal))
	require.NoError(t, err)
	require.Len(t, view.Rows, 2)
	assert.True(t, view.Settled())

	ok := view.Rows[0]
	assert.Equal(t, types.StateDone, ok.Report.State)
	assert.Equal(t, types.StateDone, ok.Stats.State)
	assert.Equal(t, "https://dps.report/abc", ok.ReportURL)
	assert.Equal(t, 1, ok.ReportRetries)
	assert.Equal(t, int32(2), reportCalls.Load())
	assert.Equal(t, int32(1), statsCalls.Load())

	failed := view.Rows[1]
	assert.Equal(t, types.StateError, failed.Parse.State)
	assert.Equal(t, types.StatePending, failed.Report.State, "downstream stages stay untouched")

	// the final view was written for the status command
	fromFile, err := fetchView("", cfg.Snapshot.Path, time.Second)
	require.NoError(t, err)
	assert.Equal(t, view.Version, fromFile.Version)

	// and every transition reached the journal
	sum, err := journal.Summarize(cfg.Journal.Path)
	require.NoError(t, err)
	assert.Equal(t, []string{view.Session}, sum.Sessions)
	assert.Positive(t, sum.ByState[types.StateDone])

	var hist bytes.Buffer
	require.NoError(t, printJournal(&hist, cfg.Journal.Path, 1))
	assert.Contains(t, hist.String(), "job 1")
	assert.NotContains(t, hist.String(), "job 0 ")
	assert.NotContains(t, hist.String(), "secret-token")

	hist.Reset()
	require.NoError(t, printJournalSummary(&hist, cfg.Journal.Path))
	assert.Contains(t, hist.String(), "Sessions:    1")
}

func TestFetchView_NothingAvailable(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "none.json")
	_, err := fetchView("", missing, time.Second)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "no snapshot at "+missing))

	broken := filepath.Join(t.TempDir(), "broken.json")
	require.NoError(t, os.WriteFile(broken, []byte("{"), 0o644))
	_, err = fetchView("", broken, time.Second)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "no usable snapshot"))
}
