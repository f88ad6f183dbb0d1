package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hollowaylabs/gatewarden/internal/config"
	"github.com/hollowaylabs/gatewarden/internal/storage"
)

func installMainSeams(t *testing.T) {
	t.Helper()
	origLoad := loadConfig
	origRegister := registerMetrics
	origOpen := openStore
	origSignal := newSignalContext
	t.Cleanup(func() {
		loadConfig = origLoad
		registerMetrics = origRegister
		openStore = origOpen
		newSignalContext = origSignal
	})
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		CookieName:           "_shieldon",
		CookieTTL:            time.Hour,
		SessionExpire:        300 * time.Second,
		SessionGCProbability: 1,
		SessionGCDivisor:     1 << 30,
		FilterSession:        true,
		FilterCookie:         true,
		FilterReferer:        true,
		FilterFrequency:      true,
		QuotaSession:         5,
		QuotaCookie:          5,
		QuotaReferer:         5,
		QuotaFrequencyS:      100,
		QuotaFrequencyM:      100,
		QuotaFrequencyH:      100,
		QuotaFrequencyD:      100,
		DataCircleBuffer:     10,
		SystemFirewallBuffer: 10,
		DetectionPeriod:      5 * time.Second,
		TimeToReset:          1800 * time.Second,
		ResetCyclePeriod:     24 * time.Hour,
		FailOpen:             true,
		LogLevel:             "error",
		LogFormat:            "json",
		DataDir:              t.TempDir(),
		ListenAddr:           "127.0.0.1:0",
		MetricsAddr:          "",
	}
}

func TestVersionCmd_PrintsVersionInfo(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	err := cmd.Execute()
	require.NoError(t, err)
	assert.Contains(t, out.String(), "gatewarden")
	assert.Contains(t, out.String(), version)
}

func TestHelpFlag_PrintsUsage(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--help"})

	err := cmd.Execute()
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Usage")
	assert.Contains(t, out.String(), "sweep")
}

func TestRunServe_LoadConfigError(t *testing.T) {
	installMainSeams(t)
	loadConfig = func() (*config.Config, error) {
		return nil, errors.New("bad config")
	}

	err := runServe(nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration error")
}

func TestRunServe_OpenStoreError(t *testing.T) {
	installMainSeams(t)
	loadConfig = func() (*config.Config, error) { return testConfig(t), nil }
	registerMetrics = func() {}
	openStore = func(path string) (storage.Store, error) {
		return nil, errors.New("disk gone")
	}

	err := runServe(nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk gone")
}

func TestRunServe_ServesAndStopsOnCancel(t *testing.T) {
	installMainSeams(t)
	cfg := testConfig(t)
	loadConfig = func() (*config.Config, error) { return cfg, nil }

	var registered bool
	registerMetrics = func() { registered = true }

	newSignalContext = func(parent context.Context) (context.Context, context.CancelFunc) {
		ctx, cancel := context.WithCancel(parent)
		go func() {
			time.Sleep(100 * time.Millisecond)
			cancel()
		}()
		return ctx, func() {}
	}

	err := runServe(nil, nil)
	require.NoError(t, err)
	assert.True(t, registered)
	assert.FileExists(t, filepath.Join(cfg.DataDir, "state.db"))
}

func TestRunSweep_DeletesExpiredRecords(t *testing.T) {
	installMainSeams(t)
	cfg := testConfig(t)
	loadConfig = func() (*config.Config, error) { return cfg, nil }

	// Seed one stale session record before the sweep runs.
	st, err := storage.Open(filepath.Join(cfg.DataDir, "state.db"))
	require.NoError(t, err)
	stale := strconv.FormatInt(time.Now().Add(-time.Hour).Unix(), 10)
	require.NoError(t, st.Save("deadbeefdeadbeefdeadbeefdeadbeef",
		[]byte(`{"id":"deadbeefdeadbeefdeadbeefdeadbeef","ip":"127.0.0.1","created_at":`+
			stale+`,"created_at_micros":0,"data":"{}"}`),
		storage.NamespaceSession))
	require.NoError(t, st.Close())

	err = runSweep(nil, nil)
	require.NoError(t, err)

	st, err = storage.Open(filepath.Join(cfg.DataDir, "state.db"))
	require.NoError(t, err)
	defer st.Close()
	got, err := st.Get("deadbeefdeadbeefdeadbeefdeadbeef", storage.NamespaceSession)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRunSweep_LoadConfigError(t *testing.T) {
	installMainSeams(t)
	loadConfig = func() (*config.Config, error) {
		return nil, errors.New("bad config")
	}

	err := runSweep(nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration error")
}

func TestInitLogging_SetsExpectedGlobalLevel(t *testing.T) {
	tests := []struct {
		level string
		want  zerolog.Level
	}{
		{level: "trace", want: zerolog.TraceLevel},
		{level: "debug", want: zerolog.DebugLevel},
		{level: "warn", want: zerolog.WarnLevel},
		{level: "warning", want: zerolog.WarnLevel},
		{level: "error", want: zerolog.ErrorLevel},
		{level: "info", want: zerolog.InfoLevel},
		{level: "nope", want: zerolog.InfoLevel},
	}

	for _, tc := range tests {
		t.Run(tc.level, func(t *testing.T) {
			initLogging(tc.level, "json")
			assert.Equal(t, tc.want, zerolog.GlobalLevel())
		})
	}
}

func TestInitLogging_TextFormat(t *testing.T) {
	assert.NotPanics(t, func() {
		initLogging("info", "text")
	})
}

func TestMain_SubprocessVersion_ExitZero(t *testing.T) {
	cmd := exec.Command(os.Args[0], "-test.run=TestMain_SubprocessHelper")
	cmd.Env = append(os.Environ(),
		"GO_WANT_MAIN_PROCESS=1",
		"MAIN_TEST_CASE=version",
	)
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, string(out))
	assert.Contains(t, string(out), "gatewarden")
}

func TestMain_SubprocessConfigError_ExitOne(t *testing.T) {
	cmd := exec.Command(os.Args[0], "-test.run=TestMain_SubprocessHelper")
	cmd.Env = append(os.Environ(),
		"GO_WANT_MAIN_PROCESS=1",
		"MAIN_TEST_CASE=config-error",
		"SESSION_EXPIRE=0s",
	)
	out, err := cmd.CombinedOutput()
	require.Error(t, err, "expected os.Exit(1)")
	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 1, exitErr.ExitCode())
	assert.True(t, strings.Contains(string(out), "fatal") || strings.Contains(string(out), "configuration"))
}

func TestMain_SubprocessHelper(t *testing.T) {
	if os.Getenv("GO_WANT_MAIN_PROCESS") != "1" {
		return
	}

	switch os.Getenv("MAIN_TEST_CASE") {
	case "version":
		os.Args = []string{"gatewarden", "version"}
	case "config-error":
		os.Args = []string{"gatewarden", "sweep"}
	default:
		t.Fatalf("unknown MAIN_TEST_CASE")
	}

	main()
}

func TestDefaultSeams_AreCallable(t *testing.T) {
	ctx, cancel := newSignalContext(context.Background())
	cancel()
	<-ctx.Done()

	st, err := openStore(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	require.NoError(t, st.Close())
}
