package config_test

import (
	"context"
	"errors"
	"testing"

	"github.com/USA-RedDragon/rpc-gateway/cmd"
	"github.com/USA-RedDragon/rpc-gateway/internal/config"
)

func newParsedCommand(t *testing.T, args ...string) *config.Config {
	t.Helper()
	command := cmd.NewCommand("testing", "deadbeef")
	command.SetContext(context.Background())
	// Point at a nonexistent config so host files cannot leak in.
	err := command.ParseFlags(append([]string{"--config", "nonexistent.yaml"}, args...))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	testConfig, err := config.LoadConfig(command)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return testConfig
}

func TestExampleConfig(t *testing.T) {
	t.Parallel()
	command := cmd.NewCommand("testing", "deadbeef")
	command.SetContext(context.Background())
	err := command.ParseFlags([]string{"--config", "../../config.example.yaml"})
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	testConfig, err := config.LoadConfig(command)
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := testConfig.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestDefaults(t *testing.T) {
	t.Parallel()
	testConfig := newParsedCommand(t)
	if testConfig.WS.URL != config.DefaultWSURL {
		t.Errorf("unexpected URL: %s", testConfig.WS.URL)
	}
	if testConfig.WS.WaitTimeMS != config.DefaultWaitTimeMS {
		t.Errorf("unexpected wait time: %d", testConfig.WS.WaitTimeMS)
	}
	if testConfig.WS.WatchdogCycleMS != config.DefaultWatchdogCycleMS {
		t.Errorf("unexpected watchdog cycle: %d", testConfig.WS.WatchdogCycleMS)
	}
	if testConfig.Log.Level != config.DefaultLogLevel {
		t.Errorf("unexpected log level: %s", testConfig.Log.Level)
	}
	if testConfig.Provider.Disabled {
		t.Error("expected provider support enabled by default")
	}
	if testConfig.Log.TransportInclude != nil || testConfig.Log.TransportExclude != nil {
		t.Error("expected transport masks unset by default")
	}
	if err := testConfig.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestFlagOverrides(t *testing.T) {
	t.Parallel()
	testConfig := newParsedCommand(t,
		"--ws.url", "ws://localhost:9002",
		"--ws.wait_time_ms", "200",
		"--log.level", "Debug",
		"--log.transport_include", "15",
		"--provider.disabled", "true",
	)
	if testConfig.WS.URL != "ws://localhost:9002" {
		t.Errorf("unexpected URL: %s", testConfig.WS.URL)
	}
	if testConfig.WS.WaitTimeMS != 200 {
		t.Errorf("unexpected wait time: %d", testConfig.WS.WaitTimeMS)
	}
	if testConfig.Log.Level != config.LogLevelDebug {
		t.Errorf("unexpected log level: %s", testConfig.Log.Level)
	}
	if testConfig.Log.TransportInclude == nil || *testConfig.Log.TransportInclude != 15 {
		t.Errorf("unexpected transport include mask: %v", testConfig.Log.TransportInclude)
	}
	if !testConfig.Provider.Disabled {
		t.Error("expected provider support disabled")
	}
	if err := testConfig.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestInvalidURLScheme(t *testing.T) {
	t.Parallel()
	testConfig := newParsedCommand(t, "--ws.url", "http://localhost:9002")
	if err := testConfig.Validate(); !errors.Is(err, config.ErrWSURLScheme) {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestInvalidLogLevel(t *testing.T) {
	t.Parallel()
	testConfig := newParsedCommand(t, "--log.level", "Verbose")
	if err := testConfig.Validate(); !errors.Is(err, config.ErrInvalidLogLevel) {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestZeroWaitTimeRejected(t *testing.T) {
	t.Parallel()
	testConfig := newParsedCommand(t)
	testConfig.WS.WaitTimeMS = 0
	if err := testConfig.Validate(); !errors.Is(err, config.ErrWaitTimeRequired) {
		t.Errorf("unexpected error: %v", err)
	}
	testConfig.WS.WaitTimeMS = 100
	testConfig.WS.WatchdogCycleMS = 0
	if err := testConfig.Validate(); !errors.Is(err, config.ErrWatchdogCycle) {
		t.Errorf("unexpected error: %v", err)
	}
}
