package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/joho/godotenv"
)

func TestApplyEnvOverrides_Basic(t *testing.T) {
	base := baseConfig()

	os.Setenv("GATEWAY_BAUD", "230400")
	os.Setenv("GATEWAY_MDNS_ENABLE", "true")
	os.Setenv("GATEWAY_SERIAL_READ_TIMEOUT", "100ms")
	os.Setenv("GATEWAY_REGISTRATION_TIMEOUT", "7s")
	os.Setenv("GATEWAY_LOG_METRICS_INTERVAL", "5s")
	t.Cleanup(func() {
		os.Unsetenv("GATEWAY_BAUD")
		os.Unsetenv("GATEWAY_MDNS_ENABLE")
		os.Unsetenv("GATEWAY_SERIAL_READ_TIMEOUT")
		os.Unsetenv("GATEWAY_REGISTRATION_TIMEOUT")
		os.Unsetenv("GATEWAY_LOG_METRICS_INTERVAL")
	})
	if err := applyEnvOverrides(base, map[string]struct{}{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if base.baud != 230400 {
		t.Fatalf("expected baud override, got %d", base.baud)
	}
	if !base.mdnsEnable {
		t.Fatalf("expected mdnsEnable true")
	}
	if base.serialReadTO != 100*time.Millisecond {
		t.Fatalf("expected serialReadTO override, got %v", base.serialReadTO)
	}
	if base.regTO != 7*time.Second {
		t.Fatalf("expected regTO override, got %v", base.regTO)
	}
	if base.logMetricsEvery != 5*time.Second {
		t.Fatalf("expected logMetricsEvery override, got %v", base.logMetricsEvery)
	}
}

func TestApplyEnvOverrides_FlagWins(t *testing.T) {
	base := baseConfig()
	os.Setenv("GATEWAY_BAUD", "230400")
	t.Cleanup(func() { os.Unsetenv("GATEWAY_BAUD") })
	if err := applyEnvOverrides(base, map[string]struct{}{"baud": {}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if base.baud != 115200 {
		t.Fatalf("explicit flag must win over env, got %d", base.baud)
	}
}

func TestApplyEnvOverrides_InvalidValue(t *testing.T) {
	base := baseConfig()
	os.Setenv("GATEWAY_BAUD", "fast")
	t.Cleanup(func() { os.Unsetenv("GATEWAY_BAUD") })
	if err := applyEnvOverrides(base, map[string]struct{}{}); err == nil {
		t.Fatalf("expected error for invalid GATEWAY_BAUD")
	}
}

func TestEnvFileFeedsOverrides(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "gateway.env")
	if err := os.WriteFile(envFile, []byte("GATEWAY_HUB_POLICY=kick\nGATEWAY_MAX_DEVICES=3\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Cleanup(func() {
		os.Unsetenv("GATEWAY_HUB_POLICY")
		os.Unsetenv("GATEWAY_MAX_DEVICES")
	})
	if err := godotenv.Load(envFile); err != nil {
		t.Fatalf("load env file: %v", err)
	}
	base := baseConfig()
	if err := applyEnvOverrides(base, map[string]struct{}{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if base.hubPolicy != "kick" {
		t.Fatalf("expected hubPolicy kick, got %s", base.hubPolicy)
	}
	if base.maxDevices != 3 {
		t.Fatalf("expected maxDevices 3, got %d", base.maxDevices)
	}
}
