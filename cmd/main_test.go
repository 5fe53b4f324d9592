package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/char5742/stickkeys/internal/config"
	"github.com/char5742/stickkeys/internal/features"
	"github.com/char5742/stickkeys/internal/remap"
)

func TestPrintDevicesMarksTarget(t *testing.T) {
	devices := []features.Device{
		{Name: "TrackPoint", Path: "/dev/input/by-path/stick", Handle: "c", Type: features.DeviceTypePointingStick},
		{Name: "Mouse", Path: "/dev/input/by-id/mouse", Handle: "1a", Type: features.DeviceTypeMouse},
	}

	var buf bytes.Buffer
	printDevices(&buf, devices, remap.DeviceIdentity{Path: "/dev/input/by-id/mouse", Handle: "1a"})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header and 2 rows, got %q", buf.String())
	}
	if !strings.HasPrefix(lines[2], "2*") {
		t.Errorf("expected second device to be marked, got %q", lines[2])
	}
	if strings.Contains(lines[1], "*") {
		t.Errorf("expected first device to be unmarked, got %q", lines[1])
	}
	if !strings.Contains(lines[1], "PointingStick") {
		t.Errorf("expected device type in row, got %q", lines[1])
	}
}

func TestWaitForEnter(t *testing.T) {
	if err := waitForEnter(context.Background(), strings.NewReader("\n")); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
	if err := waitForEnter(context.Background(), strings.NewReader("")); err != nil {
		t.Errorf("expected nil on EOF, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer w.Close()
	if err := waitForEnter(ctx, r); err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestResetCommand(t *testing.T) {
	dir := t.TempDir()
	identityPath := filepath.Join(dir, config.IdentityFileName)
	cfgPath := filepath.Join(dir, "config.toml")

	cfg := config.DefaultConfig()
	cfg.Device.IdentityFile = identityPath
	if err := config.SaveConfig(cfgPath, cfg); err != nil {
		t.Fatal(err)
	}
	if err := config.SaveIdentity(identityPath, remap.DeviceIdentity{Path: "/dev/input/by-path/stick", Handle: "c"}); err != nil {
		t.Fatal(err)
	}

	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs([]string{"reset", "--config", cfgPath, "--log-level", "error"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("reset failed: %v", err)
	}

	if _, err := os.Stat(identityPath); !os.IsNotExist(err) {
		t.Errorf("expected identity file to be removed, got %v", err)
	}
	if out.Len() == 0 {
		t.Error("expected confirmation message")
	}
}

func TestUnknownLogLevel(t *testing.T) {
	dir := t.TempDir()
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"reset", "--config", filepath.Join(dir, "config.toml"), "--log-level", "verbose"})
	if err := cmd.Execute(); err == nil {
		t.Error("expected error for unknown log level")
	}
}
