package setup

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	config, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if config.Agent.Method != "auto" {
		t.Fatalf("agent method = %q, want auto", config.Agent.Method)
	}
	if config.Prune.Pattern != "*-dev" {
		t.Fatalf("prune pattern = %q", config.Prune.Pattern)
	}
	if config.Reclaim.DeleteAttempts != 5 {
		t.Fatalf("delete attempts = %d", config.Reclaim.DeleteAttempts)
	}
	if !StageEnabled(config.Stages.GuestAgent) {
		t.Fatal("stages must default to enabled")
	}
}

func TestLoadOverlaysFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
platform:
  tart: true
stages:
  reclaim: false
agent:
  method: repo
prune:
  pattern: "*-dbg"
reclaim:
  delete_delay: 5s
  delete_attempts: 2
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	config, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !config.Platform.Tart {
		t.Fatal("tart flag not read")
	}
	if config.Agent.Method != "repo" {
		t.Fatalf("agent method = %q", config.Agent.Method)
	}
	if config.Prune.Pattern != "*-dbg" {
		t.Fatalf("prune pattern = %q", config.Prune.Pattern)
	}
	if config.Reclaim.DeleteDelay.Std() != 5*time.Second {
		t.Fatalf("delete delay = %s", config.Reclaim.DeleteDelay.Std())
	}
	if config.Reclaim.DeleteAttempts != 2 {
		t.Fatalf("delete attempts = %d", config.Reclaim.DeleteAttempts)
	}
	if StageEnabled(config.Stages.Reclaim) {
		t.Fatal("reclaim stage must be disabled")
	}
	if !StageEnabled(config.Stages.Prune) {
		t.Fatal("unset stages must stay enabled")
	}
	// Untouched sections keep their defaults.
	if config.Reclaim.FillPath != "/zero.fill" {
		t.Fatalf("fill path = %q", config.Reclaim.FillPath)
	}
	if config.Identity.RegenUnit != "regenerate-ssh-host-keys.service" {
		t.Fatalf("regen unit = %q", config.Identity.RegenUnit)
	}
}

func TestLoadReadsAgentPlatformToggles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
agent:
  platforms:
    vmware: false
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	config, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if StageEnabled(config.Agent.Platforms.VMware) {
		t.Fatal("vmware integration must be disabled")
	}
	if !StageEnabled(config.Agent.Platforms.Parallels) {
		t.Fatal("unset platforms must stay enabled")
	}
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("stages: [not a map"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("reclaim:\n  delete_delay: soon\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected duration parse error")
	}
}
