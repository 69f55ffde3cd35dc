package config

import "testing"

func TestSandboxesDir(t *testing.T) {
	c := Config{DataDir: "/var/lib/ash"}
	if got, want := c.SandboxesDir(), "/var/lib/ash/sandboxes"; got != want {
		t.Errorf("SandboxesDir() = %q, want %q", got, want)
	}
	if got, want := c.SessionsDir(), "/var/lib/ash/sessions"; got != want {
		t.Errorf("SessionsDir() = %q, want %q", got, want)
	}
}

func TestIsCoordinator(t *testing.T) {
	if (Config{Mode: ModeStandalone}).IsCoordinator() {
		t.Error("standalone mode should not be coordinator")
	}
	if !(Config{Mode: ModeCoordinator}).IsCoordinator() {
		t.Error("coordinator mode should be coordinator")
	}
}
