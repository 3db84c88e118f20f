package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "agentrt.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("writing config file: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfigFile(t, "api_url: https://example.test\nauth_token: secret\n")
	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.AutoReconnect {
		t.Error("AutoReconnect default should be true")
	}
	if cfg.Reconnection.InitialDelay <= 0 {
		t.Error("Reconnection.InitialDelay default should be positive")
	}
	if cfg.MaxFilesPerMessage != 10 {
		t.Errorf("MaxFilesPerMessage = %d, want 10", cfg.MaxFilesPerMessage)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
}

func TestLegacySessionIDAliasesToUISessionID(t *testing.T) {
	path := writeConfigFile(t, "api_url: https://example.test\nauth_token: secret\nsession_id: legacy-123\n")
	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.UISessionID != "legacy-123" {
		t.Errorf("UISessionID = %q, want legacy-123 (aliased from session_id)", cfg.UISessionID)
	}
}

func TestExplicitUISessionIDWinsOverLegacyAlias(t *testing.T) {
	path := writeConfigFile(t, "api_url: https://example.test\nauth_token: secret\nsession_id: legacy-123\nui_session_id: current-456\n")
	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.UISessionID != "current-456" {
		t.Errorf("UISessionID = %q, want current-456", cfg.UISessionID)
	}
}

func TestMissingAPIURLFailsValidation(t *testing.T) {
	path := writeConfigFile(t, "auth_token: secret\n")
	if _, err := Load(path, nil); err == nil {
		t.Fatal("expected validation error for missing api_url")
	}
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeConfigFile(t, "api_url: https://example.test\nauth_token: from-file\n")
	t.Setenv("AGENTRT_AUTH_TOKEN", "from-env")

	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AuthToken != "from-env" {
		t.Errorf("AuthToken = %q, want from-env (environment should override file)", cfg.AuthToken)
	}
}
