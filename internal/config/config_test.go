package config

import (
    "os"
    "path/filepath"
    "testing"
    "time"
)

func TestDefaults(t *testing.T) {
    cfg, err := Load("")
    if err != nil { t.Fatalf("load: %v", err) }
    if cfg.Listen != ":8080" { t.Errorf("listen = %s", cfg.Listen) }
    if cfg.PollIntervalOrDefault() != 30*time.Second { t.Errorf("poll = %v", cfg.Courier.PollInterval) }
    if cfg.Webhooks.MaxAttempts != 10 { t.Errorf("max attempts = %d", cfg.Webhooks.MaxAttempts) }
}

func TestLoadFileAndEnvOverride(t *testing.T) {
    dir := t.TempDir()
    path := filepath.Join(dir, "cfg.yaml")
    body := "listen: \":9090\"\ncourier:\n  driver_id: drv_7\n  poll_interval: 10s\n"
    if err := os.WriteFile(path, []byte(body), 0o600); err != nil { t.Fatal(err) }

    t.Setenv("PORT", "7070")
    t.Setenv("COURIER_POLL_INTERVAL", "5s")
    cfg, err := Load(path)
    if err != nil { t.Fatalf("load: %v", err) }
    if cfg.Listen != ":7070" { t.Errorf("env should win: %s", cfg.Listen) }
    if cfg.Courier.DriverID != "drv_7" { t.Errorf("driver = %s", cfg.Courier.DriverID) }
    if cfg.Courier.PollInterval != 5*time.Second { t.Errorf("poll = %v", cfg.Courier.PollInterval) }
}

func TestMissingFileFallsBack(t *testing.T) {
    cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
    if err != nil { t.Fatalf("missing file should not error: %v", err) }
    if cfg.Courier.SessionPath != "courier.db" { t.Errorf("session path = %s", cfg.Courier.SessionPath) }
}
