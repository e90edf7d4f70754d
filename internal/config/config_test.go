package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "inbox-relay.yml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
mailbox:
  address: me@example.com
selection:
  policy: keyword
  keywords: ["Invoice", "deploy"]
  require-unread: true
gate:
  admit-wait: 30s
notify:
  email:
    enabled: true
    host: smtp.example.com
    from: relay@example.com
    to: [me@example.com]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Selection.Policy != "keyword" || len(cfg.Selection.Keywords) != 2 || !cfg.Selection.RequireUnread {
		t.Fatalf("selection = %+v", cfg.Selection)
	}
	if cfg.Gate.AdmitWait != 30*time.Second || cfg.Gate.RunBudget != 5*time.Minute {
		t.Fatalf("gate = %+v", cfg.Gate)
	}
	if cfg.Notify.Email.Port != 465 || !cfg.Notify.Email.ImplicitTLS {
		t.Fatalf("email defaults = %+v", cfg.Notify.Email)
	}
	if cfg.CursorStore.Key != "me@example.com" {
		t.Fatalf("cursor key = %q", cfg.CursorStore.Key)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, "selection:\n  labels: [Label_1]\n")
	t.Setenv("INBOX_RELAY_SELECTION_LABELS", "Label_7, Label_9")
	t.Setenv("INBOX_RELAY_SERVER_ADDR", ":9090")
	t.Setenv("INBOX_RELAY_NOTIFY_COOLDOWN", "5s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if strings.Join(cfg.Selection.Labels, "|") != "Label_7|Label_9" {
		t.Fatalf("labels = %v", cfg.Selection.Labels)
	}
	if cfg.Server.Addr != ":9090" || cfg.Notify.Cooldown != 5*time.Second {
		t.Fatalf("server = %+v, cooldown = %s", cfg.Server, cfg.Notify.Cooldown)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yml")); err == nil {
		t.Fatal("expected error for missing explicit config")
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		path := writeConfig(t, "selection:\n  labels: [L]\n")
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"label policy without labels", func(c *Config) { c.Selection.Labels = nil }},
		{"unknown policy", func(c *Config) { c.Selection.Policy = "regex" }},
		{"postgres without dsn", func(c *Config) { c.CursorStore.Driver = "postgres" }},
		{"unknown credentials", func(c *Config) { c.Credentials.Source = "env" }},
		{"auth without audience", func(c *Config) { c.Webhook.Auth.Enabled = true }},
		{"workflow incomplete", func(c *Config) { c.Notify.Workflow.Enabled = true }},
		{"forward without email", func(c *Config) { c.Notify.ForwardRawPush = true }},
		{"auto refresh without topic", func(c *Config) { c.Watch.AutoRefresh = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
	if err := base().Validate(); err != nil {
		t.Fatalf("base config invalid: %v", err)
	}
}
