package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestParseJSON(t *testing.T) {
	path := writeFile(t, "config.json", `{
		"telegram": {"token": "abc", "poll_timeout": "5s"},
		"logging": {"level": "debug", "console": true, "file": {"enabled": false}},
		"album": {"debounce": "800ms", "trigger": "manual", "default_policy": "balanced"},
		"dispatch": {"pacing_min": "3s", "pacing_max": "7s", "retry_max": 5},
		"destinations": {"channel": "@chan"}
	}`)

	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Telegram.Token != "abc" || cfg.Album.DefaultPolicy != "balanced" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if got := m.Get(); got != cfg {
		t.Fatalf("Get returned a different config")
	}
}

func TestParseYAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
telegram:
  token: abc
logging:
  level: info
  console: true
  file:
    enabled: false
album:
  debounce: 1s
dispatch:
  retry_max: 3
destinations:
  chat: "123456"
`)

	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Telegram.Token != "abc" || cfg.Dispatch.RetryMax != 3 || cfg.Destinations.Chat != "123456" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	path := writeFile(t, "config.json", `{"telegram": {"token": "x"}, "no_such_section": 1}`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatalf("unknown field accepted")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	path := writeFile(t, "config.json", `{"telegram": {"token": "x"}} {"extra": true}`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatalf("trailing data accepted")
	}
}

func TestSubscribePublishAndUnsubscribe(t *testing.T) {
	m := NewManager("unused")
	ch := m.Subscribe(1)

	cfg := &Config{}
	m.publish(cfg)

	select {
	case got := <-ch:
		if got != cfg {
			t.Fatalf("received wrong config")
		}
	case <-time.After(time.Second):
		t.Fatalf("no config delivered")
	}

	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatalf("channel not closed by unsubscribe")
	}
}

func TestPublishDropsOldestWhenFull(t *testing.T) {
	m := NewManager("unused")
	ch := m.Subscribe(1)

	first := &Config{Telegram: TelegramConfig{Token: "first"}}
	second := &Config{Telegram: TelegramConfig{Token: "second"}}
	m.publish(first)
	m.publish(second)

	got := <-ch
	if got.Telegram.Token != "second" {
		t.Fatalf("got %q, want the newest config", got.Telegram.Token)
	}
	m.Unsubscribe(ch)
}

func TestParseDurationField(t *testing.T) {
	if d, err := ParseDurationField("x", "1m30s"); err != nil || d != 90*time.Second {
		t.Fatalf("got (%v, %v)", d, err)
	}
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty: got (%v, %v)", d, err)
	}
	if _, err := ParseDurationField("x", "nonsense"); err == nil {
		t.Fatalf("nonsense accepted")
	}
	if _, err := ParseDurationField("x", "-5s"); err == nil {
		t.Fatalf("negative accepted")
	}
	if d, err := ParseDurationOrDefault("x", "", 7*time.Second); err != nil || d != 7*time.Second {
		t.Fatalf("default: got (%v, %v)", d, err)
	}
}
