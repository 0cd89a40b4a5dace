package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Playback.ChunkLength != 120 {
		t.Fatalf("expected default chunk length 120, got %d", cfg.Playback.ChunkLength)
	}
	if cfg.Playback.ChunkTimeoutMS != 0 {
		t.Fatalf("expected unbounded chunk wait by default, got %d", cfg.Playback.ChunkTimeoutMS)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("VOICEBRIDGE_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("VOICEBRIDGE_BUS_USERNAME", "alice")
	t.Setenv("VOICEBRIDGE_BUS_PASSWORD", "secret")
	t.Setenv("VOICEBRIDGE_BUS_TLS_INSECURE", "true")
	t.Setenv("VOICEBRIDGE_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("VOICEBRIDGE_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("VOICEBRIDGE_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("VOICEBRIDGE_EVENT_STORE_RETENTION_DAYS", "7")
	t.Setenv("VOICEBRIDGE_EVENT_STORE_MAX_TURNS", "123")
	t.Setenv("VOICEBRIDGE_EVENT_STORE_VACUUM_ON_START", "true")
	t.Setenv("VOICEBRIDGE_PLAYBACK_CHUNK_LENGTH", "80")
	t.Setenv("VOICEBRIDGE_PLAYBACK_VOICES", "alex, samantha ,victoria")
	t.Setenv("VOICEBRIDGE_PLAYBACK_RATE", "1.25")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.EventStore.Path != "./tmp.db" {
		t.Fatalf("expected event store path override")
	}
	if cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected event store retention mode override")
	}
	if cfg.EventStore.RetentionDays != 7 {
		t.Fatalf("expected event store retention days override")
	}
	if cfg.EventStore.MaxTurns != 123 {
		t.Fatalf("expected event store max sessions override")
	}
	if !cfg.EventStore.VacuumOnStart {
		t.Fatalf("expected event store vacuum flag override")
	}
	if cfg.Playback.ChunkLength != 80 {
		t.Fatalf("expected chunk length override, got %d", cfg.Playback.ChunkLength)
	}
	if len(cfg.Playback.Voices) != 3 || cfg.Playback.Voices[1] != "samantha" {
		t.Fatalf("expected trimmed voices, got %v", cfg.Playback.Voices)
	}
	if cfg.Playback.Rate != 1.25 {
		t.Fatalf("expected rate override, got %v", cfg.Playback.Rate)
	}
}

func TestAPIKeyPrecedence(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "from-openai")
	t.Setenv("VOICEBRIDGE_LLM_MODE", "openai")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LLM.APIKey != "from-openai" {
		t.Fatalf("expected OPENAI_API_KEY fallback, got %q", cfg.LLM.APIKey)
	}

	t.Setenv("VOICEBRIDGE_LLM_API_KEY", "from-bridge")
	cfg, err = Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LLM.APIKey != "from-bridge" {
		t.Fatalf("expected bridge key to win, got %q", cfg.LLM.APIKey)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voicebridge.yaml")
	data := []byte(`
runtime_name: meeting-bot
playback:
  mode: exec
  command: "say -f -"
  chunk_length: 60
  chunk_timeout_ms: 15000
meeting:
  user_name: ZoomBOT
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RuntimeName != "meeting-bot" {
		t.Fatalf("expected runtime name from file, got %q", cfg.RuntimeName)
	}
	if cfg.Playback.Mode != "exec" || cfg.Playback.ChunkLength != 60 || cfg.Playback.ChunkTimeoutMS != 15000 {
		t.Fatalf("unexpected playback config: %+v", cfg.Playback)
	}
	if cfg.Meeting.UserName != "ZoomBOT" {
		t.Fatalf("expected meeting user name from file")
	}
	if cfg.Playback.Voice != "en-US" {
		t.Fatalf("expected defaults preserved for unset keys")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"chunk length":       func(c *Config) { c.Playback.ChunkLength = 0 },
		"playback mode":      func(c *Config) { c.Playback.Mode = "speakers" },
		"exec playback":      func(c *Config) { c.Playback.Mode = "exec"; c.Playback.Command = "" },
		"openai without key": func(c *Config) { c.LLM.Mode = "openai"; c.LLM.APIKey = "" },
		"llm mode":           func(c *Config) { c.LLM.Mode = "gpt" },
		"capture":            func(c *Config) { c.STT.Capture = "browser" },
		"retention":          func(c *Config) { c.EventStore.RetentionMode = "forever" },
		"chunk timeout":      func(c *Config) { c.Playback.ChunkTimeoutMS = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			if err := validate(cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
