package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	TraceStdout    bool   `yaml:"trace_stdout"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	STT         STTConfig        `yaml:"stt"`
	LLM         LLMConfig        `yaml:"llm"`
	TTS         TTSConfig        `yaml:"tts"`
	Playback    PlaybackConfig   `yaml:"playback"`
	Turn        TurnConfig       `yaml:"turn"`
	Meeting     MeetingConfig    `yaml:"meeting"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxTurns      int    `yaml:"max_turns"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type STTConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Mode            string `yaml:"mode"` // mock, exec
	Capture         string `yaml:"capture"` // bus, mock, none
	Command         string `yaml:"command"`
	ModelPath       string `yaml:"model_path"`
	Language        string `yaml:"language"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	FrameDurationMS int    `yaml:"frame_duration_ms"`
	PartialEveryMS  int    `yaml:"partial_every_ms"`
	PublishInterim  bool   `yaml:"publish_interim"`
	MockTranscript  string `yaml:"mock_transcript"`
}

type LLMConfig struct {
	Mode        string  `yaml:"mode"`      // mock, openai, ollama, exec
	Transport   string  `yaml:"transport"` // direct, bus
	Endpoint    string  `yaml:"endpoint"`
	BaseURL     string  `yaml:"base_url"`
	APIKey      string  `yaml:"api_key"`
	Command     string  `yaml:"command"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	TimeoutMS   int     `yaml:"timeout_ms"`
}

type TTSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Mode       string `yaml:"mode"` // mock, exec
	Command    string `yaml:"command"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
	TimeoutMS  int    `yaml:"timeout_ms"`
}

type PlaybackConfig struct {
	Mode           string   `yaml:"mode"` // mock, exec, bus
	Command        string   `yaml:"command"`
	ChunkLength    int      `yaml:"chunk_length"`
	ChunkTimeoutMS int      `yaml:"chunk_timeout_ms"`
	Voices         []string `yaml:"voices"`
	VoiceIndex     int      `yaml:"voice_index"`
	Voice          string   `yaml:"voice"`
	Rate           float64  `yaml:"rate"`
	Pitch          float64  `yaml:"pitch"`
	Target         string   `yaml:"target"`
	MockRuneMS     int      `yaml:"mock_rune_ms"`
}

type TurnConfig struct {
	Continuous   bool `yaml:"continuous"`
	BroadcastBus bool `yaml:"broadcast_bus"`
}

type MeetingConfig struct {
	URL      string `yaml:"url"`
	UserName string `yaml:"user_name"`
	Role     int    `yaml:"role"`
	LeaveURL string `yaml:"leave_url"`
}

func Default() Config {
	return Config{
		RuntimeName: "voicebridge",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: "",
		},
		Bus: BusConfig{
			Embedded:       true,
			Host:           "127.0.0.1",
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/voicebridge-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxTurns:      10000,
		},
		STT: STTConfig{
			Enabled:         false,
			Mode:            "mock",
			Capture:         "bus",
			SampleRate:      16000,
			Channels:        1,
			FrameDurationMS: 20,
			PartialEveryMS:  800,
			PublishInterim:  true,
		},
		LLM: LLMConfig{
			Mode:        "mock",
			Transport:   "direct",
			Endpoint:    "http://localhost:11434",
			MaxTokens:   256,
			Temperature: 0.7,
			TimeoutMS:   60000,
		},
		TTS: TTSConfig{
			Enabled:    false,
			Mode:       "mock",
			SampleRate: 22050,
			Channels:   1,
			TimeoutMS:  45000,
		},
		Playback: PlaybackConfig{
			Mode:        "mock",
			ChunkLength: 120,
			VoiceIndex:  2,
			Voice:       "en-US",
			Rate:        1,
			Pitch:       1,
			Target:      "default",
			MockRuneMS:  5,
		},
		Turn: TurnConfig{
			Continuous:   true,
			BroadcastBus: true,
		},
		Meeting: MeetingConfig{
			UserName: "VoiceBridge",
			Role:     0,
			LeaveURL: "https://zoom.us/",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "VOICEBRIDGE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "VOICEBRIDGE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "VOICEBRIDGE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "VOICEBRIDGE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "VOICEBRIDGE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "VOICEBRIDGE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "VOICEBRIDGE_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.TraceStdout, "VOICEBRIDGE_TELEMETRY_TRACE_STDOUT")
	overrideString(&cfg.Telemetry.PrometheusBind, "VOICEBRIDGE_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "VOICEBRIDGE_BUS_EMBEDDED")
	overrideString(&cfg.Bus.Host, "VOICEBRIDGE_BUS_HOST")
	overrideInt(&cfg.Bus.Port, "VOICEBRIDGE_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "VOICEBRIDGE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "VOICEBRIDGE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "VOICEBRIDGE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "VOICEBRIDGE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "VOICEBRIDGE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "VOICEBRIDGE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "VOICEBRIDGE_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "VOICEBRIDGE_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "VOICEBRIDGE_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxTurns, "VOICEBRIDGE_EVENT_STORE_MAX_TURNS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "VOICEBRIDGE_EVENT_STORE_VACUUM_ON_START")
	overrideBool(&cfg.STT.Enabled, "VOICEBRIDGE_STT_ENABLED")
	overrideString(&cfg.STT.Mode, "VOICEBRIDGE_STT_MODE")
	overrideString(&cfg.STT.Capture, "VOICEBRIDGE_STT_CAPTURE")
	overrideString(&cfg.STT.Command, "VOICEBRIDGE_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "VOICEBRIDGE_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "VOICEBRIDGE_STT_LANGUAGE")
	overrideInt(&cfg.STT.SampleRate, "VOICEBRIDGE_STT_SAMPLE_RATE")
	overrideInt(&cfg.STT.Channels, "VOICEBRIDGE_STT_CHANNELS")
	overrideInt(&cfg.STT.PartialEveryMS, "VOICEBRIDGE_STT_PARTIAL_EVERY_MS")
	overrideBool(&cfg.STT.PublishInterim, "VOICEBRIDGE_STT_PUBLISH_INTERIM")
	overrideString(&cfg.STT.MockTranscript, "VOICEBRIDGE_STT_MOCK_TRANSCRIPT")
	overrideString(&cfg.LLM.Mode, "VOICEBRIDGE_LLM_MODE")
	overrideString(&cfg.LLM.Transport, "VOICEBRIDGE_LLM_TRANSPORT")
	overrideString(&cfg.LLM.Endpoint, "VOICEBRIDGE_LLM_ENDPOINT")
	overrideString(&cfg.LLM.BaseURL, "VOICEBRIDGE_LLM_BASE_URL")
	overrideString(&cfg.LLM.APIKey, "OPENAI_API_KEY")
	overrideString(&cfg.LLM.APIKey, "VOICEBRIDGE_LLM_API_KEY")
	overrideString(&cfg.LLM.Command, "VOICEBRIDGE_LLM_COMMAND")
	overrideString(&cfg.LLM.Model, "VOICEBRIDGE_LLM_MODEL")
	overrideInt(&cfg.LLM.MaxTokens, "VOICEBRIDGE_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "VOICEBRIDGE_LLM_TEMPERATURE")
	overrideInt(&cfg.LLM.TimeoutMS, "VOICEBRIDGE_LLM_TIMEOUT_MS")
	overrideBool(&cfg.TTS.Enabled, "VOICEBRIDGE_TTS_ENABLED")
	overrideString(&cfg.TTS.Mode, "VOICEBRIDGE_TTS_MODE")
	overrideString(&cfg.TTS.Command, "VOICEBRIDGE_TTS_COMMAND")
	overrideInt(&cfg.TTS.SampleRate, "VOICEBRIDGE_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "VOICEBRIDGE_TTS_CHANNELS")
	overrideString(&cfg.Playback.Mode, "VOICEBRIDGE_PLAYBACK_MODE")
	overrideString(&cfg.Playback.Command, "VOICEBRIDGE_PLAYBACK_COMMAND")
	overrideInt(&cfg.Playback.ChunkLength, "VOICEBRIDGE_PLAYBACK_CHUNK_LENGTH")
	overrideInt(&cfg.Playback.ChunkTimeoutMS, "VOICEBRIDGE_PLAYBACK_CHUNK_TIMEOUT_MS")
	overrideStringSlice(&cfg.Playback.Voices, "VOICEBRIDGE_PLAYBACK_VOICES")
	overrideInt(&cfg.Playback.VoiceIndex, "VOICEBRIDGE_PLAYBACK_VOICE_INDEX")
	overrideString(&cfg.Playback.Voice, "VOICEBRIDGE_PLAYBACK_VOICE")
	overrideFloat(&cfg.Playback.Rate, "VOICEBRIDGE_PLAYBACK_RATE")
	overrideFloat(&cfg.Playback.Pitch, "VOICEBRIDGE_PLAYBACK_PITCH")
	overrideString(&cfg.Playback.Target, "VOICEBRIDGE_PLAYBACK_TARGET")
	overrideBool(&cfg.Turn.Continuous, "VOICEBRIDGE_TURN_CONTINUOUS")
	overrideBool(&cfg.Turn.BroadcastBus, "VOICEBRIDGE_TURN_BROADCAST_BUS")
	overrideString(&cfg.Meeting.URL, "VOICEBRIDGE_MEETING_URL")
	overrideString(&cfg.Meeting.UserName, "VOICEBRIDGE_MEETING_USER_NAME")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	switch cfg.STT.Capture {
	case "bus", "mock", "none":
	default:
		return errors.New("stt.capture must be one of bus|mock|none")
	}
	if cfg.STT.Enabled {
		if cfg.STT.SampleRate <= 0 {
			return errors.New("stt.sample_rate must be positive")
		}
		if cfg.STT.Channels <= 0 {
			return errors.New("stt.channels must be positive")
		}
		if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
	}
	switch cfg.LLM.Mode {
	case "mock", "openai", "ollama", "exec":
	default:
		return errors.New("llm.mode must be one of mock|openai|ollama|exec")
	}
	switch cfg.LLM.Transport {
	case "direct", "bus":
	default:
		return errors.New("llm.transport must be one of direct|bus")
	}
	if cfg.LLM.Mode == "openai" && cfg.LLM.APIKey == "" {
		return errors.New("llm.api_key (or OPENAI_API_KEY) must be set when mode=openai")
	}
	if cfg.LLM.Mode == "ollama" && cfg.LLM.Endpoint == "" {
		return errors.New("llm.endpoint must be set when mode=ollama")
	}
	if cfg.LLM.Mode == "exec" && cfg.LLM.Command == "" {
		return errors.New("llm.command must be set when mode=exec")
	}
	if cfg.LLM.MaxTokens < 0 {
		return errors.New("llm.max_tokens must be >= 0")
	}
	if cfg.LLM.TimeoutMS < 0 {
		return errors.New("llm.timeout_ms must be >= 0")
	}
	if cfg.TTS.Enabled {
		switch cfg.TTS.Mode {
		case "mock", "exec":
		default:
			return errors.New("tts.mode must be one of mock|exec")
		}
		if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
			return errors.New("tts.command must be set when mode=exec")
		}
		if cfg.TTS.SampleRate <= 0 {
			return errors.New("tts.sample_rate must be positive")
		}
		if cfg.TTS.Channels <= 0 {
			return errors.New("tts.channels must be positive")
		}
	}
	switch cfg.Playback.Mode {
	case "mock", "exec", "bus":
	default:
		return errors.New("playback.mode must be one of mock|exec|bus")
	}
	if cfg.Playback.Mode == "exec" && cfg.Playback.Command == "" {
		return errors.New("playback.command must be set when mode=exec")
	}
	if cfg.Playback.ChunkLength < 1 {
		return errors.New("playback.chunk_length must be >= 1")
	}
	if cfg.Playback.ChunkTimeoutMS < 0 {
		return errors.New("playback.chunk_timeout_ms must be >= 0")
	}
	if cfg.Meeting.Role != 0 && cfg.Meeting.Role != 1 {
		return errors.New("meeting.role must be 0 (attendee) or 1 (host)")
	}
	return nil
}
