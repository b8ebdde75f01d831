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
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	StdoutTraces bool   `yaml:"stdout_traces"`
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
	Node        NodeConfig       `yaml:"node"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Capture     CaptureConfig    `yaml:"capture"`
	Activity    ActivityConfig   `yaml:"activity"`
	STT         STTConfig        `yaml:"stt"`
	Relay       RelayConfig      `yaml:"relay"`
	TTS         TTSConfig        `yaml:"tts"`
	Playback    PlaybackConfig   `yaml:"playback"`
	Session     SessionConfig    `yaml:"session"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type NodeConfig struct {
	ID                string `yaml:"id"`
	Role              string `yaml:"role"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// CaptureConfig selects the microphone backend.
type CaptureConfig struct {
	Mode       string `yaml:"mode"` // mock, exec
	Command    string `yaml:"command"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
	ChunkMS    int    `yaml:"chunk_ms"`
}

// ActivityConfig tunes the speech activity monitor. The defaults mirror a
// browser AnalyserNode sampled every 100ms.
type ActivityConfig struct {
	IntervalMS  int     `yaml:"interval_ms"`
	Threshold   float64 `yaml:"threshold"`
	FFTSize     int     `yaml:"fft_size"`
	Smoothing   float64 `yaml:"smoothing"`
	MinDecibels float64 `yaml:"min_decibels"`
	MaxDecibels float64 `yaml:"max_decibels"`
}

type STTConfig struct {
	Mode      string `yaml:"mode"` // openai, exec, mock
	APIKey    string `yaml:"api_key"`
	BaseURL   string `yaml:"base_url"`
	Model     string `yaml:"model"`
	Command   string `yaml:"command"`
	ModelPath string `yaml:"model_path"`
	Language  string `yaml:"language"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type RelayConfig struct {
	Endpoint  string            `yaml:"endpoint"`
	TimeoutMS int               `yaml:"timeout_ms"`
	Headers   map[string]string `yaml:"headers"`
}

type TTSConfig struct {
	Provider   string  `yaml:"provider"` // openai, google, botnoi, exec, mock
	APIKey     string  `yaml:"api_key"`
	BaseURL    string  `yaml:"base_url"`
	Model      string  `yaml:"model"`
	Voice      string  `yaml:"voice"`
	Language   string  `yaml:"language"`
	Speaker    string  `yaml:"speaker"`
	Speed      float64 `yaml:"speed"`
	Command    string  `yaml:"command"`
	SampleRate int     `yaml:"sample_rate"`
	Channels   int     `yaml:"channels"`
	TimeoutMS  int     `yaml:"timeout_ms"`
}

type PlaybackConfig struct {
	Mode    string `yaml:"mode"` // simulated, exec
	Command string `yaml:"command"`
}

type SessionConfig struct {
	AutoPlayback bool `yaml:"auto_playback"`
	UpdateBuffer int  `yaml:"update_buffer"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-voice",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "loqa-voice-1",
			Role:              "voice",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-voice-turns.db",
			RetentionMode: "ephemeral",
			RetentionDays: 7,
			MaxSessions:   1000,
		},
		Capture: CaptureConfig{
			Mode:       "mock",
			SampleRate: 16000,
			Channels:   1,
			ChunkMS:    100,
		},
		Activity: ActivityConfig{
			IntervalMS:  100,
			Threshold:   10,
			FFTSize:     2048,
			Smoothing:   0.8,
			MinDecibels: -100,
			MaxDecibels: -30,
		},
		STT: STTConfig{
			Mode:      "mock",
			Model:     "whisper-1",
			Language:  "Thai",
			TimeoutMS: 120000,
		},
		Relay: RelayConfig{
			Endpoint:  "http://localhost:5678/webhook/voice",
			TimeoutMS: 300000,
		},
		TTS: TTSConfig{
			Provider:   "mock",
			Model:      "tts-1",
			Voice:      "Sage",
			Language:   "th-TH",
			Speaker:    "1",
			Speed:      1,
			SampleRate: 22050,
			Channels:   1,
			TimeoutMS:  60000,
		},
		Playback: PlaybackConfig{
			Mode: "simulated",
		},
		Session: SessionConfig{
			AutoPlayback: true,
			UpdateBuffer: 32,
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
	overrideString(&cfg.RuntimeName, "LOQA_VOICE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_VOICE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_VOICE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_VOICE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_VOICE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_VOICE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_VOICE_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.StdoutTraces, "LOQA_VOICE_TELEMETRY_STDOUT_TRACES")
	overrideBool(&cfg.Bus.Enabled, "LOQA_VOICE_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_VOICE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_VOICE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_VOICE_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_VOICE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_VOICE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_VOICE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_VOICE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_VOICE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_VOICE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "LOQA_VOICE_NODE_ID")
	overrideString(&cfg.Node.Role, "LOQA_VOICE_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "LOQA_VOICE_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "LOQA_VOICE_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_VOICE_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_VOICE_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_VOICE_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_VOICE_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_VOICE_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Capture.Mode, "LOQA_VOICE_CAPTURE_MODE")
	overrideString(&cfg.Capture.Command, "LOQA_VOICE_CAPTURE_COMMAND")
	overrideInt(&cfg.Capture.SampleRate, "LOQA_VOICE_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.Channels, "LOQA_VOICE_CAPTURE_CHANNELS")
	overrideInt(&cfg.Capture.ChunkMS, "LOQA_VOICE_CAPTURE_CHUNK_MS")
	overrideInt(&cfg.Activity.IntervalMS, "LOQA_VOICE_ACTIVITY_INTERVAL_MS")
	overrideFloat(&cfg.Activity.Threshold, "LOQA_VOICE_ACTIVITY_THRESHOLD")
	overrideInt(&cfg.Activity.FFTSize, "LOQA_VOICE_ACTIVITY_FFT_SIZE")
	overrideFloat(&cfg.Activity.Smoothing, "LOQA_VOICE_ACTIVITY_SMOOTHING")
	overrideString(&cfg.STT.Mode, "LOQA_VOICE_STT_MODE")
	overrideString(&cfg.STT.APIKey, "LOQA_VOICE_STT_API_KEY")
	overrideString(&cfg.STT.BaseURL, "LOQA_VOICE_STT_BASE_URL")
	overrideString(&cfg.STT.Model, "LOQA_VOICE_STT_MODEL")
	overrideString(&cfg.STT.Command, "LOQA_VOICE_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "LOQA_VOICE_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "LOQA_VOICE_STT_LANGUAGE")
	overrideInt(&cfg.STT.TimeoutMS, "LOQA_VOICE_STT_TIMEOUT_MS")
	overrideString(&cfg.Relay.Endpoint, "LOQA_VOICE_RELAY_ENDPOINT")
	overrideInt(&cfg.Relay.TimeoutMS, "LOQA_VOICE_RELAY_TIMEOUT_MS")
	overrideString(&cfg.TTS.Provider, "LOQA_VOICE_TTS_PROVIDER")
	overrideString(&cfg.TTS.APIKey, "LOQA_VOICE_TTS_API_KEY")
	overrideString(&cfg.TTS.BaseURL, "LOQA_VOICE_TTS_BASE_URL")
	overrideString(&cfg.TTS.Model, "LOQA_VOICE_TTS_MODEL")
	overrideString(&cfg.TTS.Voice, "LOQA_VOICE_TTS_VOICE")
	overrideString(&cfg.TTS.Language, "LOQA_VOICE_TTS_LANGUAGE")
	overrideString(&cfg.TTS.Speaker, "LOQA_VOICE_TTS_SPEAKER")
	overrideFloat(&cfg.TTS.Speed, "LOQA_VOICE_TTS_SPEED")
	overrideString(&cfg.TTS.Command, "LOQA_VOICE_TTS_COMMAND")
	overrideInt(&cfg.TTS.SampleRate, "LOQA_VOICE_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "LOQA_VOICE_TTS_CHANNELS")
	overrideInt(&cfg.TTS.TimeoutMS, "LOQA_VOICE_TTS_TIMEOUT_MS")
	overrideString(&cfg.Playback.Mode, "LOQA_VOICE_PLAYBACK_MODE")
	overrideString(&cfg.Playback.Command, "LOQA_VOICE_PLAYBACK_COMMAND")
	overrideBool(&cfg.Session.AutoPlayback, "LOQA_VOICE_SESSION_AUTO_PLAYBACK")
	overrideInt(&cfg.Session.UpdateBuffer, "LOQA_VOICE_SESSION_UPDATE_BUFFER")
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
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Node.ID == "" {
			return errors.New("node.id must not be empty")
		}
		if cfg.Node.HeartbeatInterval <= 0 {
			return errors.New("node.heartbeat_interval_ms must be positive")
		}
		if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
			return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
		}
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionMode != "ephemeral" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	switch cfg.Capture.Mode {
	case "mock", "exec":
	default:
		return errors.New("capture.mode must be one of mock|exec")
	}
	if cfg.Capture.Mode == "exec" && cfg.Capture.Command == "" {
		return errors.New("capture.command must be set when mode=exec")
	}
	if cfg.Capture.SampleRate <= 0 {
		return errors.New("capture.sample_rate must be positive")
	}
	if cfg.Capture.Channels <= 0 {
		return errors.New("capture.channels must be positive")
	}
	if cfg.Capture.ChunkMS <= 0 {
		return errors.New("capture.chunk_ms must be positive")
	}
	if cfg.Activity.IntervalMS <= 0 {
		return errors.New("activity.interval_ms must be positive")
	}
	if cfg.Activity.FFTSize < 32 || cfg.Activity.FFTSize&(cfg.Activity.FFTSize-1) != 0 {
		return errors.New("activity.fft_size must be a power of two >= 32")
	}
	if cfg.Activity.Smoothing < 0 || cfg.Activity.Smoothing >= 1 {
		return errors.New("activity.smoothing must be in [0, 1)")
	}
	if cfg.Activity.MaxDecibels <= cfg.Activity.MinDecibels {
		return errors.New("activity.max_decibels must be greater than min_decibels")
	}
	switch cfg.STT.Mode {
	case "openai", "exec", "mock":
	default:
		return errors.New("stt.mode must be one of openai|exec|mock")
	}
	if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
		return errors.New("stt.command must be set when mode=exec")
	}
	if strings.TrimSpace(cfg.Relay.Endpoint) == "" {
		return errors.New("relay.endpoint must not be empty")
	}
	if cfg.Relay.TimeoutMS <= 0 {
		return errors.New("relay.timeout_ms must be positive")
	}
	switch cfg.TTS.Provider {
	case "openai", "google", "botnoi", "exec", "mock":
	default:
		return errors.New("tts.provider must be one of openai|google|botnoi|exec|mock")
	}
	if cfg.TTS.Provider == "exec" {
		if cfg.TTS.Command == "" {
			return errors.New("tts.command must be set when provider=exec")
		}
		if cfg.TTS.SampleRate <= 0 {
			return errors.New("tts.sample_rate must be positive")
		}
		if cfg.TTS.Channels <= 0 {
			return errors.New("tts.channels must be positive")
		}
	}
	switch cfg.Playback.Mode {
	case "simulated", "exec":
	default:
		return errors.New("playback.mode must be one of simulated|exec")
	}
	if cfg.Playback.Mode == "exec" && cfg.Playback.Command == "" {
		return errors.New("playback.command must be set when mode=exec")
	}
	// Missing api keys are reported per attempt as configuration errors, not at load.
	return nil
}
