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
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type ScriptConfig struct {
	Path string `yaml:"path"`
}

// MatcherConfig tunes the anchor matcher. Durations are milliseconds.
type MatcherConfig struct {
	TailWindowWords   int `yaml:"tail_window_words"`
	ConfirmWindowMS   int `yaml:"confirm_window_ms"`
	PerAnchorCooldown int `yaml:"per_anchor_cooldown_ms"`
	GlobalCooldown    int `yaml:"global_cooldown_ms"`
	// FuzzyWordMinLen enables near-word tolerance for words of at least
	// this many runes. Zero keeps word comparison exact.
	FuzzyWordMinLen int `yaml:"fuzzy_word_min_len"`
}

// TrackerConfig tunes the line tracker.
type TrackerConfig struct {
	WindowForward   int     `yaml:"window_forward"`
	MinScore        float64 `yaml:"min_score"`
	MinCoverage     float64 `yaml:"min_coverage"`
	ConfirmWindowMS int     `yaml:"confirm_window_ms"`
	FuzzyWordMinLen int     `yaml:"fuzzy_word_min_len"`
}

type CaptureConfig struct {
	Mode         string `yaml:"mode"` // mock, exec
	Command      string `yaml:"command"`
	Device       string `yaml:"device"`
	SampleRate   int    `yaml:"sample_rate"`
	Channels     int    `yaml:"channels"`
	BufferFrames int    `yaml:"buffer_frames"`
	ChannelDepth int    `yaml:"channel_depth"`
}

type RecognizerConfig struct {
	Mode           string `yaml:"mode"` // mock, exec
	Command        string `yaml:"command"`
	ModelPath      string `yaml:"model_path"`
	Language       string `yaml:"language"`
	VocabularyBias bool   `yaml:"vocabulary_bias"`
	PartialEveryMS int    `yaml:"partial_every_ms"`
}

type RecordingConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Directory string `yaml:"directory"`
}

// EngineConfig tunes the orchestrator's periodic duties.
type EngineConfig struct {
	WatchdogIntervalMS int     `yaml:"watchdog_interval_ms"`
	StallAfterMS       int     `yaml:"stall_after_ms"`
	LevelFloor         float64 `yaml:"level_floor"`
	LevelRefreshMS     int     `yaml:"level_refresh_ms"`
	StatusEveryMS      int     `yaml:"status_every_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Script      ScriptConfig     `yaml:"script"`
	Matcher     MatcherConfig    `yaml:"matcher"`
	Tracker     TrackerConfig    `yaml:"tracker"`
	Capture     CaptureConfig    `yaml:"capture"`
	Recognizer  RecognizerConfig `yaml:"recognizer"`
	Recording   RecordingConfig  `yaml:"recording"`
	Engine      EngineConfig     `yaml:"engine"`
	EventStore  EventStoreConfig `yaml:"event_store"`
}

func Default() Config {
	return Config{
		RuntimeName: "cueline-runtime",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Script: ScriptConfig{
			Path: "./script.yaml",
		},
		Matcher: MatcherConfig{
			TailWindowWords:   16,
			ConfirmWindowMS:   500,
			PerAnchorCooldown: 1200,
			GlobalCooldown:    400,
		},
		Tracker: TrackerConfig{
			WindowForward:   18,
			MinScore:        0.70,
			MinCoverage:     0.70,
			ConfirmWindowMS: 450,
		},
		Capture: CaptureConfig{
			Mode:         "exec",
			Command:      "pw-record",
			SampleRate:   16000,
			Channels:     1,
			BufferFrames: 256,
			ChannelDepth: 32,
		},
		Recognizer: RecognizerConfig{
			Mode:           "mock",
			VocabularyBias: true,
			PartialEveryMS: 250,
		},
		Recording: RecordingConfig{
			Enabled:   true,
			Directory: "./recordings",
		},
		Engine: EngineConfig{
			WatchdogIntervalMS: 1000,
			StallAfterMS:       2000,
			LevelFloor:         0.015,
			LevelRefreshMS:     100,
			StatusEveryMS:      1000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/cueline-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
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
	overrideString(&cfg.RuntimeName, "CUELINE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "CUELINE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "CUELINE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "CUELINE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "CUELINE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "CUELINE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "CUELINE_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "CUELINE_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "CUELINE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "CUELINE_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "CUELINE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "CUELINE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "CUELINE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "CUELINE_BUS_TOKEN")
	overrideInt(&cfg.Bus.ConnectTimeout, "CUELINE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Script.Path, "CUELINE_SCRIPT_PATH")
	overrideInt(&cfg.Matcher.TailWindowWords, "CUELINE_MATCHER_TAIL_WINDOW_WORDS")
	overrideInt(&cfg.Matcher.ConfirmWindowMS, "CUELINE_MATCHER_CONFIRM_WINDOW_MS")
	overrideInt(&cfg.Matcher.PerAnchorCooldown, "CUELINE_MATCHER_PER_ANCHOR_COOLDOWN_MS")
	overrideInt(&cfg.Matcher.GlobalCooldown, "CUELINE_MATCHER_GLOBAL_COOLDOWN_MS")
	overrideInt(&cfg.Matcher.FuzzyWordMinLen, "CUELINE_MATCHER_FUZZY_WORD_MIN_LEN")
	overrideInt(&cfg.Tracker.WindowForward, "CUELINE_TRACKER_WINDOW_FORWARD")
	overrideFloat(&cfg.Tracker.MinScore, "CUELINE_TRACKER_MIN_SCORE")
	overrideFloat(&cfg.Tracker.MinCoverage, "CUELINE_TRACKER_MIN_COVERAGE")
	overrideInt(&cfg.Tracker.ConfirmWindowMS, "CUELINE_TRACKER_CONFIRM_WINDOW_MS")
	overrideInt(&cfg.Tracker.FuzzyWordMinLen, "CUELINE_TRACKER_FUZZY_WORD_MIN_LEN")
	overrideString(&cfg.Capture.Mode, "CUELINE_CAPTURE_MODE")
	overrideString(&cfg.Capture.Command, "CUELINE_CAPTURE_COMMAND")
	overrideString(&cfg.Capture.Device, "CUELINE_CAPTURE_DEVICE")
	overrideInt(&cfg.Capture.SampleRate, "CUELINE_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.Channels, "CUELINE_CAPTURE_CHANNELS")
	overrideInt(&cfg.Capture.BufferFrames, "CUELINE_CAPTURE_BUFFER_FRAMES")
	overrideInt(&cfg.Capture.ChannelDepth, "CUELINE_CAPTURE_CHANNEL_DEPTH")
	overrideString(&cfg.Recognizer.Mode, "CUELINE_RECOGNIZER_MODE")
	overrideString(&cfg.Recognizer.Command, "CUELINE_RECOGNIZER_COMMAND")
	overrideString(&cfg.Recognizer.ModelPath, "CUELINE_RECOGNIZER_MODEL_PATH")
	overrideString(&cfg.Recognizer.Language, "CUELINE_RECOGNIZER_LANGUAGE")
	overrideBool(&cfg.Recognizer.VocabularyBias, "CUELINE_RECOGNIZER_VOCABULARY_BIAS")
	overrideInt(&cfg.Recognizer.PartialEveryMS, "CUELINE_RECOGNIZER_PARTIAL_EVERY_MS")
	overrideBool(&cfg.Recording.Enabled, "CUELINE_RECORDING_ENABLED")
	overrideString(&cfg.Recording.Directory, "CUELINE_RECORDING_DIRECTORY")
	overrideInt(&cfg.Engine.WatchdogIntervalMS, "CUELINE_ENGINE_WATCHDOG_INTERVAL_MS")
	overrideInt(&cfg.Engine.StallAfterMS, "CUELINE_ENGINE_STALL_AFTER_MS")
	overrideFloat(&cfg.Engine.LevelFloor, "CUELINE_ENGINE_LEVEL_FLOOR")
	overrideInt(&cfg.Engine.LevelRefreshMS, "CUELINE_ENGINE_LEVEL_REFRESH_MS")
	overrideInt(&cfg.Engine.StatusEveryMS, "CUELINE_ENGINE_STATUS_EVERY_MS")
	overrideString(&cfg.EventStore.Path, "CUELINE_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "CUELINE_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "CUELINE_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "CUELINE_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "CUELINE_EVENT_STORE_VACUUM_ON_START")
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

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
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
	if cfg.Matcher.TailWindowWords <= 0 {
		return errors.New("matcher.tail_window_words must be positive")
	}
	if cfg.Matcher.ConfirmWindowMS <= 0 {
		return errors.New("matcher.confirm_window_ms must be positive")
	}
	if cfg.Matcher.PerAnchorCooldown < 0 || cfg.Matcher.GlobalCooldown < 0 {
		return errors.New("matcher cooldowns must be >= 0")
	}
	if cfg.Tracker.WindowForward <= 0 {
		return errors.New("tracker.window_forward must be positive")
	}
	if cfg.Tracker.MinScore <= 0 || cfg.Tracker.MinScore > 1 {
		return errors.New("tracker.min_score must be in (0, 1]")
	}
	if cfg.Tracker.MinCoverage <= 0 || cfg.Tracker.MinCoverage > 1 {
		return errors.New("tracker.min_coverage must be in (0, 1]")
	}
	if cfg.Tracker.ConfirmWindowMS <= 0 {
		return errors.New("tracker.confirm_window_ms must be positive")
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
	if cfg.Capture.BufferFrames <= 0 {
		return errors.New("capture.buffer_frames must be positive")
	}
	switch cfg.Recognizer.Mode {
	case "mock", "exec":
	default:
		return errors.New("recognizer.mode must be one of mock|exec")
	}
	if cfg.Recognizer.Mode == "exec" && cfg.Recognizer.Command == "" {
		return errors.New("recognizer.command must be set when mode=exec")
	}
	if cfg.Recording.Enabled && cfg.Recording.Directory == "" {
		return errors.New("recording.directory must not be empty when recording is enabled")
	}
	if cfg.Engine.WatchdogIntervalMS <= 0 {
		return errors.New("engine.watchdog_interval_ms must be positive")
	}
	if cfg.Engine.StallAfterMS <= 0 {
		return errors.New("engine.stall_after_ms must be positive")
	}
	if cfg.Engine.LevelFloor < 0 {
		return errors.New("engine.level_floor must be >= 0")
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
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	return nil
}
