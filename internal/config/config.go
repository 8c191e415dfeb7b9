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

type Config struct {
	RuntimeName string            `yaml:"runtime_name"`
	Environment string            `yaml:"environment"`
	HTTP        HTTPConfig        `yaml:"http"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Bus         BusConfig         `yaml:"bus"`
	EventStore  EventStoreConfig  `yaml:"event_store"`
	Inventory   InventoryConfig   `yaml:"inventory"`
	Resolver    ResolverConfig    `yaml:"resolver"`
	Staging     StagingConfig     `yaml:"staging"`
	Session     SessionConfig     `yaml:"session"`
	Recognition RecognitionConfig `yaml:"recognition"`
	STT         STTConfig         `yaml:"stt"`
	Cue         CueConfig         `yaml:"cue"`
	Readback    ReadbackConfig    `yaml:"readback"`
	Sinks       SinksConfig       `yaml:"sinks"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
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
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// InventoryConfig locates the sign clip dictionary, laid out as <root>/<letter>/<stem><extension>.
type InventoryConfig struct {
	Root            string `yaml:"root"`
	Extension       string `yaml:"extension"`
	Lazy            bool   `yaml:"lazy"`
	LoadConcurrency int    `yaml:"load_concurrency"`
}

type ResolverConfig struct {
	Language         string   `yaml:"language"`
	SimilarityCutoff float64  `yaml:"similarity_cutoff"`
	Suffixes         []string `yaml:"suffixes"` // empty keeps the resolver's built-in table
}

type StagingConfig struct {
	Directory            string `yaml:"directory"`
	URLPrefix            string `yaml:"url_prefix"`
	RetainAcrossSessions bool   `yaml:"retain_across_sessions"`
}

type SessionConfig struct {
	ListenTimeoutMS        int    `yaml:"listen_timeout_ms"`
	StartCue               string `yaml:"start_cue"`
	EndCue                 string `yaml:"end_cue"`
	BlockOnStartCue        bool   `yaml:"block_on_start_cue"`
	ContinuePrompt         string `yaml:"continue_prompt"`
	NotUnderstoodPrompt    string `yaml:"not_understood_prompt"`
	TerminateOnUnavailable bool   `yaml:"terminate_on_unavailable"`
}

type RecognitionConfig struct {
	Mode        string   `yaml:"mode"` // mock, exec, bus
	Command     string   `yaml:"command"`
	Language    string   `yaml:"language"`
	MockPhrases []string `yaml:"mock_phrases"`
}

type STTConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Mode            string `yaml:"mode"` // mock, exec, google
	Command         string `yaml:"command"`
	ModelPath       string `yaml:"model_path"`
	Language        string `yaml:"language"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	CredentialsFile string `yaml:"credentials_file"`
}

type CueConfig struct {
	Mode    string `yaml:"mode"` // none, exec
	Command string `yaml:"command"`
}

type ReadbackConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Mode       string `yaml:"mode"` // mock, exec
	Command    string `yaml:"command"`
	Voice      string `yaml:"voice"`
	Template   string `yaml:"template"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
}

type SinksConfig struct {
	Bus       bool        `yaml:"bus"`
	Websocket bool        `yaml:"websocket"`
	Kafka     KafkaConfig `yaml:"kafka"`
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-sign",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 5000,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Host:           "127.0.0.1",
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/sign-sessions.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Inventory: InventoryConfig{
			Root:            "./Turkish_Sign_Language_Dictionary/data/img",
			Extension:       ".gif",
			LoadConcurrency: 4,
		},
		Resolver: ResolverConfig{
			Language:         "tr",
			SimilarityCutoff: 0.6,
		},
		Staging: StagingConfig{
			Directory: "./static/new_gifs",
			URLPrefix: "/clips",
		},
		Session: SessionConfig{
			ListenTimeoutMS:     15000,
			ContinuePrompt:      "Konuşmaya devam etmek ister misiniz?",
			NotUnderstoodPrompt: "Konuşma anlaşılamadı. Konuşmaya devam etmek ister misiniz?",
		},
		Recognition: RecognitionConfig{
			Mode:     "mock",
			Language: "tr-TR",
		},
		STT: STTConfig{
			Enabled:    false,
			Mode:       "mock",
			Language:   "tr-TR",
			SampleRate: 16000,
			Channels:   1,
		},
		Cue: CueConfig{
			Mode: "none",
		},
		Readback: ReadbackConfig{
			Enabled:    false,
			Mode:       "mock",
			Voice:      "tr",
			Template:   "Algılanan metin: %s",
			SampleRate: 22050,
			Channels:   1,
		},
		Sinks: SinksConfig{
			Bus:       true,
			Websocket: true,
			Kafka: KafkaConfig{
				Topic: "sign.session.events",
			},
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
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideString(&cfg.Bus.Host, "LOQA_BUS_HOST")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Inventory.Root, "LOQA_INVENTORY_ROOT")
	overrideString(&cfg.Inventory.Extension, "LOQA_INVENTORY_EXTENSION")
	overrideBool(&cfg.Inventory.Lazy, "LOQA_INVENTORY_LAZY")
	overrideInt(&cfg.Inventory.LoadConcurrency, "LOQA_INVENTORY_LOAD_CONCURRENCY")
	overrideString(&cfg.Resolver.Language, "LOQA_RESOLVER_LANGUAGE")
	overrideFloat(&cfg.Resolver.SimilarityCutoff, "LOQA_RESOLVER_SIMILARITY_CUTOFF")
	overrideStringSlice(&cfg.Resolver.Suffixes, "LOQA_RESOLVER_SUFFIXES")
	overrideString(&cfg.Staging.Directory, "LOQA_STAGING_DIRECTORY")
	overrideString(&cfg.Staging.URLPrefix, "LOQA_STAGING_URL_PREFIX")
	overrideBool(&cfg.Staging.RetainAcrossSessions, "LOQA_STAGING_RETAIN_ACROSS_SESSIONS")
	overrideInt(&cfg.Session.ListenTimeoutMS, "LOQA_SESSION_LISTEN_TIMEOUT_MS")
	overrideString(&cfg.Session.StartCue, "LOQA_SESSION_START_CUE")
	overrideString(&cfg.Session.EndCue, "LOQA_SESSION_END_CUE")
	overrideBool(&cfg.Session.BlockOnStartCue, "LOQA_SESSION_BLOCK_ON_START_CUE")
	overrideString(&cfg.Session.ContinuePrompt, "LOQA_SESSION_CONTINUE_PROMPT")
	overrideString(&cfg.Session.NotUnderstoodPrompt, "LOQA_SESSION_NOT_UNDERSTOOD_PROMPT")
	overrideBool(&cfg.Session.TerminateOnUnavailable, "LOQA_SESSION_TERMINATE_ON_UNAVAILABLE")
	overrideString(&cfg.Recognition.Mode, "LOQA_RECOGNITION_MODE")
	overrideString(&cfg.Recognition.Command, "LOQA_RECOGNITION_COMMAND")
	overrideString(&cfg.Recognition.Language, "LOQA_RECOGNITION_LANGUAGE")
	overrideBool(&cfg.STT.Enabled, "LOQA_STT_ENABLED")
	overrideString(&cfg.STT.Mode, "LOQA_STT_MODE")
	overrideString(&cfg.STT.Command, "LOQA_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "LOQA_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "LOQA_STT_LANGUAGE")
	overrideInt(&cfg.STT.SampleRate, "LOQA_STT_SAMPLE_RATE")
	overrideInt(&cfg.STT.Channels, "LOQA_STT_CHANNELS")
	overrideString(&cfg.STT.CredentialsFile, "LOQA_STT_CREDENTIALS_FILE")
	overrideString(&cfg.Cue.Mode, "LOQA_CUE_MODE")
	overrideString(&cfg.Cue.Command, "LOQA_CUE_COMMAND")
	overrideBool(&cfg.Readback.Enabled, "LOQA_READBACK_ENABLED")
	overrideString(&cfg.Readback.Mode, "LOQA_READBACK_MODE")
	overrideString(&cfg.Readback.Command, "LOQA_READBACK_COMMAND")
	overrideString(&cfg.Readback.Voice, "LOQA_READBACK_VOICE")
	overrideString(&cfg.Readback.Template, "LOQA_READBACK_TEMPLATE")
	overrideBool(&cfg.Sinks.Bus, "LOQA_SINKS_BUS")
	overrideBool(&cfg.Sinks.Websocket, "LOQA_SINKS_WEBSOCKET")
	overrideBool(&cfg.Sinks.Kafka.Enabled, "LOQA_SINKS_KAFKA_ENABLED")
	overrideStringSlice(&cfg.Sinks.Kafka.Brokers, "LOQA_SINKS_KAFKA_BROKERS")
	overrideString(&cfg.Sinks.Kafka.Topic, "LOQA_SINKS_KAFKA_TOPIC")
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

func validate(cfg *Config) error {
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
	} else if len(cfg.Bus.Servers) == 0 {
		return errors.New("bus.servers must not be empty when embedded mode is disabled")
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Inventory.Root == "" {
		return errors.New("inventory.root must not be empty")
	}
	if cfg.Inventory.Extension != "" && !strings.HasPrefix(cfg.Inventory.Extension, ".") {
		cfg.Inventory.Extension = "." + cfg.Inventory.Extension
	}
	if cfg.Inventory.LoadConcurrency <= 0 {
		cfg.Inventory.LoadConcurrency = 1
	}
	if cfg.Resolver.SimilarityCutoff <= 0 || cfg.Resolver.SimilarityCutoff > 1 {
		return errors.New("resolver.similarity_cutoff must be in (0, 1]")
	}
	if cfg.Resolver.Language == "" {
		cfg.Resolver.Language = "tr"
	}
	if cfg.Staging.Directory == "" {
		return errors.New("staging.directory must not be empty")
	}
	if !strings.HasPrefix(cfg.Staging.URLPrefix, "/") {
		return errors.New("staging.url_prefix must start with /")
	}
	if cfg.Session.ListenTimeoutMS <= 0 {
		return errors.New("session.listen_timeout_ms must be positive")
	}
	switch cfg.Recognition.Mode {
	case "mock", "bus":
	case "exec":
		if cfg.Recognition.Command == "" {
			return errors.New("recognition.command must be set when mode=exec")
		}
	default:
		return errors.New("recognition.mode must be one of mock|exec|bus")
	}
	if cfg.Recognition.Mode == "bus" && !cfg.STT.Enabled {
		return errors.New("stt.enabled must be true when recognition.mode=bus")
	}
	if cfg.STT.Enabled {
		switch cfg.STT.Mode {
		case "mock", "google":
		case "exec":
			if cfg.STT.Command == "" {
				return errors.New("stt.command must be set when mode=exec")
			}
		default:
			return errors.New("stt.mode must be one of mock|exec|google")
		}
		if cfg.STT.SampleRate <= 0 {
			return errors.New("stt.sample_rate must be positive")
		}
		if cfg.STT.Channels <= 0 {
			return errors.New("stt.channels must be positive")
		}
	}
	switch cfg.Cue.Mode {
	case "", "none":
		cfg.Cue.Mode = "none"
	case "exec":
		if cfg.Cue.Command == "" {
			return errors.New("cue.command must be set when mode=exec")
		}
	default:
		return errors.New("cue.mode must be one of none|exec")
	}
	if cfg.Readback.Enabled {
		switch cfg.Readback.Mode {
		case "mock":
		case "exec":
			if cfg.Readback.Command == "" {
				return errors.New("readback.command must be set when mode=exec")
			}
		default:
			return errors.New("readback.mode must be one of mock|exec")
		}
		if cfg.Readback.SampleRate <= 0 || cfg.Readback.Channels <= 0 {
			return errors.New("readback.sample_rate and readback.channels must be positive")
		}
		if cfg.Readback.Template == "" {
			cfg.Readback.Template = "%s"
		}
	}
	if cfg.Sinks.Kafka.Enabled {
		if len(cfg.Sinks.Kafka.Brokers) == 0 {
			return errors.New("sinks.kafka.brokers must not be empty when kafka is enabled")
		}
		if cfg.Sinks.Kafka.Topic == "" {
			return errors.New("sinks.kafka.topic must not be empty when kafka is enabled")
		}
	}
	return nil
}
