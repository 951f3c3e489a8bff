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
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type RelayConfig struct {
	Enabled     bool   `yaml:"enabled"`
	GuestPrefix string `yaml:"guest_prefix"`
}

type GatewayConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type ArchiveConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type ClientConfig struct {
	Identity      string `yaml:"identity"`
	GroupID       string `yaml:"group_id"`
	GraceWindowMS int    `yaml:"grace_window_ms"`
	StorePath     string `yaml:"store_path"`
}

type CaptureConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Mode     string `yaml:"mode"` // mock, exec
	Command  string `yaml:"command"`
	Language string `yaml:"language"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Relay       RelayConfig     `yaml:"relay"`
	Gateway     GatewayConfig   `yaml:"gateway"`
	Archive     ArchiveConfig   `yaml:"archive"`
	Client      ClientConfig    `yaml:"client"`
	Capture     CaptureConfig   `yaml:"capture"`
}

func Default() Config {
	return Config{
		RuntimeName: "captiond",
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
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Relay: RelayConfig{
			Enabled:     true,
			GuestPrefix: "guest",
		},
		Gateway: GatewayConfig{
			Enabled: true,
			Path:    "/ws",
		},
		Archive: ArchiveConfig{
			Path:          "./data/captiond.db",
			RetentionMode: "session",
			RetentionDays: 30,
		},
		Client: ClientConfig{
			GroupID:       "334823",
			GraceWindowMS: 5000,
			StorePath:     "./data/captionctl.db",
		},
		Capture: CaptureConfig{
			Enabled:  true,
			Mode:     "mock",
			Language: "ko-KR",
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
	overrideString(&cfg.RuntimeName, "CAPTIOND_RUNTIME_NAME")
	overrideString(&cfg.Environment, "CAPTIOND_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "CAPTIOND_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "CAPTIOND_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "CAPTIOND_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "CAPTIOND_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "CAPTIOND_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Embedded, "CAPTIOND_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "CAPTIOND_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "CAPTIOND_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "CAPTIOND_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "CAPTIOND_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "CAPTIOND_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "CAPTIOND_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "CAPTIOND_BUS_CONNECT_TIMEOUT_MS")
	overrideBool(&cfg.Relay.Enabled, "CAPTIOND_RELAY_ENABLED")
	overrideString(&cfg.Relay.GuestPrefix, "CAPTIOND_RELAY_GUEST_PREFIX")
	overrideBool(&cfg.Gateway.Enabled, "CAPTIOND_GATEWAY_ENABLED")
	overrideString(&cfg.Gateway.Path, "CAPTIOND_GATEWAY_PATH")
	overrideString(&cfg.Archive.Path, "CAPTIOND_ARCHIVE_PATH")
	overrideString(&cfg.Archive.RetentionMode, "CAPTIOND_ARCHIVE_RETENTION_MODE")
	overrideInt(&cfg.Archive.RetentionDays, "CAPTIOND_ARCHIVE_RETENTION_DAYS")
	overrideBool(&cfg.Archive.VacuumOnStart, "CAPTIOND_ARCHIVE_VACUUM_ON_START")
	overrideString(&cfg.Client.Identity, "CAPTIOND_CLIENT_IDENTITY")
	overrideString(&cfg.Client.GroupID, "CAPTIOND_CLIENT_GROUP_ID")
	overrideInt(&cfg.Client.GraceWindowMS, "CAPTIOND_CLIENT_GRACE_WINDOW_MS")
	overrideString(&cfg.Client.StorePath, "CAPTIOND_CLIENT_STORE_PATH")
	overrideBool(&cfg.Capture.Enabled, "CAPTIOND_CAPTURE_ENABLED")
	overrideString(&cfg.Capture.Mode, "CAPTIOND_CAPTURE_MODE")
	overrideString(&cfg.Capture.Command, "CAPTIOND_CAPTURE_COMMAND")
	overrideString(&cfg.Capture.Language, "CAPTIOND_CAPTURE_LANGUAGE")
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
	if cfg.Relay.Enabled && cfg.Relay.GuestPrefix == "" {
		return errors.New("relay.guest_prefix must not be empty when relay is enabled")
	}
	if cfg.Gateway.Enabled && !strings.HasPrefix(cfg.Gateway.Path, "/") {
		return errors.New("gateway.path must start with /")
	}
	if cfg.Archive.Path == "" {
		return errors.New("archive.path must not be empty")
	}
	switch cfg.Archive.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("archive.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.Archive.RetentionDays < 0 {
		return errors.New("archive.retention_days must be >= 0")
	}
	if cfg.Client.GroupID == "" {
		return errors.New("client.group_id must not be empty")
	}
	if cfg.Client.GraceWindowMS <= 0 {
		return errors.New("client.grace_window_ms must be positive")
	}
	if cfg.Capture.Enabled {
		switch cfg.Capture.Mode {
		case "mock", "exec":
		default:
			return errors.New("capture.mode must be one of mock|exec")
		}
		if cfg.Capture.Mode == "exec" && cfg.Capture.Command == "" {
			return errors.New("capture.command must be set when mode=exec")
		}
	}
	return nil
}
