package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/xela07ax/spaceai-browser-bridge/internal/audit"
	"github.com/xela07ax/spaceai-browser-bridge/internal/connectors"
	"github.com/xela07ax/spaceai-browser-bridge/internal/llm"
	"github.com/xela07ax/spaceai-browser-bridge/internal/orchestrator"
	"github.com/xela07ax/spaceai-browser-bridge/internal/surface/chromepage"
	"github.com/xela07ax/spaceai-browser-bridge/internal/surface/runner"
)

// Config: корневая структура конфигурации моста и поверхности.
type Config struct {
	Server       ServerConfig        `mapstructure:"server"`
	Database     DatabaseConfig      `mapstructure:"database"`
	Redis        RedisConfig         `mapstructure:"redis"`
	Auth         AuthConfig          `mapstructure:"auth"`
	Signer       SignerConfig        `mapstructure:"signer"`
	LLM          llm.Config          `mapstructure:"llm"`
	Connectors   ConnectorsConfig    `mapstructure:"connectors"`
	Orchestrator orchestrator.Config `mapstructure:"orchestrator"`
	Engine       EngineConfig        `mapstructure:"engine"`
	Logger       LoggerConfig        `mapstructure:"logger"`
	Surface      SurfaceConfig       `mapstructure:"surface"`
}

// ServerConfig описывает HTTP и gRPC листенеры.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	GRPCPort        int           `mapstructure:"grpc_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

func (s ServerConfig) GRPCAddr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.GRPCPort)
}

// DatabaseConfig описывает подключение к PostgreSQL.
type DatabaseConfig struct {
	URL         string `mapstructure:"url"`
	MaxConns    int32  `mapstructure:"max_conns"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

// RedisConfig описывает подключение к Redis (kill-switch: set + pub/sub).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig: публичный ключ внешнего сервиса, выпускающего пользовательские JWT.
type AuthConfig struct {
	PublicKeyPath string `mapstructure:"public_key_path"`
	PublicKey     []byte `mapstructure:"-"`
}

// SignerConfig: ключ подписи команд. Без ключа мост стартует только в dev_mode.
type SignerConfig struct {
	PrivateKeyPath string        `mapstructure:"private_key_path"`
	DevMode        bool          `mapstructure:"dev_mode"`
	TTL            time.Duration `mapstructure:"ttl"`
	PrivateKey     []byte        `mapstructure:"-"`
}

// ConnectorsConfig: исполнители native_api. Пустой endpoint выключает путь через API.
type ConnectorsConfig struct {
	Mail connectors.MailConfig `mapstructure:"mail"`
}

// EngineConfig: конвейер задач, аудит и защита вызовов LLM.
type EngineConfig struct {
	DispatchDelay time.Duration `mapstructure:"dispatch_delay"`
	BlockedAgents []string      `mapstructure:"blocked_agents"`
	Audit         audit.Config  `mapstructure:"audit"`

	// Circuit Breaker и лимиты для LLM
	CBMaxRequests  uint32        `mapstructure:"cb_max_requests"`
	CBInterval     time.Duration `mapstructure:"cb_interval"`
	CBTimeout      time.Duration `mapstructure:"cb_timeout"`
	RetryAttempts  uint          `mapstructure:"retry_attempts"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
	RatePerSecond  float64       `mapstructure:"rate_per_second"`
	RateBurst      int           `mapstructure:"rate_burst"`
}

// LoggerConfig настраивает zap и ротацию файла.
type LoggerConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, console
	File       string `mapstructure:"file"`   // пусто — только stderr
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// SurfaceConfig: агент исполнения в браузере пользователя.
type SurfaceConfig struct {
	ServerURL         string            `mapstructure:"server_url"`
	ExtensionID       string            `mapstructure:"extension_id"`
	UserID            string            `mapstructure:"user_id"`
	PairingToken      string            `mapstructure:"pairing_token"`
	PublicKeyPath     string            `mapstructure:"public_key_path"`
	HeartbeatInterval time.Duration     `mapstructure:"heartbeat_interval"`
	QueueSize         int               `mapstructure:"queue_size"`
	MaxReconnects     uint              `mapstructure:"max_reconnects"`
	MaxBackoff        time.Duration     `mapstructure:"max_backoff"`
	StartURL          string            `mapstructure:"start_url"`
	Runner            runner.Config     `mapstructure:"runner"`
	Chrome            chromepage.Config `mapstructure:"chrome"`
	PublicKey         []byte            `mapstructure:"-"`
}

// LoadConfig объединяет файл, ENV и дефолты. path — явный файл (флаг --config);
// пустой path: поиск config.yaml в . и ./configs.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	// SERVER_PORT=9000 перекроет server.port
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Файла нет: работаем на ENV и дефолтах
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// PEM прямо в ENV (Docker/K8s) важнее файла
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")
	cfg.Signer.PrivateKey = loadKeyResource(cfg.Signer.PrivateKeyPath, "SIGNER_PRIVATE_KEY_DATA")
	cfg.Surface.PublicKey = loadKeyResource(cfg.Surface.PublicKeyPath, "SURFACE_PUBLIC_KEY_DATA")

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.grpc_port", 9090)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.auto_migrate", false)
	v.SetDefault("redis.addr", "localhost:6379")

	v.SetDefault("signer.ttl", 5*time.Minute)

	v.SetDefault("llm.timeout", 30*time.Second)
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.max_tokens", 1024)

	v.SetDefault("connectors.mail.provider", "google")
	v.SetDefault("connectors.mail.timeout", 15*time.Second)
	v.SetDefault("connectors.mail.attempts", 3)
	v.SetDefault("connectors.mail.retry_delay", 200*time.Millisecond)

	v.SetDefault("orchestrator.sweep_interval", 60*time.Second)
	v.SetDefault("orchestrator.idle_timeout", 5*time.Minute)
	v.SetDefault("orchestrator.write_timeout", 10*time.Second)
	v.SetDefault("orchestrator.max_message_bytes", 1<<20)

	v.SetDefault("engine.dispatch_delay", 500*time.Millisecond)
	v.SetDefault("engine.audit.buffer_size", 10000)
	v.SetDefault("engine.audit.batch_size", 100)
	v.SetDefault("engine.audit.flush_interval", 500*time.Millisecond)
	v.SetDefault("engine.cb_max_requests", 3)
	v.SetDefault("engine.cb_interval", 5*time.Second)
	v.SetDefault("engine.cb_timeout", 30*time.Second)
	v.SetDefault("engine.retry_attempts", 3)
	v.SetDefault("engine.rate_per_second", 10)
	v.SetDefault("engine.rate_burst", 5)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("logger.max_size_mb", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age_days", 14)

	v.SetDefault("surface.server_url", "ws://localhost:8080/ws")
	v.SetDefault("surface.heartbeat_interval", 30*time.Second)
	v.SetDefault("surface.queue_size", 32)
	v.SetDefault("surface.max_backoff", 30*time.Second)
	v.SetDefault("surface.runner.settle_delay", 500*time.Millisecond)
	v.SetDefault("surface.runner.step_delay", time.Second)
	v.SetDefault("surface.runner.wait_timeout", 10*time.Second)
	v.SetDefault("surface.runner.poll_interval", 250*time.Millisecond)
	v.SetDefault("surface.chrome.headless", true)
	v.SetDefault("surface.chrome.action_timeout", 30*time.Second)
}

// loadKeyResource: сначала PEM из переменной окружения, потом файл по пути из конфига
func loadKeyResource(path string, envDataKey string) []byte {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
