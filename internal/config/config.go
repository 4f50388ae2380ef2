package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Gateway    Gateway    `mapstructure:"gateway"`
	Broker     Broker     `mapstructure:"broker"`
	Execution  Execution  `mapstructure:"execution"`
	Reconciler Reconciler `mapstructure:"reconciler"`
	Feed       Feed       `mapstructure:"feed"`
	Alerts     Alerts     `mapstructure:"alerts"`
	Logger     Logger     `mapstructure:"logger"`
	Server     Server     `mapstructure:"server"`
	Database   Database   `mapstructure:"database"`
}

// Gateway holds the resource-manager configuration: the identity pool
// connection processes are bound to and the supervision policy.
type Gateway struct {
	Command            string        `mapstructure:"command"` // gateway binary launched per follower
	BasePort           int           `mapstructure:"base_port"`
	PortCount          int           `mapstructure:"port_count"`
	ClientIDBase       int           `mapstructure:"client_id_base"`
	ReconcileInterval  time.Duration `mapstructure:"reconcile_interval"`
	HealthInterval     time.Duration `mapstructure:"health_interval"`
	HealthThreshold    int           `mapstructure:"health_threshold"`
	StopGracePeriod    time.Duration `mapstructure:"stop_grace_period"`
	BackoffBase        time.Duration `mapstructure:"backoff_base"`
	BackoffMultiplier  float64       `mapstructure:"backoff_multiplier"`
	BackoffCap         time.Duration `mapstructure:"backoff_cap"`
	MaxRestartAttempts int           `mapstructure:"max_restart_attempts"`
}

// Broker holds the per-connection HTTP client configuration.
type Broker struct {
	RateLimit      float64       `mapstructure:"rate_limit"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// Execution holds the limit-ladder tuning.
type Execution struct {
	MinPremiumThreshold float64       `mapstructure:"min_premium_threshold"`
	MaxLadderAttempts   int           `mapstructure:"max_ladder_attempts"`
	AttemptTimeout      time.Duration `mapstructure:"attempt_timeout"`
	PriceIncrement      float64       `mapstructure:"price_increment"`
	FillPollInterval    time.Duration `mapstructure:"fill_poll_interval"`
	ReladderPartial     bool          `mapstructure:"reladder_partial"`
}

// Reconciler holds the assignment-scan schedule and the market session
// window outside of which scans are a no-op.
type Reconciler struct {
	Interval    time.Duration `mapstructure:"interval"`
	MarketOpen  string        `mapstructure:"market_open"`  // HH:MM
	MarketClose string        `mapstructure:"market_close"` // HH:MM
	Timezone    string        `mapstructure:"timezone"`
}

// Feed holds the signal-source polling configuration.
type Feed struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// Alerts holds the alert-sink configuration.
type Alerts struct {
	Telegram Telegram `mapstructure:"telegram"`
}

// Telegram holds credentials for the Telegram alert sink. An empty
// token disables the sink.
type Telegram struct {
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
}

// Server holds the configuration for the monitoring web server.
type Server struct {
	Port int `mapstructure:"port"`
}

// Database holds the configuration for the database.
type Database struct {
	DSN string `mapstructure:"dsn"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config") // name of config file (without extension)
	viper.SetConfigType("yml")    // or yaml, json

	// Allow environment variables to override config file
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("gateway.command", "spread-gateway")
	viper.SetDefault("gateway.base_port", 5001)
	viper.SetDefault("gateway.port_count", 50)
	viper.SetDefault("gateway.client_id_base", 10)
	viper.SetDefault("gateway.reconcile_interval", "30s")
	viper.SetDefault("gateway.health_interval", "15s")
	viper.SetDefault("gateway.health_threshold", 3)
	viper.SetDefault("gateway.stop_grace_period", "10s")
	viper.SetDefault("gateway.backoff_base", "2s")
	viper.SetDefault("gateway.backoff_multiplier", 2.0)
	viper.SetDefault("gateway.backoff_cap", "1m")
	viper.SetDefault("gateway.max_restart_attempts", 5)

	viper.SetDefault("broker.rate_limit", 10)      // requests per second
	viper.SetDefault("broker.rate_limit_burst", 5) // burst size
	viper.SetDefault("broker.request_timeout", "10s")

	viper.SetDefault("execution.min_premium_threshold", 0.70)
	viper.SetDefault("execution.max_ladder_attempts", 10)
	viper.SetDefault("execution.attempt_timeout", "5s")
	viper.SetDefault("execution.price_increment", 0.01)
	viper.SetDefault("execution.fill_poll_interval", "500ms")
	viper.SetDefault("execution.reladder_partial", false)

	viper.SetDefault("reconciler.interval", "5m")
	viper.SetDefault("reconciler.market_open", "09:30")
	viper.SetDefault("reconciler.market_close", "16:00")
	viper.SetDefault("reconciler.timezone", "America/New_York")

	viper.SetDefault("feed.poll_interval", "1m")

	err = viper.ReadInConfig()
	if err != nil {
		return
	}

	err = viper.Unmarshal(&config)
	return
}
