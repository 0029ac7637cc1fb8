package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// MarzbanConfig holds panel connection settings.
type MarzbanConfig struct {
	BaseURL   string `yaml:"base_url" json:"base_url"`
	Username  string `yaml:"username" json:"username"`
	Password  string `yaml:"password" json:"password"`
	Timeout   int    `yaml:"timeout" json:"timeout"`
	VerifySSL bool   `yaml:"verify_ssl" json:"verify_ssl"`
}

// RequestTimeout returns the per-request timeout.
func (m MarzbanConfig) RequestTimeout() time.Duration {
	return time.Duration(m.Timeout) * time.Second
}

// TelegramConfig holds notification bot settings.
type TelegramConfig struct {
	BotToken string `yaml:"bot_token,omitempty" json:"bot_token,omitempty"`
	ChatID   string `yaml:"chat_id,omitempty" json:"chat_id,omitempty"`
}

// Configured reports whether both bot token and chat id are present.
func (t TelegramConfig) Configured() bool {
	return t.BotToken != "" && t.ChatID != ""
}

// MonitoringConfig holds fleet monitoring settings.
type MonitoringConfig struct {
	HealthCheckInterval int      `yaml:"health_check_interval" json:"health_check_interval"`
	MetricsInterval     Duration `yaml:"metrics_interval" json:"metrics_interval"`
}

// APIConfig holds client-side retry settings for panel calls.
type APIConfig struct {
	RetryAttempts int    `yaml:"retry_attempts" json:"retry_attempts"`
	RetryDelay    int    `yaml:"retry_delay" json:"retry_delay"`
	SecretKey     string `yaml:"secret_key,omitempty" json:"secret_key,omitempty"`
}

// RetryBaseDelay returns the first-attempt backoff delay.
func (a APIConfig) RetryBaseDelay() time.Duration {
	return time.Duration(a.RetryDelay) * time.Second
}

// Config is the persisted configuration document.
type Config struct {
	Debug      bool             `yaml:"debug" json:"debug"`
	LogLevel   string           `yaml:"log_level" json:"log_level"`
	LogFile    string           `yaml:"log_file,omitempty" json:"log_file,omitempty"`
	Marzban    MarzbanConfig    `yaml:"marzban" json:"marzban"`
	Telegram   TelegramConfig   `yaml:"telegram" json:"telegram"`
	Monitoring MonitoringConfig `yaml:"monitoring" json:"monitoring"`
	API        APIConfig        `yaml:"api" json:"api"`
}

// NewDefault returns a Config populated with the default values.
func NewDefault() *Config {
	return &Config{
		Debug:    false,
		LogLevel: "INFO",
		Marzban: MarzbanConfig{
			Timeout:   30,
			VerifySSL: true,
		},
		Monitoring: MonitoringConfig{
			HealthCheckInterval: 300,
			MetricsInterval:     Duration(30 * time.Second),
		},
		API: APIConfig{
			RetryAttempts: 3,
			RetryDelay:    2,
		},
	}
}

// IsPanelConfigured reports whether base URL and credentials are all set.
func (c *Config) IsPanelConfigured() bool {
	return c.Marzban.BaseURL != "" && c.Marzban.Username != "" && c.Marzban.Password != ""
}

var logLevels = map[string]bool{
	"DEBUG":   true,
	"INFO":    true,
	"WARNING": true,
	"ERROR":   true,
}

func validateDocument(cfg *Config, errs *[]string) {
	cfg.LogLevel = strings.ToUpper(strings.TrimSpace(cfg.LogLevel))
	if !logLevels[cfg.LogLevel] {
		*errs = append(*errs, fmt.Sprintf("log_level: must be DEBUG, INFO, WARNING or ERROR, got %q", cfg.LogLevel))
	}
	if cfg.Marzban.BaseURL != "" {
		u, err := url.Parse(cfg.Marzban.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			*errs = append(*errs, fmt.Sprintf("marzban.base_url: must be an http(s) URL, got %q", cfg.Marzban.BaseURL))
		}
	}
	validatePositive("marzban.timeout", cfg.Marzban.Timeout, errs)
	validatePositive("monitoring.health_check_interval", cfg.Monitoring.HealthCheckInterval, errs)
	if cfg.Monitoring.MetricsInterval <= 0 {
		*errs = append(*errs, "monitoring.metrics_interval must be positive")
	}
	validatePositive("api.retry_attempts", cfg.API.RetryAttempts, errs)
	if cfg.API.RetryDelay < 0 {
		*errs = append(*errs, fmt.Sprintf("api.retry_delay: must not be negative, got %d", cfg.API.RetryDelay))
	}
}

func applyEnvOverrides(cfg *Config, errs *[]string) {
	cfg.Debug = envBool("MARZFLEET_DEBUG", cfg.Debug, errs)
	cfg.LogLevel = envStr("MARZFLEET_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFile = envStr("MARZFLEET_LOG_FILE", cfg.LogFile)

	cfg.Marzban.BaseURL = envStr("MARZFLEET_MARZBAN_BASE_URL", cfg.Marzban.BaseURL)
	cfg.Marzban.Username = envStr("MARZFLEET_MARZBAN_USERNAME", cfg.Marzban.Username)
	cfg.Marzban.Password = envStr("MARZFLEET_MARZBAN_PASSWORD", cfg.Marzban.Password)
	cfg.Marzban.Timeout = envInt("MARZFLEET_MARZBAN_TIMEOUT", cfg.Marzban.Timeout, errs)
	cfg.Marzban.VerifySSL = envBool("MARZFLEET_MARZBAN_VERIFY_SSL", cfg.Marzban.VerifySSL, errs)

	cfg.Telegram.BotToken = envStr("MARZFLEET_TELEGRAM_BOT_TOKEN", cfg.Telegram.BotToken)
	cfg.Telegram.ChatID = envStr("MARZFLEET_TELEGRAM_CHAT_ID", cfg.Telegram.ChatID)

	cfg.Monitoring.HealthCheckInterval = envInt("MARZFLEET_MONITORING_HEALTH_CHECK_INTERVAL", cfg.Monitoring.HealthCheckInterval, errs)
	cfg.Monitoring.MetricsInterval = Duration(envDuration("MARZFLEET_MONITORING_METRICS_INTERVAL", cfg.Monitoring.MetricsInterval.Std(), errs))

	cfg.API.RetryAttempts = envInt("MARZFLEET_API_RETRY_ATTEMPTS", cfg.API.RetryAttempts, errs)
	cfg.API.RetryDelay = envInt("MARZFLEET_API_RETRY_DELAY", cfg.API.RetryDelay, errs)
}
