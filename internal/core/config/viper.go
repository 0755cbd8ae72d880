package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// LoadConfig loads configuration from file using viper.
// CLI flags > environment > config file > defaults precedence.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults matching Default()
	d := Default()
	v.SetDefault("response_api.host", d.ResponseAPI.Host)
	v.SetDefault("response_api.port", d.ResponseAPI.Port)
	v.SetDefault("response_api.max_connections", d.ResponseAPI.MaxConnections)
	v.SetDefault("response_api.request_timeout", d.ResponseAPI.RequestTimeout.String())
	v.SetDefault("response_api.data_dir", d.ResponseAPI.DataDir)
	v.SetDefault("response_api.metrics_addr", d.ResponseAPI.MetricsAddr)
	v.SetDefault("validation.mode", d.Validation.Mode)
	v.SetDefault("cache.redis_url", "")
	v.SetDefault("cache.snapshot_ttl", d.Cache.SnapshotTTL.String())
	v.SetDefault("tasks.redis_url", "")
	v.SetDefault("tasks.stream", d.Tasks.Stream)
	v.SetDefault("tasks.consumer_group", d.Tasks.ConsumerGroup)
	v.SetDefault("tasks.report_schedule", "")
	v.SetDefault("tasks.report_recipients", []string{})
	v.SetDefault("mail.smtp_addr", d.Mail.SMTPAddr)
	v.SetDefault("mail.from", d.Mail.From)

	// Bind environment variables with SK_ prefix
	v.SetEnvPrefix("SK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Load config file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Secrets must be environment-only per 12-factor principles
	if err := validateNoSecretsInConfig(v); err != nil {
		return nil, err
	}

	cfg := &Config{
		ResponseAPI: ResponseAPIConfig{
			Host:           v.GetString("response_api.host"),
			Port:           v.GetInt("response_api.port"),
			MaxConnections: v.GetInt("response_api.max_connections"),
			RequestTimeout: v.GetDuration("response_api.request_timeout"),
			DataDir:        v.GetString("response_api.data_dir"),
			MetricsAddr:    v.GetString("response_api.metrics_addr"),
		},
		Validation: ValidationConfig{
			Mode: v.GetString("validation.mode"),
		},
		Cache: CacheConfig{
			RedisURL:    v.GetString("cache.redis_url"),
			SnapshotTTL: v.GetDuration("cache.snapshot_ttl"),
		},
		Tasks: TasksConfig{
			RedisURL:         v.GetString("tasks.redis_url"),
			Stream:           v.GetString("tasks.stream"),
			ConsumerGroup:    v.GetString("tasks.consumer_group"),
			ReportSchedule:   v.GetString("tasks.report_schedule"),
			ReportRecipients: splitList(v.GetStringSlice("tasks.report_recipients")),
		},
		Mail: MailConfig{
			SMTPAddr: v.GetString("mail.smtp_addr"),
			From:     v.GetString("mail.from"),
		},
	}

	// The task queue shares the cache Redis unless configured separately
	if cfg.Tasks.RedisURL == "" {
		cfg.Tasks.RedisURL = cfg.Cache.RedisURL
	}

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateConfig checks port range, positive limits, validation mode and cron spec.
func validateConfig(cfg *Config) error {
	api := cfg.ResponseAPI
	if api.Port <= 0 || api.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", api.Port)
	}
	if api.MaxConnections <= 0 {
		return fmt.Errorf("max_connections must be positive, got %d", api.MaxConnections)
	}
	if api.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive, got %v", api.RequestTimeout)
	}
	switch cfg.Validation.Mode {
	case "fail_fast", "collect_all":
	default:
		return fmt.Errorf("validation.mode must be fail_fast or collect_all, got %q", cfg.Validation.Mode)
	}
	if cfg.Cache.SnapshotTTL <= 0 {
		return fmt.Errorf("snapshot_ttl must be positive, got %v", cfg.Cache.SnapshotTTL)
	}
	if cfg.Tasks.ReportSchedule != "" {
		if _, err := cron.ParseStandard(cfg.Tasks.ReportSchedule); err != nil {
			return fmt.Errorf("invalid report_schedule %q: %w", cfg.Tasks.ReportSchedule, err)
		}
	}
	return nil
}

// validateNoSecretsInConfig enforces environment-only secrets (12-factor principle).
func validateNoSecretsInConfig(v *viper.Viper) error {
	if v.InConfig("hmac_secret") || v.InConfig("response_api.hmac_secret") {
		return fmt.Errorf("HMAC secrets not allowed in config files (use SK_HMAC_SECRET environment variable)")
	}
	if v.InConfig("encryption_key") || v.InConfig("response_api.encryption_key") {
		return fmt.Errorf("encryption keys not allowed in config files (use SK_ENCRYPTION_KEY environment variable)")
	}
	return nil
}

// splitList accepts both YAML lists and comma separated environment values.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
