package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/kursadbilgin/realtime-gate/internal/gateway"
	"github.com/kursadbilgin/realtime-gate/internal/ratelimit"
	"github.com/kursadbilgin/realtime-gate/internal/registry"
)

type Config struct {
	DatabaseDSN string `env:"DATABASE_DSN,required=true"`
	RabbitMQURL string `env:"RABBITMQ_URL,required=true"`
	RedisURL    string `env:"REDIS_URL,required=true"`
	JWTSecret   string `env:"JWT_SECRET,required=true"`

	APIPort     int    `env:"API_PORT,default=8080"`
	GatewayPort int    `env:"GATEWAY_PORT,default=8081"`
	LogLevel    string `env:"LOG_LEVEL,default=info"`

	MaxChannelsPerUser int    `env:"MAX_CHANNELS_PER_USER,default=10"`
	MaxChannelsGlobal  int    `env:"MAX_CHANNELS_GLOBAL,default=10000"`
	IdleThresholdSec   int    `env:"IDLE_THRESHOLD_SEC,default=1800"`
	CleanupSchedule    string `env:"CLEANUP_SCHEDULE,default=@every 1m"`

	EscalationThreshold int    `env:"ESCALATION_THRESHOLD,default=10"`
	BlockDurationSec    int    `env:"BLOCK_DURATION_SEC,default=3600"`
	TrackerHardCap      int    `env:"TRACKER_HARD_CAP,default=10000"`
	CategoryLimits      string `env:"CATEGORY_LIMITS"`

	GatewaySendBuffer   int     `env:"GATEWAY_SEND_BUFFER,default=64"`
	GatewayInboundRate  float64 `env:"GATEWAY_INBOUND_RATE,default=5"`
	GatewayInboundBurst int     `env:"GATEWAY_INBOUND_BURST,default=10"`

	DispatchConcurrency  int    `env:"DISPATCH_CONCURRENCY,default=8"`
	AuditBufferSize      int    `env:"AUDIT_BUFFER_SIZE,default=1024"`
	ModerationWebhookURL string `env:"MODERATION_WEBHOOK_URL"`
	ModerationChannel    string `env:"MODERATION_CHANNEL,default=moderation.events"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return nil, fmt.Errorf("failed to load config: JWT_SECRET must not be blank")
	}
	return &cfg, nil
}

func (c *Config) RegistryConfig() registry.Config {
	return registry.Config{
		MaxChannelsPerUser: c.MaxChannelsPerUser,
		MaxChannelsGlobal:  c.MaxChannelsGlobal,
	}
}

// LimiterConfig builds the limiter configuration, applying CATEGORY_LIMITS on
// top of the built-in profiles.
func (c *Config) LimiterConfig() (ratelimit.Config, error) {
	overrides, err := ratelimit.ParseCategoryLimits(c.CategoryLimits)
	if err != nil {
		return ratelimit.Config{}, fmt.Errorf("invalid CATEGORY_LIMITS: %w", err)
	}

	profiles := ratelimit.DefaultProfiles()
	for category, limits := range overrides {
		profiles[category] = limits
	}

	return ratelimit.Config{
		Profiles:            profiles,
		EscalationThreshold: c.EscalationThreshold,
		BlockDuration:       time.Duration(c.BlockDurationSec) * time.Second,
		TrackerHardCap:      c.TrackerHardCap,
	}, nil
}

func (c *Config) GatewayConfig() gateway.Config {
	return gateway.Config{
		InboundRate:  c.GatewayInboundRate,
		InboundBurst: c.GatewayInboundBurst,
	}
}

func (c *Config) IdleThreshold() time.Duration {
	return time.Duration(c.IdleThresholdSec) * time.Second
}
