package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration values for the messaging service.
type Config struct {
	AppName     string
	AppEnv      string
	AppPort     string
	DatabaseURL string
	RedisURL    string
	NATSURL     string
	// RelayChannel names the Redis channel; the NATS subject is derived from it.
	RelayChannel string
	JWTSecret    string

	QueueSize        int
	IdleTimeout      time.Duration
	AuthTimeout      time.Duration
	SharedStaffInbox bool

	TypingLiveness      time.Duration
	TypingStaleAfter    time.Duration
	TypingSweepInterval time.Duration
	TypingRatePerSecond int

	AttachmentMaxMB    int
	AttachmentMaxFiles int

	CloudinaryCloudName    string
	CloudinaryAPIKey       string
	CloudinaryAPISecret    string
	CloudinaryUploadFolder string
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// CloudinaryEnabled reports whether attachment uploads can be stored.
func (c Config) CloudinaryEnabled() bool {
	return c.CloudinaryCloudName != "" && c.CloudinaryAPIKey != "" && c.CloudinaryAPISecret != ""
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("EGOV")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults(v)

	return fromViper(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "eGov Messaging")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("relay.channel", "egov:realtime")
	v.SetDefault("broker.queue_size", 64)
	v.SetDefault("broker.idle_timeout", "60s")
	v.SetDefault("broker.auth_timeout", "3s")
	v.SetDefault("broker.shared_staff_inbox", true)
	v.SetDefault("typing.liveness", "3s")
	v.SetDefault("typing.stale_after", "5s")
	v.SetDefault("typing.sweep_interval", "2s")
	v.SetDefault("ratelimit.typing_per_second", 5)
	v.SetDefault("attachments.max_mb", 10)
	v.SetDefault("attachments.max_files", 5)
	v.SetDefault("cloudinary.folder", "egov/messaging")
}

func fromViper(v *viper.Viper) (Config, error) {
	durations := map[string]*time.Duration{}
	cfg := Config{
		AppName:                v.GetString("app.name"),
		AppEnv:                 v.GetString("app.env"),
		AppPort:                v.GetString("app.port"),
		DatabaseURL:            v.GetString("database.url"),
		RedisURL:               v.GetString("redis.url"),
		NATSURL:                v.GetString("nats.url"),
		RelayChannel:           strings.TrimSpace(v.GetString("relay.channel")),
		JWTSecret:              v.GetString("jwt.secret"),
		QueueSize:              v.GetInt("broker.queue_size"),
		SharedStaffInbox:       v.GetBool("broker.shared_staff_inbox"),
		TypingRatePerSecond:    v.GetInt("ratelimit.typing_per_second"),
		AttachmentMaxMB:        v.GetInt("attachments.max_mb"),
		AttachmentMaxFiles:     v.GetInt("attachments.max_files"),
		CloudinaryCloudName:    v.GetString("cloudinary.cloud_name"),
		CloudinaryAPIKey:       v.GetString("cloudinary.api_key"),
		CloudinaryAPISecret:    v.GetString("cloudinary.api_secret"),
		CloudinaryUploadFolder: v.GetString("cloudinary.folder"),
	}

	durations["broker.idle_timeout"] = &cfg.IdleTimeout
	durations["broker.auth_timeout"] = &cfg.AuthTimeout
	durations["typing.liveness"] = &cfg.TypingLiveness
	durations["typing.stale_after"] = &cfg.TypingStaleAfter
	durations["typing.sweep_interval"] = &cfg.TypingSweepInterval

	for key, target := range durations {
		parsed, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", key, err)
		}
		if parsed <= 0 {
			return Config{}, fmt.Errorf("invalid %s: must be positive", key)
		}
		*target = parsed
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("jwt secret must be provided")
	}
	if cfg.RelayChannel == "" {
		cfg.RelayChannel = "egov:realtime"
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.TypingStaleAfter < cfg.TypingLiveness {
		return Config{}, fmt.Errorf("typing.stale_after must not be shorter than typing.liveness")
	}
	if cfg.TypingRatePerSecond <= 0 {
		cfg.TypingRatePerSecond = 5
	}
	if cfg.AttachmentMaxMB <= 0 {
		cfg.AttachmentMaxMB = 10
	}
	if cfg.AttachmentMaxFiles <= 0 {
		cfg.AttachmentMaxFiles = 5
	}

	return cfg, nil
}
