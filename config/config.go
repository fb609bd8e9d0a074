// config/config.go
package config

import (
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Gateway      GatewayConfig      `mapstructure:"gateway"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Chat         ChatConfig         `mapstructure:"chat"`
	R2           R2Config           `mapstructure:"r2"`
	Achievements AchievementsConfig `mapstructure:"achievements"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
}

type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// GatewayConfig holds the token the Gateway presents on every request.
type GatewayConfig struct {
	ServiceToken   string `mapstructure:"service_token"`
	AllowedOrigins string `mapstructure:"allowed_origins"` // comma separated
}

type AuthConfig struct {
	ServiceURL string `mapstructure:"service_url"`
}

// ChatConfig points at the remote chat service used as an extra message source.
// Empty URL disables the source.
type ChatConfig struct {
	ServiceURL string `mapstructure:"service_url"`
}

type R2Config struct {
	AccountID       string `mapstructure:"account_id"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	AccessKeySecret string `mapstructure:"access_key_secret"`
	Bucket          string `mapstructure:"bucket"`
	CDNBaseURL      string `mapstructure:"cdn_base_url"`
}

// Enabled reports whether snapshot export can be wired.
func (c R2Config) Enabled() bool {
	return c.AccountID != "" && c.Bucket != "" && c.AccessKeyID != ""
}

type AchievementsConfig struct {
	CacheTTL             time.Duration `mapstructure:"cache_ttl"`
	IntegrityWindow      time.Duration `mapstructure:"integrity_window"`
	AppTimeFlushInterval time.Duration `mapstructure:"app_time_flush_interval"`
	ScanLimit            int           `mapstructure:"scan_limit"`
	HistoryLimit         int           `mapstructure:"history_limit"`
	ReconcileInterval    time.Duration `mapstructure:"reconcile_interval"`
	ReconcileBatch       int           `mapstructure:"reconcile_batch"`
	Locale               string        `mapstructure:"locale"`
}

// Load reads .env (if present) and the environment into a Config.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  No .env file found, reading environment variables directly")
	}

	v := viper.New()
	setDefaults(v)

	// Legacy variable names used by the gateway deployment.
	_ = v.BindEnv("database.url", "DATABASE_URL")
	_ = v.BindEnv("gateway.service_token", "GAME_SERVICE_TOKEN")
	_ = v.BindEnv("gateway.allowed_origins", "ALLOWED_ORIGINS")
	_ = v.BindEnv("auth.service_url", "AUTH_SERVICE_URL")
	_ = v.BindEnv("chat.service_url", "CHAT_SERVICE_URL")
	_ = v.BindEnv("r2.account_id", "CLOUDFLARE_ACCOUNT_ID")
	_ = v.BindEnv("r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = v.BindEnv("r2.access_key_secret", "R2_ACCESS_KEY_SECRET")
	_ = v.BindEnv("r2.bucket", "R2_BUCKET_NAME")
	_ = v.BindEnv("r2.cdn_base_url", "CDN_BASE_URL")
	_ = v.BindEnv("server.port", "PORT")

	v.SetEnvPrefix("ACHIEVEMENTS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "5200")
	v.SetDefault("gateway.allowed_origins", "http://localhost:3000")
	v.SetDefault("auth.service_url", "")
	v.SetDefault("chat.service_url", "")

	v.SetDefault("achievements.cache_ttl", 5*time.Minute)
	v.SetDefault("achievements.integrity_window", time.Hour)
	v.SetDefault("achievements.app_time_flush_interval", 5*time.Minute)
	v.SetDefault("achievements.scan_limit", 1000)
	v.SetDefault("achievements.history_limit", 50)
	v.SetDefault("achievements.reconcile_interval", 15*time.Minute)
	v.SetDefault("achievements.reconcile_batch", 100)
	v.SetDefault("achievements.locale", "en")
}
