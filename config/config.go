package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Auth     AuthConfig     `mapstructure:"auth"`
	TapPay   TapPayConfig   `mapstructure:"tappay"`
	NewebPay NewebPayConfig `mapstructure:"newebpay"`
	Billing  BillingConfig  `mapstructure:"billing"`
	Email    EmailConfig    `mapstructure:"email"`
	Queue    QueueConfig    `mapstructure:"queue"`
	CORS     CORSConfig     `mapstructure:"cors"`
	Sentry   SentryConfig   `mapstructure:"sentry"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	Mode          string `mapstructure:"mode"`
	ResultPageURL string `mapstructure:"result_page_url"` // 定期定额建立后跳转的结果页
}

type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"` // mysql, postgres
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	SSLMode      string `mapstructure:"sslmode"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// AuthConfig 托管认证服务签发的 access token 使用的 HS256 密钥
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type TapPayConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	PartnerKey     string `mapstructure:"partner_key"`
	MerchantID     string `mapstructure:"merchant_id"`
	Currency       string `mapstructure:"currency"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

type NewebPayConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	MerchantID     string `mapstructure:"merchant_id"`
	HashKey        string `mapstructure:"hash_key"`
	HashIV         string `mapstructure:"hash_iv"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

type BillingConfig struct {
	Timezone          string `mapstructure:"timezone"`
	MaxChargeAttempts int    `mapstructure:"max_charge_attempts"`
	CronSpec          string `mapstructure:"cron_spec"`
	LockTTLSeconds    int    `mapstructure:"lock_ttl_seconds"`
	RunLockTTLSeconds int    `mapstructure:"run_lock_ttl_seconds"`
	CronSecretHash    string `mapstructure:"cron_secret_hash"`  // bcrypt
	AdminSecretHash   string `mapstructure:"admin_secret_hash"` // bcrypt
}

type EmailConfig struct {
	SMTPHost string `mapstructure:"smtp_host"`
	SMTPPort int    `mapstructure:"smtp_port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

type QueueConfig struct {
	NotificationQueue string `mapstructure:"notification_queue"`
	MaxWorkers        int    `mapstructure:"max_workers"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
	AllowedHeaders []string `mapstructure:"allowed_headers"`
}

type SentryConfig struct {
	DSN         string `mapstructure:"dsn"`
	Environment string `mapstructure:"environment"`
}

type LogConfig struct {
	Env string `mapstructure:"env"` // development, production
}

// Location 返回计费使用的时区，配置无效时退回 Asia/Taipei，再退回 UTC
func (c BillingConfig) Location() *time.Location {
	name := c.Timezone
	if name == "" {
		name = "Asia/Taipei"
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// MaxAttempts 返回连续扣款失败的上限，未配置时为 3
func (c BillingConfig) MaxAttempts() int {
	if c.MaxChargeAttempts <= 0 {
		return 3
	}
	return c.MaxChargeAttempts
}

// LockTTL 返回单笔订阅锁的过期时间
func (c BillingConfig) LockTTL() time.Duration {
	if c.LockTTLSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.LockTTLSeconds) * time.Second
}

// RunLockTTL 返回批量扣款运行锁的过期时间
func (c BillingConfig) RunLockTTL() time.Duration {
	if c.RunLockTTLSeconds <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(c.RunLockTTLSeconds) * time.Second
}

func Load(configPath string) (*Config, error) {
	// 优先尝试读取 config.local.yaml（包含真实密钥，不提交到git）
	dir := filepath.Dir(configPath)
	localConfigPath := filepath.Join(dir, "config.local.yaml")

	if _, err := os.Stat(localConfigPath); err == nil {
		configPath = localConfigPath
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	setDefaults(v)

	// 环境变量覆盖
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("database.driver", "mysql")
	v.SetDefault("tappay.base_url", "https://sandbox.tappaysdk.com")
	v.SetDefault("tappay.currency", "TWD")
	v.SetDefault("tappay.timeout_seconds", 30)
	v.SetDefault("newebpay.base_url", "https://ccore.newebpay.com")
	v.SetDefault("newebpay.timeout_seconds", 30)
	v.SetDefault("billing.timezone", "Asia/Taipei")
	v.SetDefault("billing.max_charge_attempts", 3)
	v.SetDefault("billing.cron_spec", "0 * * * *")
	v.SetDefault("billing.lock_ttl_seconds", 60)
	v.SetDefault("billing.run_lock_ttl_seconds", 900)
	v.SetDefault("queue.notification_queue", "notification_queue")
	v.SetDefault("queue.max_workers", 2)
	v.SetDefault("log.env", "production")
}
