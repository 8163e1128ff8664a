package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Database struct {
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	SSLMode  string `mapstructure:"ssl-mode"`
}

func (d Database) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode)
}

type KafkaWriter struct {
	BatchSize      int `mapstructure:"batch-size"`
	BatchTimeoutMs int `mapstructure:"batch-timeout-ms"`
}

type KafkaBroker struct {
	URL string `mapstructure:"url"`
}

type KafkaTopic struct {
	PaymentEvents string `mapstructure:"payment-events"`
}

type Kafka struct {
	Writer KafkaWriter `mapstructure:"writer"`
	Broker KafkaBroker `mapstructure:"broker"`
	Topic  KafkaTopic  `mapstructure:"topic"`
}

type Gateway struct {
	BaseURL     string `mapstructure:"base-url"`
	AccessToken string `mapstructure:"access-token"`
	APIVersion  string `mapstructure:"api-version"`
	TimeoutMs   int    `mapstructure:"timeout-ms"`
}

func (g Gateway) Timeout() time.Duration {
	return time.Duration(g.TimeoutMs) * time.Millisecond
}

type Payment struct {
	Currency string `mapstructure:"currency"`
	// ArticlePrice is in the currency's minor unit.
	ArticlePrice int64 `mapstructure:"article-price"`
}

type Reconcile struct {
	PeriodMs        int `mapstructure:"period-ms"`
	StaleAfterMs    int `mapstructure:"stale-after-ms"`
	BatchSize       int `mapstructure:"batch-size"`
	Parallelism     int `mapstructure:"parallelism"`
	EscalateAfterMs int `mapstructure:"escalate-after-ms"`
}

func (r Reconcile) Period() time.Duration {
	return time.Duration(r.PeriodMs) * time.Millisecond
}

// StaleAfter falls back to the period when unset.
func (r Reconcile) StaleAfter() time.Duration {
	if r.StaleAfterMs <= 0 {
		return r.Period()
	}
	return time.Duration(r.StaleAfterMs) * time.Millisecond
}

func (r Reconcile) EscalateAfter() time.Duration {
	return time.Duration(r.EscalateAfterMs) * time.Millisecond
}

type Server struct {
	Port string `mapstructure:"port"`
}

type Metrics struct {
	URL          string `mapstructure:"url"`
	IntervalMs   int    `mapstructure:"interval-ms"`
	CommonLabels string `mapstructure:"common-labels"`
}

type Logs struct {
	URL string `mapstructure:"url"`
}

type Config struct {
	Database  Database  `mapstructure:"database"`
	Kafka     Kafka     `mapstructure:"kafka"`
	Gateway   Gateway   `mapstructure:"gateway"`
	Payment   Payment   `mapstructure:"payment"`
	Reconcile Reconcile `mapstructure:"reconcile"`
	Server    Server    `mapstructure:"server"`
	Metrics   Metrics   `mapstructure:"metrics"`
	Logs      Logs      `mapstructure:"logs"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.ssl-mode", "disable")
	v.SetDefault("kafka.topic.payment-events", "payment-events")
	v.SetDefault("kafka.writer.batch-size", 100)
	v.SetDefault("kafka.writer.batch-timeout-ms", 100)
	v.SetDefault("gateway.base-url", "https://connect.squareupsandbox.com")
	v.SetDefault("gateway.api-version", "2024-10-17")
	v.SetDefault("gateway.timeout-ms", 10_000)
	v.SetDefault("payment.currency", "USD")
	v.SetDefault("payment.article-price", 1000)
	v.SetDefault("reconcile.period-ms", 5*60*1000)
	v.SetDefault("reconcile.stale-after-ms", 0)
	v.SetDefault("reconcile.batch-size", 200)
	v.SetDefault("reconcile.parallelism", 8)
	v.SetDefault("reconcile.escalate-after-ms", 24*60*60*1000)
	v.SetDefault("server.port", "8080")
	v.SetDefault("metrics.interval-ms", 10_000)
}

// LoadConfig reads config.yaml from path. Every key can be overridden from
// the environment, e.g. DATABASE_HOST for database.host.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func MustLoadConfig(path string) *Config {
	config, err := LoadConfig(path)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	return config
}
