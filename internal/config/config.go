// Package config loads settings from an optional file, a .env file and
// SECURETCP_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"dev.c0redev.securetcp/internal/crypto"
)

// EnvPrefix for environment overrides: server.addr -> SECURETCP_SERVER_ADDR.
const EnvPrefix = "SECURETCP"

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Client  ClientConfig  `mapstructure:"client"`
	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Store   StoreConfig   `mapstructure:"store"`
}

type ServerConfig struct {
	Addr             string        `mapstructure:"addr" validate:"required,hostname_port"`
	Transport        string        `mapstructure:"transport" validate:"oneof=tcp quic"`
	AESBits          int           `mapstructure:"aes_bits" validate:"oneof=128 256"`
	Curve            uint8         `mapstructure:"curve" validate:"lte=5"`
	Certificate      string        `mapstructure:"certificate"` // name in the store; empty = no certificate
	Password         string        `mapstructure:"password"`
	AdvertiseIP      string        `mapstructure:"advertise_ip" validate:"omitempty,ipv4"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout" validate:"gt=0"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
	Workers          int           `mapstructure:"workers" validate:"gte=1"`
	AdminAddr        string        `mapstructure:"admin_addr" validate:"omitempty,hostname_port"`
	AdminTokenHash   string        `mapstructure:"admin_token_hash" validate:"required_with=AdminAddr"`
	StunURL          string        `mapstructure:"stun_url"` // STUN server for ICE answers, optional
}

type ClientConfig struct {
	Transport      string        `mapstructure:"transport" validate:"oneof=tcp quic ice"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" validate:"gt=0"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
	StunURL        string        `mapstructure:"stun_url"`

	// ICE rendezvous through the server's admin API.
	AdminURL   string `mapstructure:"admin_url" validate:"required_if=Transport ice"`
	AdminToken string `mapstructure:"admin_token" validate:"required_if=Transport ice"`
	PeerName   string `mapstructure:"peer_name"`
}

type LogConfig struct {
	Level      string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format     string `mapstructure:"format" validate:"oneof=console json"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `mapstructure:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `mapstructure:"max_age_days" validate:"gte=0"`
	Compress   bool   `mapstructure:"compress"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr" validate:"omitempty,hostname_port"`
}

type StoreConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

// Settings returns the server's cipher suite.
func (s ServerConfig) Settings() crypto.EncryptionSettings {
	return crypto.EncryptionSettings{AESBits: s.AESBits, Curve: crypto.CurveID(s.Curve)}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", "127.0.0.1:13222")
	v.SetDefault("server.transport", "tcp")
	v.SetDefault("server.aes_bits", 256)
	v.SetDefault("server.curve", 0)
	v.SetDefault("server.certificate", "")
	v.SetDefault("server.password", "")
	v.SetDefault("server.advertise_ip", "")
	v.SetDefault("server.handshake_timeout", "5s")
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("server.workers", 64)
	v.SetDefault("server.admin_addr", "")
	v.SetDefault("server.admin_token_hash", "")
	v.SetDefault("server.stun_url", "")

	v.SetDefault("client.transport", "tcp")
	v.SetDefault("client.connect_timeout", "3s")
	v.SetDefault("client.request_timeout", "30s")
	v.SetDefault("client.stun_url", "")
	v.SetDefault("client.admin_url", "")
	v.SetDefault("client.admin_token", "")
	v.SetDefault("client.peer_name", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.compress", false)

	v.SetDefault("metrics.addr", "")
	v.SetDefault("store.path", "securetcp.db")
}

// Load reads path (optional, any format viper knows by extension) on top
// of defaults, then .env and environment overrides, and validates.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
