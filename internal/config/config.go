package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "GATESYNC"
	defaultHTTPAddress   = "0.0.0.0:8080"
	defaultDatabasePath  = "gatesync.db"
	defaultLogLevel      = "info"
	defaultMeshPort      = 43210
	defaultCooldownMS    = 30_000
	defaultHeartbeatS    = 10
	defaultRetryAckS     = 2
	defaultStateHashS    = 20
	defaultFullSyncS     = 30
	defaultRetryQueueS   = 3
	defaultPeerTimeoutMS = 30_000
)

// AppConfig captures runtime configuration for the gate sync daemon.
type AppConfig struct {
	HTTPAddress      string
	DatabasePath     string
	LogLevel         string
	PassConfigPath   string
	StoreOnly        bool
	MeshPort         int
	BroadcastAddress string
	CooldownMS       int64
	PeerTimeoutMS    int64
	HeartbeatPeriod  time.Duration
	RetryAckPeriod   time.Duration
	StateHashPeriod  time.Duration
	FullSyncPeriod   time.Duration
	RetryQueuePeriod time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("passes.config_path", "")
	configViper.SetDefault("mesh.port", defaultMeshPort)
	configViper.SetDefault("mesh.broadcast_address", "")
	configViper.SetDefault("mesh.store_only", false)
	configViper.SetDefault("mesh.peer_timeout_ms", defaultPeerTimeoutMS)
	configViper.SetDefault("mesh.heartbeat_period_s", defaultHeartbeatS)
	configViper.SetDefault("mesh.retry_ack_period_s", defaultRetryAckS)
	configViper.SetDefault("mesh.state_hash_period_s", defaultStateHashS)
	configViper.SetDefault("mesh.full_sync_period_s", defaultFullSyncS)
	configViper.SetDefault("mesh.retry_queue_period_s", defaultRetryQueueS)
	configViper.SetDefault("admission.cooldown_ms", defaultCooldownMS)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:      configViper.GetString("http.address"),
		DatabasePath:     configViper.GetString("database.path"),
		LogLevel:         configViper.GetString("log.level"),
		PassConfigPath:   configViper.GetString("passes.config_path"),
		StoreOnly:        configViper.GetBool("mesh.store_only"),
		MeshPort:         configViper.GetInt("mesh.port"),
		BroadcastAddress: configViper.GetString("mesh.broadcast_address"),
		CooldownMS:       configViper.GetInt64("admission.cooldown_ms"),
		PeerTimeoutMS:    configViper.GetInt64("mesh.peer_timeout_ms"),
		HeartbeatPeriod:  time.Duration(configViper.GetInt64("mesh.heartbeat_period_s")) * time.Second,
		RetryAckPeriod:   time.Duration(configViper.GetInt64("mesh.retry_ack_period_s")) * time.Second,
		StateHashPeriod:  time.Duration(configViper.GetInt64("mesh.state_hash_period_s")) * time.Second,
		FullSyncPeriod:   time.Duration(configViper.GetInt64("mesh.full_sync_period_s")) * time.Second,
		RetryQueuePeriod: time.Duration(configViper.GetInt64("mesh.retry_queue_period_s")) * time.Second,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.MeshPort <= 0 || c.MeshPort > 65535 {
		return fmt.Errorf("mesh.port must be a valid UDP port, got %d", c.MeshPort)
	}
	if c.CooldownMS < 0 {
		return fmt.Errorf("admission.cooldown_ms must not be negative")
	}
	if c.PeerTimeoutMS <= 0 {
		return fmt.Errorf("mesh.peer_timeout_ms must be positive")
	}
	return nil
}
