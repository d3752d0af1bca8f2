package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "CARRYMAP"

	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "carrymap.db"
	defaultAgentDBPath  = "carrymap-agent.db"
	defaultAgentAddress = "127.0.0.1:7180"
	defaultLogLevel     = "info"
	defaultSyncInterval = 5 * time.Minute
	defaultProbePeriod  = 30 * time.Second
	defaultTokenIssuer  = "carrymap-api"
)

// APIConfig captures runtime configuration for the backend server.
type APIConfig struct {
	HTTPAddress   string
	DatabasePath  string
	SigningSecret string
	TokenIssuer   string
	LogLevel      string
}

// AgentConfig captures runtime configuration for the device sync agent.
type AgentConfig struct {
	ListenAddress string
	DatabasePath  string
	RemoteBaseURL string
	RemoteFeedURL string
	SyncInterval  time.Duration
	ProbePeriod   time.Duration
	LogLevel      string
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
	configViper.SetDefault("agent.database_path", defaultAgentDBPath)
	configViper.SetDefault("agent.listen_address", defaultAgentAddress)
	configViper.SetDefault("agent.sync_interval", defaultSyncInterval)
	configViper.SetDefault("agent.probe_period", defaultProbePeriod)
	configViper.SetDefault("token.issuer", defaultTokenIssuer)
	configViper.SetDefault("log.level", defaultLogLevel)
}

// LoadAPI parses backend configuration from viper.
func LoadAPI(configViper *viper.Viper) (APIConfig, error) {
	cfg := APIConfig{
		HTTPAddress:   configViper.GetString("http.address"),
		DatabasePath:  configViper.GetString("database.path"),
		SigningSecret: configViper.GetString("token.signing_secret"),
		TokenIssuer:   configViper.GetString("token.issuer"),
		LogLevel:      configViper.GetString("log.level"),
	}
	if err := cfg.validate(); err != nil {
		return APIConfig{}, err
	}
	return cfg, nil
}

func (c APIConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("token.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	return nil
}

// LoadAgent parses agent configuration from viper.
func LoadAgent(configViper *viper.Viper) (AgentConfig, error) {
	cfg := AgentConfig{
		ListenAddress: configViper.GetString("agent.listen_address"),
		DatabasePath:  configViper.GetString("agent.database_path"),
		RemoteBaseURL: configViper.GetString("agent.remote_url"),
		RemoteFeedURL: configViper.GetString("agent.feed_url"),
		SyncInterval:  configViper.GetDuration("agent.sync_interval"),
		ProbePeriod:   configViper.GetDuration("agent.probe_period"),
		LogLevel:      configViper.GetString("log.level"),
	}
	if err := cfg.validate(); err != nil {
		return AgentConfig{}, err
	}
	return cfg, nil
}

func (c AgentConfig) validate() error {
	if strings.TrimSpace(c.ListenAddress) == "" {
		return fmt.Errorf("agent.listen_address is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("agent.database_path is required")
	}
	if strings.TrimSpace(c.RemoteBaseURL) == "" {
		return fmt.Errorf("agent.remote_url is required")
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("agent.sync_interval must be positive")
	}
	if c.ProbePeriod <= 0 {
		return fmt.Errorf("agent.probe_period must be positive")
	}
	return nil
}
