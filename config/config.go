package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/meridian-social/meridian-chat/globals"
)

const (
	defaultPreviewLength             = 50
	defaultHistorySize               = 100
	defaultMessageTTL                = time.Hour
	defaultRoomIdleTTL               = time.Hour
	defaultSweepInterval             = 10 * time.Minute
	defaultReadNotificationTTL       = 30 * 24 * time.Hour
	defaultUnreadNotificationTTL     = 90 * 24 * time.Hour
	defaultNotificationSweepInterval = 24 * time.Hour
)

// Config is the global configuration object which is filled via the
// configuration file and MCHAT_* environment variables.
type Config struct {
	AuthConfig        AuthConfig        `mapstructure:"auth"`
	PersistenceConfig PersistenceConfig `mapstructure:"persistence"`
	RetentionConfig   RetentionConfig   `mapstructure:"retention"`
	HistoryConfig     HistoryConfig     `mapstructure:"history"`
	LogLevel          string            `mapstructure:"log_level"`
	PreviewLength     int               `mapstructure:"preview_length"`
}

// AuthConfig configures how bearer credentials presented at connect time are
// verified. If JwtSecret is set, tokens are verified as HS256 JWTs. OIDC
// providers can be configured in addition, the verifier chain tries them in
// order. CacheSize > 0 puts an LRU cache of verified tokens in front.
type AuthConfig struct {
	JwtSecret   string       `mapstructure:"jwt_secret"`
	OIDCConfigs []OIDCConfig `mapstructure:"oidc"`
	CacheSize   int          `mapstructure:"cache_size"`
}

// An OIDCConfig object configures an OpenID Connect provider that is used to
// authenticate users via verification of an ID token.
type OIDCConfig struct {
	Name        string `mapstructure:"name"`
	ClientId    string `mapstructure:"client_id"`
	ProviderUrl string `mapstructure:"provider_url"` // f.e. "https://accounts.google.com"
}

// PersistenceConfig configures the persistence backend. Supported types are
// "buntdb" (default, DSN is a file path or ":memory:"), "sqlite", "postgres"
// and "mongo".
type PersistenceConfig struct {
	Type     string `mapstructure:"type"`
	DSN      string `mapstructure:"dsn"`
	Database string `mapstructure:"database"` // mongo only
}

// RetentionConfig configures the expiry sweeps. All windows are durations
// ("1h", "720h", ...).
type RetentionConfig struct {
	MessageTTL                time.Duration `mapstructure:"message_ttl"`
	RoomIdleTTL               time.Duration `mapstructure:"room_idle_ttl"`
	SweepInterval             time.Duration `mapstructure:"sweep_interval"`
	ReadNotificationTTL       time.Duration `mapstructure:"read_notification_ttl"`
	UnreadNotificationTTL     time.Duration `mapstructure:"unread_notification_ttl"`
	NotificationSweepInterval time.Duration `mapstructure:"notification_sweep_interval"`
}

// HistoryConfig configures how many recent messages are sent to a client
// joining a room.
type HistoryConfig struct {
	HistorySize int `mapstructure:"history_size"`
}

func GetFlagSet() *pflag.FlagSet {
	flagSet := pflag.NewFlagSet("configuration", pflag.ContinueOnError)
	flagSet.String("log-level", "", "log level (TRACE/DEBUG/INFO/WARN/ERROR)")
	return flagSet
}

// wordSepNormalizeFunc allows for normalization of the flag names (which use - as a separator)
func wordSepNormalizeFunc(f *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.Replace(name, "-", "_", -1))
}

// ReadConfiguration reads and parses the configuration located at configPath,
// which can either point to a single TOML file or to a directory, in which
// case all *.toml files in this directory are concatenated. It returns a
// Config object with the retention defaults applied.
func ReadConfiguration(configPath string, flagSet *pflag.FlagSet) (*Config, error) {
	cfg := Config{}
	flagSet.SetNormalizeFunc(wordSepNormalizeFunc)
	viper.SetDefault("preview_length", defaultPreviewLength)
	viper.SetDefault("history.history_size", defaultHistorySize)
	viper.SetDefault("persistence.type", "buntdb")
	viper.SetDefault("persistence.dsn", ":memory:")
	viper.SetDefault("retention.message_ttl", defaultMessageTTL)
	viper.SetDefault("retention.room_idle_ttl", defaultRoomIdleTTL)
	viper.SetDefault("retention.sweep_interval", defaultSweepInterval)
	viper.SetDefault("retention.read_notification_ttl", defaultReadNotificationTTL)
	viper.SetDefault("retention.unread_notification_ttl", defaultUnreadNotificationTTL)
	viper.SetDefault("retention.notification_sweep_interval", defaultNotificationSweepInterval)
	err := viper.BindPFlags(flagSet)
	if err != nil {
		globals.AppLogger.Error("could not bind flags (ignored)", "error", err)
	}
	viper.SetEnvPrefix("MCHAT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	if configPath != "" {
		fi, err := os.Stat(configPath)
		if err != nil {
			return nil, err
		}
		contents := make([]byte, 0)
		files := []string{configPath}
		if fi.IsDir() {
			files, err = filepath.Glob(filepath.Join(configPath, "*.toml"))
			if err != nil {
				return nil, err
			}
		}
		for _, configFile := range files {
			fileContents, err := os.ReadFile(configFile)
			if err != nil {
				return nil, err
			}
			contents = append(contents, fileContents...)
			contents = append(contents, '\n')
		}
		viper.SetConfigType("toml")
		err = viper.ReadConfig(bytes.NewBuffer(contents))
		if err != nil {
			globals.AppLogger.Error("could not read config:", "error", err)
		}
	}
	err = viper.Unmarshal(&cfg)
	if err != nil {
		globals.AppLogger.Error("could not unmarshal config:", "error", err)
	}

	return &cfg, nil
}
