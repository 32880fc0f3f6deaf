package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	offlinecache "github.com/dgduncan/go-offline-cache"
)

const (
	defaultListen       = ":8080"
	defaultSyncInterval = 30 * time.Second
	defaultDynamoTable  = "offline-cache"
)

var errMissingUpstream = errors.New("upstream is required")

// settings holds the resolved configuration from file, env and flags.
type settings struct {
	Listen   string `mapstructure:"listen"`
	Upstream string `mapstructure:"upstream"`

	CacheBackend        string        `mapstructure:"cache-backend"`
	CacheDBConnect      string        `mapstructure:"cache-db-connect"`
	CacheRetention      time.Duration `mapstructure:"cache-retention"`
	DynamoDBTable       string        `mapstructure:"dynamodb-table"`
	DynamoDBCreateTable bool          `mapstructure:"dynamodb-create-table"`

	CachePrefix  string        `mapstructure:"cache-prefix"`
	CacheVersion int           `mapstructure:"cache-version"`
	APIMarkers   []string      `mapstructure:"api-markers"`
	OfflinePage  string        `mapstructure:"offline-page"`
	AppName      string        `mapstructure:"app-name"`
	SyncInterval time.Duration `mapstructure:"sync-interval"`

	LogLevel string `mapstructure:"log-level"`
}

// cacheConfig is the manager configuration without an origin.
func (s settings) cacheConfig() offlinecache.Config {
	c := offlinecache.DefaultConfig()
	if s.CachePrefix != "" {
		c.CachePrefix = s.CachePrefix
	}
	if s.CacheVersion > 0 {
		c.Version = s.CacheVersion
	}
	if len(s.APIMarkers) > 0 {
		c.APIMarkers = s.APIMarkers
	}
	if s.OfflinePage != "" {
		c.OfflinePage = s.OfflinePage
	}
	if s.AppName != "" {
		c.AppName = s.AppName
	}
	return c
}

// upstreamURL parses Upstream and checks that it is an absolute http(s) URL.
func (s settings) upstreamURL() (*url.URL, error) {
	if s.Upstream == "" {
		return nil, errMissingUpstream
	}

	u, err := url.Parse(s.Upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid upstream %q: must be an http or https URL", s.Upstream)
	}
	return u, nil
}

// rootCmd is the command-line entrypoint for all other commands.
var rootCmd = &cobra.Command{
	Use:   "offline-proxy",
	Short: "Serve a web app through an offline-first cache.",
	Long: `offline-proxy sits in front of a web app and answers requests the way an
offline-capable client would: API calls are network-first with a cached
fallback, navigations fall back to an offline page, and everything else is
served cache-first.`,
	SilenceErrors:      true,
	SilenceUsage:       true,
	DisableSuggestions: true,
	Run: func(cmd *cobra.Command, _ []string) {
		_ = cmd.Help()
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(cacheCmd)

	cacheCmd.AddCommand(cacheListCmd)
	cacheCmd.AddCommand(cacheClearCmd)

	defaults := offlinecache.DefaultConfig()

	rootCmd.PersistentFlags().String("config", "", "Path to config file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level: debug or info or warn or error")
	rootCmd.PersistentFlags().String("cache-backend", backendMemory, "Cache backend: memory or postgres or dynamodb or redis or sqlite or badger")
	rootCmd.PersistentFlags().String("cache-db-connect", "", "Connection string, endpoint, file or directory for the cache backend")
	rootCmd.PersistentFlags().String("dynamodb-table", defaultDynamoTable, "DynamoDB table name")
	rootCmd.PersistentFlags().Bool("dynamodb-create-table", false, "Create the DynamoDB table if it does not exist")
	rootCmd.PersistentFlags().String("cache-prefix", defaults.CachePrefix, "Prefix of the cache partition names")
	rootCmd.PersistentFlags().Int("cache-version", defaults.Version, "Cache version; bumping it purges older partitions on activation")
	if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		fatal("Error binding root flags", err)
	}

	serveCmd.Flags().String("listen", defaultListen, "Address to listen on")
	serveCmd.Flags().String("upstream", "", "URL of the web app to serve, e.g. https://app.example.com")
	serveCmd.Flags().StringSlice("api-markers", defaults.APIMarkers, "Path substrings that mark API requests")
	serveCmd.Flags().String("offline-page", defaults.OfflinePage, "Page served when a navigation fails")
	serveCmd.Flags().String("app-name", defaults.AppName, "Title of push notifications")
	serveCmd.Flags().Duration("sync-interval", defaultSyncInterval, "How often queued operations are replayed")
	serveCmd.Flags().Duration("cache-retention", 0, "Delete postgres cache items older than this (0 keeps them)")
	if err := viper.BindPFlags(serveCmd.Flags()); err != nil {
		fatal("Error binding serve flags", err)
	}
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if configFile := viper.GetString("config"); configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigName(".offline-proxy")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME")
	}

	viper.SetEnvPrefix("OFFLINE_CACHE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("listen", defaultListen)
	viper.SetDefault("cache-backend", backendMemory)
	viper.SetDefault("dynamodb-table", defaultDynamoTable)
	viper.SetDefault("sync-interval", defaultSyncInterval)
	viper.SetDefault("log-level", "info")
}

// loadSettings merges defaults, file, env and flags.
func loadSettings() (settings, error) {
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return settings{}, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var s settings
	if err := viper.Unmarshal(&s); err != nil {
		return settings{}, fmt.Errorf("unable to unmarshal config: %w", err)
	}
	return s, nil
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

func fatal(msg string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	os.Exit(1)
}
