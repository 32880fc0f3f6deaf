package offlinecache

import (
	"fmt"
	"strings"
)

const (
	defaultAppName     = "FinEasy"
	defaultCachePrefix = "fineasy"
	defaultVersion     = 1
	defaultOfflinePage = "/offline.html"
	defaultIcon        = "/icons/Icon-192.png"
)

type Config struct {
	// Origin is the scheme://host[:port] the manager serves. Requests for any
	// other origin are passed to the wrapped transport untouched.
	Origin string

	// CachePrefix and Version derive the three partition names. Bumping Version
	// makes the next activation purge every partition of the previous version.
	CachePrefix string
	Version     int

	// PrecacheAssets are fetched and stored at install time.
	PrecacheAssets []string

	// OfflinePage is served for navigations that fail on the network. It should
	// be part of PrecacheAssets.
	OfflinePage string

	// APIMarkers route any path containing one of them to the network-first
	// strategy and the data partition.
	APIMarkers []string

	// AppName is used as the notification title.
	AppName string

	// NotificationIcon is used as both icon and badge of push notifications.
	NotificationIcon string
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() Config {
	return Config{
		CachePrefix: defaultCachePrefix,
		Version:     defaultVersion,
		PrecacheAssets: []string{
			"/",
			"/index.html",
			"/manifest.json",
			"/favicon.png",
			"/icons/Icon-192.png",
			"/icons/Icon-512.png",
			defaultOfflinePage,
		},
		OfflinePage:      defaultOfflinePage,
		APIMarkers:       []string{"/api/", "supabase"},
		AppName:          defaultAppName,
		NotificationIcon: defaultIcon,
	}
}

// withDefaults fills zero fields of c from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CachePrefix == "" {
		c.CachePrefix = d.CachePrefix
	}
	if c.Version == 0 {
		c.Version = d.Version
	}
	if c.PrecacheAssets == nil {
		c.PrecacheAssets = d.PrecacheAssets
	}
	if c.OfflinePage == "" {
		c.OfflinePage = d.OfflinePage
	}
	if c.APIMarkers == nil {
		c.APIMarkers = d.APIMarkers
	}
	if c.AppName == "" {
		c.AppName = d.AppName
	}
	if c.NotificationIcon == "" {
		c.NotificationIcon = d.NotificationIcon
	}
	c.Origin = strings.TrimSuffix(c.Origin, "/")
	return c
}

// PrecacheName is the partition filled at install time, eg. "fineasy-v1".
func (c Config) PrecacheName() string {
	return fmt.Sprintf("%s-v%d", c.CachePrefix, c.Version)
}

// RuntimeName is the partition for lazily cached same-origin assets.
func (c Config) RuntimeName() string {
	return fmt.Sprintf("%s-runtime-v%d", c.CachePrefix, c.Version)
}

// DataName is the partition for API responses.
func (c Config) DataName() string {
	return fmt.Sprintf("%s-data-v%d", c.CachePrefix, c.Version)
}

// PartitionNames returns the current version set.
func (c Config) PartitionNames() []string {
	return []string{c.PrecacheName(), c.RuntimeName(), c.DataName()}
}

func (c Config) isCurrent(name string) bool {
	for _, n := range c.PartitionNames() {
		if n == name {
			return true
		}
	}
	return false
}
