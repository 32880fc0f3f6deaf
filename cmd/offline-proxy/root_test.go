package main

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettingsCacheConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		settings settings
		wantName string
		wantApp  string
	}{
		{
			name:     "defaults",
			settings: settings{},
			wantName: "fineasy-v1",
			wantApp:  "FinEasy",
		},
		{
			name: "overrides",
			settings: settings{
				CachePrefix:  "ledger",
				CacheVersion: 3,
				AppName:      "Ledger",
			},
			wantName: "ledger-v3",
			wantApp:  "Ledger",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := tt.settings.cacheConfig()
			assert.Equal(t, tt.wantName, c.PrecacheName())
			assert.Equal(t, tt.wantApp, c.AppName)
		})
	}
}

func TestSettingsUpstreamURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		upstream string
		wantErr  bool
	}{
		{name: "http", upstream: "http://localhost:3000"},
		{name: "https with path", upstream: "https://app.example.com/base"},
		{name: "missing", upstream: "", wantErr: true},
		{name: "no scheme", upstream: "app.example.com", wantErr: true},
		{name: "ftp", upstream: "ftp://files.example.com", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			u, err := settings{Upstream: tt.upstream}.upstreamURL()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.upstream, u.String())
		})
	}

	_, err := settings{}.upstreamURL()
	assert.ErrorIs(t, err, errMissingUpstream)
}

func TestOpenStorage(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	tests := []struct {
		name     string
		settings settings
	}{
		{name: "default", settings: settings{}},
		{name: "memory", settings: settings{CacheBackend: backendMemory}},
		{name: "sqlite", settings: settings{CacheBackend: backendSQLite, CacheDBConnect: filepath.Join(t.TempDir(), "cache.db")}},
		{name: "badger in memory", settings: settings{CacheBackend: backendBadger}},
		{name: "badger on disk", settings: settings{CacheBackend: backendBadger, CacheDBConnect: t.TempDir()}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctx := t.Context()
			storage, closeStorage, err := openStorage(ctx, tt.settings, logger)
			require.NoError(t, err)
			defer func() { assert.NoError(t, closeStorage()) }()

			_, err = storage.Open(ctx, "fineasy-v1")
			require.NoError(t, err)

			names, err := storage.Keys(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"fineasy-v1"}, names)
		})
	}
}

func TestOpenStorageUnknownBackend(t *testing.T) {
	t.Parallel()

	_, _, err := openStorage(t.Context(), settings{CacheBackend: "memcached"}, nil)
	assert.ErrorIs(t, err, errUnknownBackend)
}
