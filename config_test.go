package offlinecache_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	offlinecache "github.com/dgduncan/go-offline-cache"
	"github.com/dgduncan/go-offline-cache/caches"
	"github.com/dgduncan/go-offline-cache/caches/local"
)

func TestPartitionNames(t *testing.T) {
	cfg := offlinecache.DefaultConfig()

	assert.Equal(t, "fineasy-v1", cfg.PrecacheName())
	assert.Equal(t, "fineasy-runtime-v1", cfg.RuntimeName())
	assert.Equal(t, "fineasy-data-v1", cfg.DataName())

	cfg.CachePrefix = "app"
	cfg.Version = 7
	assert.Equal(t, []string{"app-v7", "app-runtime-v7", "app-data-v7"}, cfg.PartitionNames())
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		storage offlinecache.Storage
		config  *offlinecache.Config
		wantErr bool
	}{
		{name: "nil storage", storage: nil, config: &offlinecache.Config{Origin: "https://app.example.com"}, wantErr: true},
		{name: "nil config has no origin", storage: local.NewBasicCache(), config: nil, wantErr: true},
		{name: "relative origin", storage: local.NewBasicCache(), config: &offlinecache.Config{Origin: "/app"}, wantErr: true},
		{name: "valid", storage: local.NewBasicCache(), config: &offlinecache.Config{Origin: "https://app.example.com/"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := offlinecache.New(tt.storage, tt.config, nil, nil)
			if tt.wantErr {
				assert.ErrorIs(t, err, offlinecache.ErrInvalidConfig)
				assert.Nil(t, m)
				return
			}

			require.NoError(t, err)
			cfg := m.Config()
			assert.Equal(t, "https://app.example.com", cfg.Origin)
			assert.Equal(t, offlinecache.DefaultConfig().PrecacheAssets, cfg.PrecacheAssets)
			assert.Equal(t, "/offline.html", cfg.OfflinePage)
			assert.Equal(t, offlinecache.StateNew, m.State())
		})
	}
}

func TestNewNilStorageIsValidationError(t *testing.T) {
	_, err := offlinecache.New(nil, nil, nil, nil)

	var ve caches.ValidationError
	assert.True(t, errors.As(err, &ve))
}
