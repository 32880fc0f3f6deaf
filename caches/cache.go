package caches

import (
	"encoding/binary"
	"errors"
	"time"
)

var (
	// DefaultExpiredDuration is how long an item is retained by stores running
	// an expiry task
	DefaultExpiredDuration = 7 * 24 * time.Hour

	// DefaultExpiredTaskTimer is the default duration of the expired task timer
	DefaultExpiredTaskTimer = 10 * time.Minute

	// DefaultClientTimeout is the default timeout of a single remote storage call.
	DefaultClientTimeout = time.Second

	// DefaultBatchSize is the default number of items removed per batch when a
	// partition is deleted from a remote store.
	DefaultBatchSize = 25
)

// Separator joins partition names and request keys in flat key spaces.
const Separator = "\x00"

// ItemKey returns the flat key of key within partition.
func ItemKey(partition, key string) string {
	return partition + Separator + key
}

// PartitionPrefix returns the prefix shared by every ItemKey of partition.
func PartitionPrefix(partition string) string {
	return partition + Separator
}

// PackItem packs storedAt and a response dump into one byte slice for stores
// that only hold opaque values.
func PackItem(storedAt time.Time, response []byte) []byte {
	b := make([]byte, 8+len(response))
	binary.BigEndian.PutUint64(b[:8], uint64(storedAt.UnixNano()))
	copy(b[8:], response)
	return b
}

// UnpackItem reverses PackItem.
func UnpackItem(b []byte) (storedAt time.Time, response []byte, err error) {
	if len(b) < 8 {
		return time.Time{}, nil, errors.New("packed item is too short")
	}
	storedAt = time.Unix(0, int64(binary.BigEndian.Uint64(b[:8]))).UTC()
	return storedAt, b[8:], nil
}
