// Package digest keeps BLAKE3 content digests of served files, keyed by
// their path under the document root, optionally persisted in BoltDB.
package digest

import (
	"encoding/hex"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/zeebo/blake3"
)

// Record is the digest of one file at a given size and modification time.
type Record struct {
	Size    int64  `msgpack:"size"`
	ModTime int64  `msgpack:"mod_time"` // unix nanos
	Hash    string `msgpack:"hash"`
}

// Matches reports whether the record still describes a file with this
// size and modification time.
func (r Record) Matches(size int64, modTime time.Time) bool {
	return r.Size == size && r.ModTime == modTime.UnixNano()
}

// Stats holds runtime counters of an Index.
type Stats struct {
	Entries    int
	Hits       int64
	Misses     int64
	HashedSize int64
	Persistent bool
}

// HitRate returns the hit percentage.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total) * 100
}

// BoltDB layout
const (
	BucketDigests = "digests" // {rel path} -> Record
	BucketMeta    = "meta"

	KeySchemaVersion = "schema_version"
	SchemaVersion    = 1

	DBFileName = "digest.db"
)

// HashContent computes the BLAKE3 hash of data as hex.
func HashContent(data []byte) string {
	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// Encode serializes a value to msgpack bytes
func Encode(v interface{}) ([]byte, error) {
	return msgpack.Marshal(v)
}

// Decode deserializes msgpack bytes to a value
func Decode(data []byte, v interface{}) error {
	return msgpack.Unmarshal(data, v)
}
