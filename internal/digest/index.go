package digest

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"
	"github.com/zeebo/blake3"
	bolt "go.etcd.io/bbolt"
)

// Index maps file paths to content digests. Lookups are answered from
// memory first, then from BoltDB when the index is persistent; a record
// whose size or mtime no longer match is recomputed.
type Index struct {
	db      *bolt.DB
	mu      sync.RWMutex
	entries map[string]Record

	hits       atomic.Int64
	misses     atomic.Int64
	hashedSize atomic.Int64
}

// NewMemory returns an index that lives only for the process lifetime.
func NewMemory() *Index {
	return &Index{entries: make(map[string]Record)}
}

// Open opens or creates a persistent index in dir.
func Open(dir string) (*Index, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	opts := &bolt.Options{
		Timeout:      10 * time.Second,
		FreelistType: bolt.FreelistArrayType,
	}

	db, err := bolt.Open(filepath.Join(dir, DBFileName), 0644, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BoltDB: %w", err)
	}

	x := &Index{db: db, entries: make(map[string]Record)}
	if err := x.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return x, nil
}

func (x *Index) initSchema() error {
	return x.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{BucketDigests, BucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}

		meta := tx.Bucket([]byte(BucketMeta))
		stored := meta.Get([]byte(KeySchemaVersion))
		if stored != nil && binary.BigEndian.Uint32(stored) == SchemaVersion {
			return nil
		}

		// Unknown or missing schema: start over.
		if err := tx.DeleteBucket([]byte(BucketDigests)); err != nil {
			return err
		}
		if _, err := tx.CreateBucket([]byte(BucketDigests)); err != nil {
			return err
		}
		v := make([]byte, 4)
		binary.BigEndian.PutUint32(v, SchemaVersion)
		return meta.Put([]byte(KeySchemaVersion), v)
	})
}

// Close closes the backing database, if any.
func (x *Index) Close() error {
	if x.db != nil {
		return x.db.Close()
	}
	return nil
}

// Persistent reports whether records survive the process.
func (x *Index) Persistent() bool {
	return x.db != nil
}

// Digest returns the hex BLAKE3 digest of name in fsys. info must be the
// current stat of name.
func (x *Index) Digest(fsys afero.Fs, name string, info fs.FileInfo) (string, error) {
	key := normalizeKey(name)

	if rec, ok := x.lookup(key); ok && rec.Matches(info.Size(), info.ModTime()) {
		x.hits.Add(1)
		return rec.Hash, nil
	}
	x.misses.Add(1)

	hash, err := hashFile(fsys, name)
	if err != nil {
		return "", err
	}
	x.hashedSize.Add(info.Size())

	rec := Record{Size: info.Size(), ModTime: info.ModTime().UnixNano(), Hash: hash}
	if err := x.store(key, rec); err != nil {
		return "", err
	}
	return hash, nil
}

// Lookup returns the stored record for name without touching the file.
func (x *Index) Lookup(name string) (Record, bool) {
	return x.lookup(normalizeKey(name))
}

func (x *Index) lookup(key string) (Record, bool) {
	x.mu.RLock()
	rec, ok := x.entries[key]
	x.mu.RUnlock()
	if ok || x.db == nil {
		return rec, ok
	}

	var data []byte
	_ = x.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket([]byte(BucketDigests)).Get([]byte(key)); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if data == nil {
		return Record{}, false
	}
	if err := Decode(data, &rec); err != nil {
		return Record{}, false
	}

	x.mu.Lock()
	x.entries[key] = rec
	x.mu.Unlock()
	return rec, true
}

func (x *Index) store(key string, rec Record) error {
	x.mu.Lock()
	x.entries[key] = rec
	x.mu.Unlock()

	if x.db == nil {
		return nil
	}
	data, err := Encode(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	return x.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(BucketDigests)).Put([]byte(key), data)
	})
}

// Forget drops name from the index.
func (x *Index) Forget(name string) error {
	key := normalizeKey(name)
	x.mu.Lock()
	delete(x.entries, key)
	x.mu.Unlock()

	if x.db == nil {
		return nil
	}
	return x.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(BucketDigests)).Delete([]byte(key))
	})
}

// Stats returns a snapshot of the index counters.
func (x *Index) Stats() Stats {
	s := Stats{
		Hits:       x.hits.Load(),
		Misses:     x.misses.Load(),
		HashedSize: x.hashedSize.Load(),
		Persistent: x.db != nil,
	}
	if x.db != nil {
		_ = x.db.View(func(tx *bolt.Tx) error {
			s.Entries = tx.Bucket([]byte(BucketDigests)).Stats().KeyN
			return nil
		})
		return s
	}
	x.mu.RLock()
	s.Entries = len(x.entries)
	x.mu.RUnlock()
	return s
}

func hashFile(fsys afero.Fs, name string) (string, error) {
	f, err := fsys.Open(name)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", name, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// normalizeKey makes keys slash separated and rooted.
func normalizeKey(name string) string {
	key := filepath.ToSlash(filepath.Clean("/" + name))
	return strings.TrimPrefix(key, "/")
}
