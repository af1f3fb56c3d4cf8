package playerqueue

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

// Snapshotter persists queue contents across restarts. Load returns
// (nil, nil) when nothing has been saved yet.
type Snapshotter interface {
	Load() ([]Entry, error)
	Save([]Entry) error
	Remove() error
}

// Encode renders entries as the on-disk form: a JSON array of
// [player, priority] pairs, front first.
func Encode(entries []Entry) ([]byte, error) {
	if entries == nil {
		entries = []Entry{}
	}
	return json.Marshal(entries)
}

func Decode(data []byte) ([]Entry, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}
	var out []Entry
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, errors.Wrap(err, "decode player queue snapshot")
	}
	return out, nil
}

// OpenSnapshot picks the backend from the path: *.db and *.bolt use bbolt,
// anything else is a plain JSON file.
func OpenSnapshot(path string) (Snapshotter, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".db", ".bolt":
		return OpenBoltSnapshot(path)
	default:
		return FileSnapshot{Path: path}, nil
	}
}

// FileSnapshot stores the JSON form in a single file.
type FileSnapshot struct {
	Path string
}

func (f FileSnapshot) Load() ([]Entry, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read player queue snapshot")
	}
	return Decode(data)
}

func (f FileSnapshot) Save(entries []Entry) error {
	data, err := Encode(entries)
	if err != nil {
		return errors.Wrap(err, "encode player queue snapshot")
	}
	return errors.Wrap(atomicWrite(f.Path, data, 0o644), "write player queue snapshot")
}

func (f FileSnapshot) Remove() error {
	err := os.Remove(f.Path)
	if err == nil || errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return errors.Wrap(err, "remove player queue snapshot")
}

func atomicWrite(path string, data []byte, mode os.FileMode) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, mode); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

var (
	boltBucket = []byte("playerqueue")
	boltKey    = []byte("snapshot")
)

// BoltSnapshot keeps the same JSON bytes under one key of a bbolt bucket.
type BoltSnapshot struct {
	db *bolt.DB
}

func OpenBoltSnapshot(path string) (*BoltSnapshot, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "create snapshot dir")
		}
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "open bolt snapshot")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "create snapshot bucket")
	}
	return &BoltSnapshot{db: db}, nil
}

func (b *BoltSnapshot) Load() ([]Entry, error) {
	var data []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(boltBucket).Get(boltKey); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "read bolt snapshot")
	}
	return Decode(data)
}

func (b *BoltSnapshot) Save(entries []Entry) error {
	data, err := Encode(entries)
	if err != nil {
		return errors.Wrap(err, "encode player queue snapshot")
	}
	return errors.Wrap(b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Put(boltKey, data)
	}), "write bolt snapshot")
}

func (b *BoltSnapshot) Remove() error {
	return errors.Wrap(b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Delete(boltKey)
	}), "delete bolt snapshot")
}

func (b *BoltSnapshot) Close() error { return b.db.Close() }
