package bpfman

import (
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// BoltStore is the production Store, backed by go.etcd.io/bbolt — the same
// embedded, crash-consistent KV library the wider corpus reaches for
// (moby-moby/daemon, DataDog-datadog-agent). Each spec.md "tree" is a
// top-level bolt bucket.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens (creating if absent) the bolt file at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open persistent store %s: %w", path, err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) OpenTree(name string) (Tree, error) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(name))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("open tree %s: %w", name, err)
	}
	return &boltTree{db: s.db, name: name}, nil
}

func (s *BoltStore) TreeNames() ([]string, error) {
	var names []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			names = append(names, string(name))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list trees: %w", err)
	}
	return names, nil
}

func (s *BoltStore) DropTree(name string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(name)) == nil {
			return nil
		}
		return tx.DeleteBucket([]byte(name))
	})
	if err != nil {
		return fmt.Errorf("drop tree %s: %w", name, err)
	}
	return nil
}

func (s *BoltStore) Flush() error {
	return s.db.Sync()
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

type boltTree struct {
	db   *bolt.DB
	name string
}

func (t *boltTree) Put(key string, value []byte) error {
	return t.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(t.name))
		if b == nil {
			return fmt.Errorf("tree %s does not exist", t.name)
		}
		return b.Put([]byte(key), value)
	})
}

func (t *boltTree) Get(key string) ([]byte, bool, error) {
	var out []byte
	var found bool
	err := t.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(t.name))
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(key)); v != nil {
			found = true
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, found, err
}

func (t *boltTree) ContainsKey(key string) (bool, error) {
	_, found, err := t.Get(key)
	return found, err
}

func (t *boltTree) PrefixScan(prefix string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := t.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(t.name))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && hasPrefix(k, p); k, v = c.Next() {
			out[string(k)] = append([]byte(nil), v...)
		}
		return nil
	})
	return out, err
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}
