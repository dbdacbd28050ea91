package verify

import (
	"errors"

	badger "github.com/dgraph-io/badger/v4"
)

// Cache is a local bundle cache. Bundles are immutable once anchored, so
// entries never expire.
type Cache struct {
	db *badger.DB
}

// OpenCache opens (or creates) a cache at dir.
func OpenCache(dir string) (*Cache, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &Cache{db: db}, nil
}

// Close releases the cache.
func (c *Cache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// Get returns the cached bundle bytes for key, or (nil, nil) on a miss.
func (c *Cache) Get(key string) ([]byte, error) {
	if c == nil || c.db == nil {
		return nil, nil
	}
	var out []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	return out, err
}

// Put stores bundle bytes under key.
func (c *Cache) Put(key string, data []byte) error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
}
