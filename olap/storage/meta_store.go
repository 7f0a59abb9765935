package storage

import (
	"bytes"
	"fmt"
	"os"
	"strconv"

	"github.com/Connor1996/badger"
	"github.com/pingcap/errors"

	"github.com/awkwardd/doris/olap/rowset"
)

// Key prefixes inside one DataDir's meta store. Versioned keys encode the
// version as a zero-padded decimal so lexical order equals numeric order.
const (
	rowsetMetaPrefix     = "rst_"
	binlogMetaPrefix     = "blm_"
	deleteBitmapPrefix   = "dbm_"
	pendingPublishPrefix = "ppi_"
	clusterIDKey         = "cluster_id"
	nextShardKey         = "next_shard"
)

// MetaStore is the per-DataDir key/value store holding rowset metas, binlog
// metas, delete bitmaps and pending publish records. One badger instance per
// DataDir, opened under <root>/meta.
type MetaStore struct {
	db   *badger.DB
	path string
}

func OpenMetaStore(dir string) (*MetaStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Trace(err)
	}
	opts := badger.DefaultOptions
	opts.Dir = dir
	opts.ValueDir = dir
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &MetaStore{db: db, path: dir}, nil
}

func (m *MetaStore) Close() error {
	return errors.Trace(m.db.Close())
}

func (m *MetaStore) Put(key, val []byte) error {
	return errors.Trace(m.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, val)
	}))
}

// Get returns (nil, nil) when the key is absent.
func (m *MetaStore) Get(key []byte) ([]byte, error) {
	var val []byte
	err := m.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	return val, errors.Trace(err)
}

func (m *MetaStore) Delete(key []byte) error {
	return errors.Trace(m.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	}))
}

// DeleteBatch removes keys in one write transaction.
func (m *MetaStore) DeleteBatch(keys [][]byte) error {
	if len(keys) == 0 {
		return nil
	}
	return errors.Trace(m.db.Update(func(txn *badger.Txn) error {
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	}))
}

// TraversePrefix calls fn for every key with the given prefix. fn returning
// false stops the traversal early.
func (m *MetaStore) TraversePrefix(prefix []byte, fn func(key, val []byte) bool) error {
	return errors.Trace(m.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := item.KeyCopy(nil)
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if !fn(key, val) {
				break
			}
		}
		return nil
	}))
}

func rowsetMetaKey(id rowset.ID) []byte {
	return []byte(rowsetMetaPrefix + id.String())
}

func versionedKey(prefix string, tabletID, version int64) []byte {
	return []byte(fmt.Sprintf("%s%020d_%020d", prefix, tabletID, version))
}

func tabletPrefix(prefix string, tabletID int64) []byte {
	return []byte(fmt.Sprintf("%s%020d_", prefix, tabletID))
}

// parseVersionedKey splits a "<prefix><tablet>_<version>" key.
func parseVersionedKey(prefix string, key []byte) (tabletID, version int64, err error) {
	rest := key[len(prefix):]
	idx := bytes.IndexByte(rest, '_')
	if idx < 0 {
		return 0, 0, errors.Errorf("malformed meta key %q", key)
	}
	tabletID, err = strconv.ParseInt(string(rest[:idx]), 10, 64)
	if err != nil {
		return 0, 0, errors.Trace(err)
	}
	version, err = strconv.ParseInt(string(rest[idx+1:]), 10, 64)
	if err != nil {
		return 0, 0, errors.Trace(err)
	}
	return tabletID, version, nil
}

func (m *MetaStore) SaveRowsetMeta(meta *rowset.Meta) error {
	data, err := meta.Marshal()
	if err != nil {
		return err
	}
	return m.Put(rowsetMetaKey(meta.RowsetID), data)
}

func (m *MetaStore) RemoveRowsetMeta(id rowset.ID) error {
	return m.Delete(rowsetMetaKey(id))
}

// TraverseRowsetMetas visits every stored rowset meta. Values that fail to
// parse are delivered with meta == nil so the caller can collect the orphan
// key.
func (m *MetaStore) TraverseRowsetMetas(fn func(key []byte, meta *rowset.Meta) bool) error {
	return m.TraversePrefix([]byte(rowsetMetaPrefix), func(key, val []byte) bool {
		var meta rowset.Meta
		if err := meta.Unmarshal(val); err != nil {
			return fn(key, nil)
		}
		return fn(key, &meta)
	})
}

func (m *MetaStore) SaveBinlogMeta(tabletID, version int64, data []byte) error {
	return m.Put(versionedKey(binlogMetaPrefix, tabletID, version), data)
}

func (m *MetaStore) TraverseBinlogMetas(fn func(key []byte, tabletID, version int64, parseErr error) bool) error {
	return m.TraversePrefix([]byte(binlogMetaPrefix), func(key, val []byte) bool {
		tabletID, version, err := parseVersionedKey(binlogMetaPrefix, key)
		return fn(key, tabletID, version, err)
	})
}

func (m *MetaStore) SaveDeleteBitmap(tabletID, version int64, data []byte) error {
	return m.Put(versionedKey(deleteBitmapPrefix, tabletID, version), data)
}

// RemoveOldVersionDeleteBitmap drops every delete-bitmap entry of tabletID
// with version <= maxVersion.
func (m *MetaStore) RemoveOldVersionDeleteBitmap(tabletID, maxVersion int64) error {
	var doomed [][]byte
	prefix := tabletPrefix(deleteBitmapPrefix, tabletID)
	err := m.TraversePrefix(prefix, func(key, val []byte) bool {
		_, version, err := parseVersionedKey(deleteBitmapPrefix, key)
		if err == nil && version <= maxVersion {
			doomed = append(doomed, key)
		}
		return true
	})
	if err != nil {
		return err
	}
	return m.DeleteBatch(doomed)
}

func (m *MetaStore) TraverseDeleteBitmaps(fn func(key []byte, tabletID, version int64, parseErr error) bool) error {
	return m.TraversePrefix([]byte(deleteBitmapPrefix), func(key, val []byte) bool {
		tabletID, version, err := parseVersionedKey(deleteBitmapPrefix, key)
		return fn(key, tabletID, version, err)
	})
}

func (m *MetaStore) SavePendingPublishInfo(tabletID, version int64, data []byte) error {
	return m.Put(versionedKey(pendingPublishPrefix, tabletID, version), data)
}

func (m *MetaStore) RemovePendingPublishInfo(tabletID, version int64) error {
	return m.Delete(versionedKey(pendingPublishPrefix, tabletID, version))
}

func (m *MetaStore) TraversePendingPublishInfos(fn func(key []byte, tabletID, version int64, parseErr error) bool) error {
	return m.TraversePrefix([]byte(pendingPublishPrefix), func(key, val []byte) bool {
		tabletID, version, err := parseVersionedKey(pendingPublishPrefix, key)
		return fn(key, tabletID, version, err)
	})
}

func (m *MetaStore) SaveClusterID(id int32) error {
	return m.Put([]byte(clusterIDKey), []byte(strconv.FormatInt(int64(id), 10)))
}

// LoadClusterID returns -1 when no cluster id has been stored.
func (m *MetaStore) LoadClusterID() (int32, error) {
	val, err := m.Get([]byte(clusterIDKey))
	if err != nil {
		return -1, err
	}
	if val == nil {
		return -1, nil
	}
	id, err := strconv.ParseInt(string(val), 10, 32)
	if err != nil {
		return -1, errors.Trace(err)
	}
	return int32(id), nil
}

// ClearClusterID is only used by tests to simulate a fresh meta store.
func (m *MetaStore) ClearClusterID() error {
	return m.Delete([]byte(clusterIDKey))
}

// NextShard atomically bumps and persists the shard counter.
func (m *MetaStore) NextShard() (uint64, error) {
	var shard uint64
	err := m.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(nextShardKey))
		if err == nil {
			val, verr := item.ValueCopy(nil)
			if verr != nil {
				return verr
			}
			parsed, perr := strconv.ParseUint(string(val), 10, 64)
			if perr != nil {
				return perr
			}
			shard = parsed
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		return txn.Set([]byte(nextShardKey), []byte(strconv.FormatUint(shard+1, 10)))
	})
	if err != nil {
		return 0, errors.Trace(err)
	}
	return shard, nil
}
