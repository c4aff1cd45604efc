package replica

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"meshfs/pkg/types"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
)

// BadgerConfig configures the replica log database.
type BadgerConfig struct {
	// Path is the database directory. Ignored when InMemory is true.
	Path string
	// InMemory keeps everything in RAM, for tests and ephemeral nodes.
	InMemory   bool
	SyncWrites bool
	Logger     *zap.Logger
}

// BadgerStore keeps every replica in one Badger database:
//
//	meta/<replica>                  JSON Meta
//	r/<replica>/log/<pos big-endian> encoded entry
//	r/<replica>/snap                snapshot record
//	r/<replica>/cap/<digest>        encoded capability chain
type BadgerStore struct {
	db     *badger.DB
	logger *zap.Logger
}

type badgerLogger struct {
	logger *zap.SugaredLogger
}

func (l *badgerLogger) Errorf(format string, args ...interface{})   { l.logger.Errorf(format, args...) }
func (l *badgerLogger) Warningf(format string, args ...interface{}) { l.logger.Warnf(format, args...) }
func (l *badgerLogger) Infof(format string, args ...interface{})    { l.logger.Debugf(format, args...) }
func (l *badgerLogger) Debugf(format string, args ...interface{})   { l.logger.Debugf(format, args...) }

// OpenBadgerStore opens or creates the database.
func OpenBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent replica store")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create replica store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(&badgerLogger{logger: logger.Named("badger").Sugar()})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open replica store: %w", err)
	}
	return &BadgerStore{db: db, logger: logger}, nil
}

func metaKey(id types.ReplicaID) []byte { return []byte("meta/" + id.String()) }

func replicaPrefix(id types.ReplicaID) []byte { return []byte("r/" + id.String() + "/") }

func logPrefix(id types.ReplicaID) []byte { return append(replicaPrefix(id), "log/"...) }

func logKey(id types.ReplicaID, pos uint64) []byte {
	return binary.BigEndian.AppendUint64(logPrefix(id), pos)
}

func snapKey(id types.ReplicaID) []byte { return append(replicaPrefix(id), "snap"...) }

func capPrefix(id types.ReplicaID) []byte { return append(replicaPrefix(id), "cap/"...) }

func prefixIterator(prefix []byte) badger.IteratorOptions {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	return opts
}

func (s *BadgerStore) SaveMeta(m Meta) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode replica meta: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(metaKey(m.ID), raw)
	})
}

func (s *BadgerStore) LoadMeta() ([]Meta, error) {
	var metas []Meta
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte("meta/")
		it := txn.NewIterator(prefixIterator(prefix))
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var m Meta
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &m) }); err != nil {
				return fmt.Errorf("decode meta %s: %w", it.Item().Key(), err)
			}
			metas = append(metas, m)
		}
		return nil
	})
	return metas, err
}

// DeleteReplica removes the meta record and every key under the replica.
func (s *BadgerStore) DeleteReplica(id types.ReplicaID) error {
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(metaKey(id))
	}); err != nil {
		return fmt.Errorf("delete replica meta: %w", err)
	}
	if err := s.db.DropPrefix(replicaPrefix(id)); err != nil {
		return fmt.Errorf("drop replica %s: %w", id, err)
	}
	return nil
}

func (s *BadgerStore) Append(id types.ReplicaID, pos uint64, raw []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		key := logKey(id, pos)
		if _, err := txn.Get(key); err == nil {
			return fmt.Errorf("log position %d of %s already written", pos, id)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, raw)
	})
}

// ReadLog calls fn for every log record in position order.
func (s *BadgerStore) ReadLog(id types.ReplicaID, fn func(pos uint64, raw []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		prefix := logPrefix(id)
		it := txn.NewIterator(prefixIterator(prefix))
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := item.Key()
			if len(key) != len(prefix)+8 {
				return fmt.Errorf("malformed log key %q", key)
			}
			pos := binary.BigEndian.Uint64(key[len(prefix):])
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(pos, raw); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) SaveSnapshot(id types.ReplicaID, snap SnapshotRecord) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(snapKey(id), snap.marshal())
	})
}

// LoadSnapshot returns nil without error when no snapshot was written.
func (s *BadgerStore) LoadSnapshot(id types.ReplicaID) (*SnapshotRecord, error) {
	var snap *SnapshotRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(snapKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			snap, err = unmarshalSnapshot(v)
			return err
		})
	})
	return snap, err
}

func (s *BadgerStore) SaveCapability(id types.ReplicaID, raw []byte) error {
	sum := blake2b.Sum256(raw)
	key := append(capPrefix(id), sum[:]...)
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, raw)
	})
}

func (s *BadgerStore) Capabilities(id types.ReplicaID) ([][]byte, error) {
	var out [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(prefixIterator(capPrefix(id)))
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			raw, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			out = append(out, raw)
		}
		return nil
	})
	return out, err
}

// RunValueLogGC reclaims space in the value log until nothing is rewritten.
func (s *BadgerStore) RunValueLogGC(discardRatio float64) error {
	for {
		err := s.db.RunValueLogGC(discardRatio)
		if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrRejected) || errors.Is(err, badger.ErrGCInMemoryMode) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
