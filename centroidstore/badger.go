package centroidstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/tessera-ai/fedsearch"
	"github.com/tessera-ai/fedsearch/config"
)

// BadgerStore persists centroids in an embedded Badger database, for
// single-node deployments that run without Redis. Badger's entry TTL gives
// the same expire-together behavior as the Redis layout.
type BadgerStore struct {
	db     *badger.DB
	logger *zap.Logger
}

var _ fedsearch.CentroidStore = (*BadgerStore)(nil)

// NewBadger opens (or creates) the database at cfg.Path. With cfg.InMemory
// nothing touches disk; that mode exists for tests and dev.
func NewBadger(cfg config.BadgerConfig, logger *zap.Logger) (*BadgerStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := badger.DefaultOptions(cfg.Path).WithLogger(nil)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", cfg.Path, err)
	}
	logger.Info("badger centroid store opened",
		zap.String("path", cfg.Path), zap.Bool("in_memory", cfg.InMemory))
	return &BadgerStore{db: db, logger: logger}, nil
}

func (s *BadgerStore) Get(ctx context.Context, tenant, tag string) (fedsearch.Centroid, bool, error) {
	if err := ctx.Err(); err != nil {
		return fedsearch.Centroid{}, false, err
	}
	var (
		vb []byte
		mb []byte
	)
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(vectorKey(tenant, tag)))
		if err != nil {
			return err
		}
		if vb, err = item.ValueCopy(nil); err != nil {
			return err
		}
		mitem, err := txn.Get([]byte(metaKey(tenant, tag)))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		mb, err = mitem.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fedsearch.Centroid{}, false, nil
	}
	if err != nil {
		return fedsearch.Centroid{}, false, fmt.Errorf("get centroid %s:%s: %w", tenant, tag, err)
	}
	vec, err := decodeVector(vb)
	if err != nil {
		return fedsearch.Centroid{}, false, fmt.Errorf("decode centroid %s:%s: %w", tenant, tag, err)
	}
	return assemble(vec, mb), true, nil
}

func (s *BadgerStore) Put(ctx context.Context, tenant, tag string, c fedsearch.Centroid, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(c.Vector) == 0 {
		return fmt.Errorf("put centroid %s:%s: empty vector", tenant, tag)
	}
	mb, err := encodeMeta(c)
	if err != nil {
		return fmt.Errorf("encode centroid meta %s:%s: %w", tenant, tag, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		ve := badger.NewEntry([]byte(vectorKey(tenant, tag)), encodeVector(c.Vector))
		me := badger.NewEntry([]byte(metaKey(tenant, tag)), mb)
		if ttl > 0 {
			ve = ve.WithTTL(ttl)
			me = me.WithTTL(ttl)
		}
		if err := txn.SetEntry(ve); err != nil {
			return err
		}
		return txn.SetEntry(me)
	})
	if err != nil {
		return fmt.Errorf("put centroid %s:%s: %w", tenant, tag, err)
	}
	s.logger.Debug("centroid stored",
		zap.String("tenant", tenant), zap.String("tag", tag),
		zap.Int("dimension", len(c.Vector)), zap.Duration("ttl", ttl))
	return nil
}

func (s *BadgerStore) Delete(ctx context.Context, tenant, tag string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete([]byte(vectorKey(tenant, tag))); err != nil {
			return err
		}
		return txn.Delete([]byte(metaKey(tenant, tag)))
	})
	if err != nil {
		return fmt.Errorf("delete centroid %s:%s: %w", tenant, tag, err)
	}
	return nil
}

func (s *BadgerStore) Scan(ctx context.Context, tenant string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := []byte(vectorPrefix + tenant + ":")
	var tags []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			tags = append(tags, strings.TrimPrefix(string(it.Item().Key()), string(prefix)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan centroids for %s: %w", tenant, err)
	}
	return tags, nil
}

// Ping reports whether the database is still open. There is no remote
// endpoint behind an embedded store.
func (s *BadgerStore) Ping(ctx context.Context) error {
	if s.db.IsClosed() {
		return errors.New("badger store is closed")
	}
	return nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
