package kv

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout: values under "v/<key>", set members under "s/<set>\x00<member>".
const (
	valuePrefix = "v/"
	setPrefix   = "s/"
	setSep      = "\x00"
)

// LevelDBStore persists to a local LevelDB directory. A single process
// owns the directory; writes are serialized by mu so Claim can check and
// write without a race.
type LevelDBStore struct {
	mu sync.Mutex
	db *leveldb.DB
}

// OpenLevelDB opens or creates the database at path.
func OpenLevelDB(path string) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return &LevelDBStore{db: db}, nil
}

var _ Store = (*LevelDBStore)(nil)

func valueKey(key string) []byte { return []byte(valuePrefix + key) }

func memberKey(set, member string) []byte {
	return []byte(setPrefix + set + setSep + member)
}

func (l *LevelDBStore) Get(_ context.Context, key string) ([]byte, error) {
	v, err := l.db.Get(valueKey(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, mapClosed(err)
	}
	return v, nil
}

func (l *LevelDBStore) Put(_ context.Context, key string, value []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return mapClosed(l.db.Put(valueKey(key), value, nil))
}

func (l *LevelDBStore) Delete(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return mapClosed(l.db.Delete(valueKey(key), nil))
}

func (l *LevelDBStore) Claim(_ context.Context, key string, value []byte) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	exists, err := l.db.Has(valueKey(key), nil)
	if err != nil {
		return false, mapClosed(err)
	}
	if exists {
		return false, nil
	}
	if err := l.db.Put(valueKey(key), value, nil); err != nil {
		return false, mapClosed(err)
	}
	return true, nil
}

func (l *LevelDBStore) Members(_ context.Context, set string) ([]string, error) {
	prefix := []byte(setPrefix + set + setSep)
	iter := l.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	var out []string
	for iter.Next() {
		out = append(out, string(iter.Key()[len(prefix):]))
	}
	if err := iter.Error(); err != nil {
		return nil, mapClosed(err)
	}
	if out == nil {
		out = []string{}
	}
	return out, nil
}

func (l *LevelDBStore) Commit(_ context.Context, b *Batch) error {
	batch := new(leveldb.Batch)
	for _, o := range b.ops {
		switch o.kind {
		case opPut:
			batch.Put(valueKey(o.key), o.value)
		case opDelete:
			batch.Delete(valueKey(o.key))
		case opAdd:
			batch.Put(memberKey(o.key, o.member), nil)
		case opRemove:
			batch.Delete(memberKey(o.key, o.member))
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return mapClosed(l.db.Write(batch, nil))
}

func (l *LevelDBStore) Ping(context.Context) error {
	_, err := l.db.GetProperty("leveldb.stats")
	return mapClosed(err)
}

func (l *LevelDBStore) Close() error {
	return l.db.Close()
}

func mapClosed(err error) error {
	if errors.Is(err, leveldb.ErrClosed) {
		return ErrClosed
	}
	return err
}
