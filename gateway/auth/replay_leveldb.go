package auth

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var (
	prefixSeen = []byte("seen/")
	prefixAge  = []byte("age/")
)

// LevelDBReplayStore persists claimed nonces so a restart does not reopen
// the replay window. Keys:
//
//	seen/<key>\x00<nonce>            -> claim time (unix nanos, big endian)
//	age/<nanos:020d>/<key>\x00<nonce> -> empty, ordered for pruning
type LevelDBReplayStore struct {
	mu sync.Mutex
	db *leveldb.DB
}

// OpenLevelDBReplayStore opens the nonce store at path so replays are caught
// across restarts.
func OpenLevelDBReplayStore(path string) (*LevelDBReplayStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("auth: replay store path required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("auth: replay store path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("auth: open replay store: %w", err)
	}
	return &LevelDBReplayStore{db: db}, nil
}

func (s *LevelDBReplayStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *LevelDBReplayStore) Claim(_ context.Context, keyID, nonce string, at time.Time) (bool, error) {
	member := keyID + "\x00" + nonce
	seenKey := append(append([]byte(nil), prefixSeen...), member...)

	s.mu.Lock()
	defer s.mu.Unlock()
	has, err := s.db.Has(seenKey, nil)
	if err != nil {
		return false, err
	}
	if has {
		return false, nil
	}
	nanos := at.UTC().UnixNano()
	stamp := make([]byte, 8)
	binary.BigEndian.PutUint64(stamp, uint64(nanos))

	batch := new(leveldb.Batch)
	batch.Put(seenKey, stamp)
	batch.Put(ageKey(nanos, member), nil)
	if err := s.db.Write(batch, nil); err != nil {
		return false, err
	}
	return true, nil
}

// Prune forgets nonces claimed before the cutoff.
func (s *LevelDBReplayStore) Prune(ctx context.Context, before time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	limit := ageKey(before.UTC().UnixNano(), "")
	iter := s.db.NewIterator(&util.Range{Start: prefixAge, Limit: limit}, nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		key := append([]byte(nil), iter.Key()...)
		// age/<20 digits>/<member>
		rest := key[len(prefixAge):]
		if len(rest) < 21 {
			batch.Delete(key)
			continue
		}
		batch.Delete(key)
		batch.Delete(append(append([]byte(nil), prefixSeen...), rest[21:]...))
	}
	if err := iter.Error(); err != nil {
		return err
	}
	if batch.Len() == 0 {
		return nil
	}
	return s.db.Write(batch, nil)
}

func ageKey(nanos int64, member string) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", prefixAge, nanos, member))
}
