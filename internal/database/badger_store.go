package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/logger"
)

const (
	sessionKeyPrefix = "session:"
	patternKeyPrefix = "patterns:"
	badgerGCInterval = 5 * time.Minute
)

// BadgerStore keeps sessions in an embedded BadgerDB directory.
type BadgerStore struct {
	db *badger.DB

	gcStopCh chan struct{}
	gcDone   chan struct{}
	closed   bool
	mu       sync.Mutex
}

var _ SessionRepository = (*BadgerStore)(nil)

func NewBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	opts.SyncWrites = false
	opts.NumVersionsToKeep = 1

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("error occured while opening badger database: %w", err)
	}

	s := &BadgerStore{
		db:       db,
		gcStopCh: make(chan struct{}),
		gcDone:   make(chan struct{}),
	}
	go s.runGC()
	logger.InfoF("Badger session store opened at %s", dir)
	return s, nil
}

func (s *BadgerStore) get(key string, out any) error {
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrSessionNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, out)
		})
	})
}

func (s *BadgerStore) set(key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
}

func (s *BadgerStore) GetSession(_ context.Context, clientID string) (*SessionData, error) {
	if clientID == "" {
		return nil, ErrClientIDEmpty
	}
	var session SessionData
	if err := s.get(sessionKeyPrefix+clientID, &session); err != nil {
		return nil, fmt.Errorf("database operation failed: %s: %w", clientID, err)
	}
	return &session, nil
}

func (s *BadgerStore) SaveSession(_ context.Context, session *SessionData) error {
	if session.ClientID == "" {
		return ErrClientIDEmpty
	}
	if err := s.set(sessionKeyPrefix+session.ClientID, session); err != nil {
		return fmt.Errorf("database operation failed: %w", err)
	}
	logger.DebugF("Session saved: client_id=%s, subscriptions=%d, queued=%d",
		session.ClientID, len(session.Subscriptions), len(session.Queue))
	return nil
}

func (s *BadgerStore) DeleteSession(_ context.Context, clientID string) error {
	if clientID == "" {
		return ErrClientIDEmpty
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(sessionKeyPrefix + clientID))
	})
	if err != nil {
		return fmt.Errorf("database operation failed: %w", err)
	}
	return nil
}

func (s *BadgerStore) ListSessions(_ context.Context) ([]*SessionData, error) {
	var sessions []*SessionData
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(sessionKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var session SessionData
				if err := json.Unmarshal(val, &session); err != nil {
					return err
				}
				sessions = append(sessions, &session)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("database operation failed: %w", err)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ClientID < sessions[j].ClientID })
	return sessions, nil
}

func (s *BadgerStore) GetPatterns(_ context.Context, clientID string) ([]string, error) {
	if clientID == "" {
		return nil, ErrClientIDEmpty
	}
	var set PatternSet
	if err := s.get(patternKeyPrefix+clientID, &set); err != nil {
		return nil, fmt.Errorf("database operation failed: %s: %w", clientID, err)
	}
	return set.Patterns, nil
}

func (s *BadgerStore) SavePatterns(_ context.Context, clientID string, patterns []string) error {
	if clientID == "" {
		return ErrClientIDEmpty
	}
	if err := s.set(patternKeyPrefix+clientID, PatternSet{ClientID: clientID, Patterns: patterns}); err != nil {
		return fmt.Errorf("database operation failed: %w", err)
	}
	return nil
}

func (s *BadgerStore) Close(_ context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	logger.InfoF("Closing badger session store")
	close(s.gcStopCh)
	<-s.gcDone
	return s.db.Close()
}

func (s *BadgerStore) runGC() {
	defer close(s.gcDone)

	ticker := time.NewTicker(badgerGCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = s.db.RunValueLogGC(0.5)
		case <-s.gcStopCh:
			return
		}
	}
}
