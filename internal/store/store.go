// Connguard - Concurrent IP Limit Enforcement for VPN Access Panels
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/connguard

// Package store persists per-user enforcement state in an embedded
// BadgerDB database so that disables, punishment history, and group
// backups survive process restarts.
package store

import (
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	json "github.com/goccy/go-json"

	"github.com/tomtom215/connguard/internal/logging"
)

// Key prefixes. User records and group backups share one database but
// live in disjoint keyspaces.
const (
	userPrefix   = "user:"
	groupsPrefix = "groups:"
)

// UserRecord is the durable portion of a user's enforcement state.
// Rolling IP windows are rebuilt from live traffic and are not persisted.
type UserRecord struct {
	Username     string    `json:"username"`
	SpecialLimit int       `json:"special_limit,omitempty"`
	Excepted     bool      `json:"excepted,omitempty"`
	Disabled     bool      `json:"disabled,omitempty"`
	DisabledAt   time.Time `json:"disabled_at,omitempty"`
	// EnableAt is zero for permanent disables.
	EnableAt   time.Time   `json:"enable_at,omitempty"`
	Violations []time.Time `json:"violations,omitempty"`
}

// Store wraps a BadgerDB instance holding user records and group backups.
type Store struct {
	db *badger.DB
}

// Open creates or opens the database at path.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil // Suppress BadgerDB internal logs
	// State records are tiny; a 1GB value log would be wasteful.
	opts.ValueLogFileSize = 16 << 20
	opts.SyncWrites = true

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger db: %w", err)
	}

	logging.Info().Str("path", path).Msg("State store opened")
	return &Store{db: db}, nil
}

// Close flushes and closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveUser upserts a user record.
func (s *Store) SaveUser(rec UserRecord) error {
	if rec.Username == "" {
		return fmt.Errorf("save user: empty username")
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal user record: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(userPrefix+rec.Username), data)
	})
	if err != nil {
		return fmt.Errorf("save user %s: %w", rec.Username, err)
	}
	return nil
}

// DeleteUser removes a user record and any group backup for the user.
// Deleting a missing user is not an error.
func (s *Store) DeleteUser(username string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete([]byte(userPrefix + username)); err != nil {
			return err
		}
		return txn.Delete([]byte(groupsPrefix + username))
	})
	if err != nil {
		return fmt.Errorf("delete user %s: %w", username, err)
	}
	return nil
}

// LoadUsers returns every persisted user record. Records that fail to
// decode are skipped with a warning rather than aborting startup.
func (s *Store) LoadUsers() ([]UserRecord, error) {
	var records []UserRecord

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(userPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			err := item.Value(func(val []byte) error {
				var rec UserRecord
				if err := json.Unmarshal(val, &rec); err != nil {
					logging.Warn().
						Str("key", string(item.Key())).
						Err(err).
						Msg("Skipping corrupt user record")
					return nil
				}
				records = append(records, rec)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load users: %w", err)
	}
	return records, nil
}

// SaveGroups stores a backup of the user's panel group memberships taken
// before a group-based disable, so enable can restore them.
func (s *Store) SaveGroups(username string, groupIDs []int) error {
	data, err := json.Marshal(groupIDs)
	if err != nil {
		return fmt.Errorf("marshal group backup: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(groupsPrefix+username), data)
	})
	if err != nil {
		return fmt.Errorf("save groups for %s: %w", username, err)
	}
	return nil
}

// LoadGroups returns the saved group backup for a user, if one exists.
func (s *Store) LoadGroups(username string) ([]int, bool, error) {
	var groupIDs []int
	found := false

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(groupsPrefix + username))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if err := json.Unmarshal(val, &groupIDs); err != nil {
				return fmt.Errorf("decode group backup: %w", err)
			}
			found = true
			return nil
		})
	})
	if err != nil {
		return nil, false, fmt.Errorf("load groups for %s: %w", username, err)
	}
	return groupIDs, found, nil
}

// DeleteGroups removes a group backup once it has been restored.
func (s *Store) DeleteGroups(username string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(groupsPrefix + username))
	})
	if err != nil {
		return fmt.Errorf("delete groups for %s: %w", username, err)
	}
	return nil
}
