// Connguard - Concurrent IP Limit Enforcement for VPN Access Panels
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/connguard

package store

import (
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return s
}

func TestSaveAndLoadUsers(t *testing.T) {
	s := newTestStore(t)

	now := time.Now().UTC().Truncate(time.Second)
	alice := UserRecord{
		Username:   "alice",
		Disabled:   true,
		DisabledAt: now,
		EnableAt:   now.Add(10 * time.Minute),
		Violations: []time.Time{now.Add(-time.Hour), now},
	}
	bob := UserRecord{
		Username:     "bob",
		SpecialLimit: 5,
		Excepted:     true,
	}

	if err := s.SaveUser(alice); err != nil {
		t.Fatalf("SaveUser(alice): %v", err)
	}
	if err := s.SaveUser(bob); err != nil {
		t.Fatalf("SaveUser(bob): %v", err)
	}

	records, err := s.LoadUsers()
	if err != nil {
		t.Fatalf("LoadUsers: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("LoadUsers returned %d records, want 2", len(records))
	}

	byName := make(map[string]UserRecord, len(records))
	for _, rec := range records {
		byName[rec.Username] = rec
	}

	got := byName["alice"]
	if !got.Disabled || !got.EnableAt.Equal(alice.EnableAt) {
		t.Errorf("alice record = %+v, want %+v", got, alice)
	}
	if len(got.Violations) != 2 {
		t.Errorf("alice violations = %d, want 2", len(got.Violations))
	}
	if b := byName["bob"]; b.SpecialLimit != 5 || !b.Excepted {
		t.Errorf("bob record = %+v", b)
	}
}

func TestSaveUserOverwrites(t *testing.T) {
	s := newTestStore(t)

	if err := s.SaveUser(UserRecord{Username: "alice", SpecialLimit: 3}); err != nil {
		t.Fatalf("SaveUser: %v", err)
	}
	if err := s.SaveUser(UserRecord{Username: "alice", SpecialLimit: 7}); err != nil {
		t.Fatalf("SaveUser: %v", err)
	}

	records, err := s.LoadUsers()
	if err != nil {
		t.Fatalf("LoadUsers: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	if records[0].SpecialLimit != 7 {
		t.Errorf("SpecialLimit = %d, want 7", records[0].SpecialLimit)
	}
}

func TestSaveUserEmptyUsername(t *testing.T) {
	s := newTestStore(t)
	if err := s.SaveUser(UserRecord{}); err == nil {
		t.Error("SaveUser with empty username should fail")
	}
}

func TestDeleteUserRemovesGroupsToo(t *testing.T) {
	s := newTestStore(t)

	if err := s.SaveUser(UserRecord{Username: "alice"}); err != nil {
		t.Fatalf("SaveUser: %v", err)
	}
	if err := s.SaveGroups("alice", []int{1, 2}); err != nil {
		t.Fatalf("SaveGroups: %v", err)
	}

	if err := s.DeleteUser("alice"); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}

	records, err := s.LoadUsers()
	if err != nil {
		t.Fatalf("LoadUsers: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("got %d records after delete, want 0", len(records))
	}
	if _, found, err := s.LoadGroups("alice"); err != nil || found {
		t.Errorf("LoadGroups after delete: found=%v err=%v", found, err)
	}
}

func TestDeleteMissingUser(t *testing.T) {
	s := newTestStore(t)
	if err := s.DeleteUser("ghost"); err != nil {
		t.Errorf("DeleteUser(ghost): %v", err)
	}
}

func TestGroupBackupRoundTrip(t *testing.T) {
	s := newTestStore(t)

	if _, found, err := s.LoadGroups("alice"); err != nil || found {
		t.Fatalf("LoadGroups before save: found=%v err=%v", found, err)
	}

	if err := s.SaveGroups("alice", []int{4, 9, 2}); err != nil {
		t.Fatalf("SaveGroups: %v", err)
	}

	groups, found, err := s.LoadGroups("alice")
	if err != nil {
		t.Fatalf("LoadGroups: %v", err)
	}
	if !found {
		t.Fatal("group backup not found after save")
	}
	if len(groups) != 3 || groups[0] != 4 || groups[1] != 9 || groups[2] != 2 {
		t.Errorf("groups = %v, want [4 9 2]", groups)
	}

	if err := s.DeleteGroups("alice"); err != nil {
		t.Fatalf("DeleteGroups: %v", err)
	}
	if _, found, err := s.LoadGroups("alice"); err != nil || found {
		t.Errorf("LoadGroups after delete: found=%v err=%v", found, err)
	}
}

func TestEmptyGroupBackupIsFound(t *testing.T) {
	s := newTestStore(t)

	if err := s.SaveGroups("alice", nil); err != nil {
		t.Fatalf("SaveGroups: %v", err)
	}
	groups, found, err := s.LoadGroups("alice")
	if err != nil {
		t.Fatalf("LoadGroups: %v", err)
	}
	if !found {
		t.Error("empty backup should still be found")
	}
	if len(groups) != 0 {
		t.Errorf("groups = %v, want empty", groups)
	}
}

func TestReopenPreservesRecords(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.SaveUser(UserRecord{Username: "alice", Disabled: true}); err != nil {
		t.Fatalf("SaveUser: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	records, err := s2.LoadUsers()
	if err != nil {
		t.Fatalf("LoadUsers: %v", err)
	}
	if len(records) != 1 || !records[0].Disabled {
		t.Errorf("records after reopen = %+v", records)
	}
}
