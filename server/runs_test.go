package server

import (
	"testing"
	"time"
)

func TestRunStore_AddLookup(t *testing.T) {
	s := NewRunStore()

	id := s.Add(&Run{Entry: "main", ExitCode: 3})
	if id == "" {
		t.Fatal("Add returned empty id")
	}
	r, ok := s.Lookup(id)
	if !ok {
		t.Fatal("Lookup should find the run")
	}
	if r.ID != id || r.ExitCode != 3 {
		t.Errorf("run = %+v", r)
	}
	if s.Len() != 1 {
		t.Errorf("Len = %d, want 1", s.Len())
	}
}

func TestRunStore_UniqueIDs(t *testing.T) {
	s := NewRunStore()
	a := s.Add(&Run{})
	b := s.Add(&Run{})
	if a == b {
		t.Errorf("ids collide: %s", a)
	}
}

func TestRunStore_Release(t *testing.T) {
	s := NewRunStore()
	id := s.Add(&Run{})
	s.Release(id)
	if _, ok := s.Lookup(id); ok {
		t.Error("released run should not be found")
	}
}

func TestRunStore_Sweep(t *testing.T) {
	s := NewRunStore()
	old := s.Add(&Run{})
	fresh := s.Add(&Run{})

	s.mu.Lock()
	s.runs[old].lastUsed = time.Now().Add(-time.Hour)
	s.mu.Unlock()

	if n := s.Sweep(time.Minute); n != 1 {
		t.Errorf("Sweep removed %d, want 1", n)
	}
	if _, ok := s.Lookup(old); ok {
		t.Error("expired run should be swept")
	}
	if _, ok := s.Lookup(fresh); !ok {
		t.Error("fresh run should survive the sweep")
	}
}

func TestRunStore_LookupRefreshes(t *testing.T) {
	s := NewRunStore()
	id := s.Add(&Run{})

	s.mu.Lock()
	s.runs[id].lastUsed = time.Now().Add(-time.Hour)
	s.mu.Unlock()

	s.Lookup(id)
	if n := s.Sweep(time.Minute); n != 0 {
		t.Errorf("Sweep removed %d recently read runs", n)
	}
}

func TestRunStore_StartSweeper(t *testing.T) {
	s := NewRunStore()
	id := s.Add(&Run{})
	s.mu.Lock()
	s.runs[id].lastUsed = time.Now().Add(-time.Hour)
	s.mu.Unlock()

	stop := s.StartSweeper(5*time.Millisecond, time.Minute)
	defer stop()

	deadline := time.Now().Add(2 * time.Second)
	for s.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.Len() != 0 {
		t.Error("sweeper did not remove the expired run")
	}
}
