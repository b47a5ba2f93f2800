package store

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLastCompletedWorkflowIDEmptyBeforeAnySet(t *testing.T) {
	s := openTestStore(t)
	id, err := s.LastCompletedWorkflowID(context.Background())
	if err != nil {
		t.Fatalf("LastCompletedWorkflowID: %v", err)
	}
	if id != "" {
		t.Errorf("id = %q, want empty before anything is set", id)
	}
}

func TestSetAndGetLastCompletedWorkflowID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SetLastCompletedWorkflowID(ctx, "contoso.fw.1"); err != nil {
		t.Fatalf("SetLastCompletedWorkflowID: %v", err)
	}
	id, err := s.LastCompletedWorkflowID(ctx)
	if err != nil {
		t.Fatalf("LastCompletedWorkflowID: %v", err)
	}
	if id != "contoso.fw.1" {
		t.Errorf("id = %q, want contoso.fw.1", id)
	}

	if err := s.SetLastCompletedWorkflowID(ctx, "contoso.fw.2"); err != nil {
		t.Fatalf("SetLastCompletedWorkflowID (overwrite): %v", err)
	}
	id, err = s.LastCompletedWorkflowID(ctx)
	if err != nil {
		t.Fatalf("LastCompletedWorkflowID: %v", err)
	}
	if id != "contoso.fw.2" {
		t.Errorf("id = %q, want the overwritten value contoso.fw.2", id)
	}
}

func TestLastGoalStateNilBeforeAnySet(t *testing.T) {
	s := openTestStore(t)
	payload, err := s.LastGoalState(context.Background())
	if err != nil {
		t.Fatalf("LastGoalState: %v", err)
	}
	if payload != nil {
		t.Errorf("payload = %q, want nil before anything is set", payload)
	}
}

func TestSetAndGetLastGoalState(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	want := []byte(`{"updateId":{"provider":"contoso","name":"fw","version":"1"}}`)
	if err := s.SetLastGoalState(ctx, want); err != nil {
		t.Fatalf("SetLastGoalState: %v", err)
	}

	got, err := s.LastGoalState(ctx)
	if err != nil {
		t.Fatalf("LastGoalState: %v", err)
	}
	if string(got) != string(want) {
		t.Errorf("payload = %q, want %q", got, want)
	}
}

func TestStatePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.db")
	ctx := context.Background()

	s1, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s1.SetLastCompletedWorkflowID(ctx, "contoso.fw.reopen"); err != nil {
		t.Fatalf("SetLastCompletedWorkflowID: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen Open: %v", err)
	}
	defer s2.Close()

	id, err := s2.LastCompletedWorkflowID(ctx)
	if err != nil {
		t.Fatalf("LastCompletedWorkflowID: %v", err)
	}
	if id != "contoso.fw.reopen" {
		t.Errorf("id = %q, want contoso.fw.reopen to survive reopening the database", id)
	}
}
