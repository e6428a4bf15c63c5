package audit

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestAuditor(t *testing.T) *Auditor {
	t.Helper()
	a, err := Open(filepath.Join(t.TempDir(), "audit.db"), 30)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return a
}

func TestLogAndForSession(t *testing.T) {
	a := newTestAuditor(t)

	a.Log("s-1", "alice", ActionSessionCreated, "deploy@10.0.0.9:22")
	a.Log("s-1", "", ActionSessionConnected, "")
	a.Log("s-2", "bob", ActionSessionCreated, "deploy@10.0.0.10:22")
	a.Log("s-1", "bob", ActionViewerAttached, "")

	records, err := a.ForSession("s-1")
	if err != nil {
		t.Fatalf("ForSession: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d records for s-1, want 3", len(records))
	}

	wantActions := []string{ActionSessionCreated, ActionSessionConnected, ActionViewerAttached}
	for i, r := range records {
		if r.Action != wantActions[i] {
			t.Errorf("record %d action = %q, want %q", i, r.Action, wantActions[i])
		}
		if r.SessionID != "s-1" {
			t.Errorf("record %d session = %q, want s-1", i, r.SessionID)
		}
	}
	if records[0].Participant != "alice" || records[0].Detail != "deploy@10.0.0.9:22" {
		t.Errorf("first record fields wrong: %+v", records[0])
	}
}

func TestForSession_Empty(t *testing.T) {
	a := newTestAuditor(t)
	records, err := a.ForSession("no-such-session")
	if err != nil {
		t.Fatalf("ForSession: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("got %d records, want none", len(records))
	}
}

func TestSweep_RemovesOnlyExpiredRecords(t *testing.T) {
	a := newTestAuditor(t)

	now := time.Now()
	a.nowFn = func() time.Time { return now.AddDate(0, 0, -45) }
	a.Log("s-old", "alice", ActionSessionCreated, "")
	a.Log("s-old", "alice", ActionSessionClosed, "")

	a.nowFn = func() time.Time { return now }
	a.Log("s-new", "bob", ActionSessionCreated, "")

	if removed := a.Sweep(); removed != 2 {
		t.Errorf("Sweep removed %d records, want 2", removed)
	}

	old, err := a.ForSession("s-old")
	if err != nil {
		t.Fatalf("ForSession s-old: %v", err)
	}
	if len(old) != 0 {
		t.Errorf("expired records survived the sweep: %+v", old)
	}
	fresh, err := a.ForSession("s-new")
	if err != nil {
		t.Fatalf("ForSession s-new: %v", err)
	}
	if len(fresh) != 1 {
		t.Errorf("fresh record was swept; got %d records", len(fresh))
	}
}

func TestSweep_NothingToRemove(t *testing.T) {
	a := newTestAuditor(t)
	a.Log("s-1", "alice", ActionSessionCreated, "")
	if removed := a.Sweep(); removed != 0 {
		t.Errorf("Sweep removed %d records from a fresh log", removed)
	}
}
