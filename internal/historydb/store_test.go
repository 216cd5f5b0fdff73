package historydb

import (
	"path/filepath"
	"testing"

	"lantern/cli/internal/db"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	gdb, err := db.Open(filepath.Join(t.TempDir(), "lantern.db"), "")
	if err != nil {
		t.Fatalf("open db failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close(gdb) })
	st, err := NewStore(gdb)
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}
	return st
}

func TestStore_AppendAndRecentChronological(t *testing.T) {
	st := newTestStore(t)

	for _, item := range []struct{ role, content string }{
		{RoleUser, "one"},
		{RoleAssistant, "two"},
		{RoleUser, "three"},
	} {
		if _, err := st.Append(item.role, item.content, ""); err != nil {
			t.Fatalf("append %q failed: %v", item.content, err)
		}
	}

	msgs, err := st.Recent(2)
	if err != nil {
		t.Fatalf("recent failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Content != "two" || msgs[1].Content != "three" {
		t.Fatalf("unexpected order: %+v", msgs)
	}
	if msgs[0].CreatedAt.IsZero() {
		t.Fatalf("expected created_at to be set")
	}
}

func TestStore_AppendRejectsUnknownRole(t *testing.T) {
	st := newTestStore(t)
	if _, err := st.Append("tool", "x", ""); err == nil {
		t.Fatal("expected role validation error")
	}
	if _, err := st.Append(RoleUser, "  ", ""); err == nil {
		t.Fatal("expected empty content error")
	}
}

func TestStore_ClearThroughKeepsNewerMessages(t *testing.T) {
	st := newTestStore(t)
	if id, err := st.LatestID(); err != nil || id != 0 {
		t.Fatalf("expected empty latest id, got %d err=%v", id, err)
	}
	if _, err := st.Append(RoleUser, "hello", "api"); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	mark, err := st.LatestID()
	if err != nil || mark == 0 {
		t.Fatalf("latest id: %d err=%v", mark, err)
	}
	if _, err := st.Append(RoleUser, "still here?", "api"); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := st.ClearThrough(mark); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	msgs, err := st.Recent(10)
	if err != nil {
		t.Fatalf("recent after clear failed: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "still here?" {
		t.Fatalf("expected only the newer message, got %+v", msgs)
	}
	if err := st.ClearThrough(0); err != nil {
		t.Fatalf("clear through zero: %v", err)
	}
}
