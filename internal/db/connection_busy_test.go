package db

import (
	"path/filepath"
	"testing"
)

func TestOpen_SetsBusyTimeout(t *testing.T) {
	gdb, err := Open(filepath.Join(t.TempDir(), "lantern.db"), "")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer Close(gdb)

	var timeout int
	if err := gdb.Raw(`PRAGMA busy_timeout;`).Scan(&timeout).Error; err != nil {
		t.Fatalf("query busy_timeout failed: %v", err)
	}
	if timeout < 5000 {
		t.Fatalf("expected busy_timeout >= 5000, got %d", timeout)
	}
}

func TestOpen_AcceptsMemoryDSN(t *testing.T) {
	gdb, err := Open("file:lantern_db_mem?mode=memory&cache=shared", "")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer Close(gdb)
	if err := gdb.Exec(`SELECT 1`).Error; err != nil {
		t.Fatalf("exec failed: %v", err)
	}
}
