package migration

import (
	"fmt"
	"sync"

	"gorm.io/gorm"
)

type step struct {
	name string
	run  func(*Migration) error
}

var (
	stepsMu sync.Mutex
	steps   []step
)

// Migration is passed to each migration step. DB and ConfigDir are set by RunAll.
type Migration struct {
	DB        *gorm.DB
	ConfigDir string
	logs      []string
}

func (m *Migration) Log(v ...interface{}) {
	m.logs = append(m.logs, fmt.Sprint(v...))
}

// Logs returns the messages recorded by the step that ran last.
func (m *Migration) Logs() []string {
	return append([]string(nil), m.logs...)
}

// Register appends a named step. Steps run in registration order and must be idempotent.
func Register(name string, run func(*Migration) error) {
	stepsMu.Lock()
	defer stepsMu.Unlock()
	for _, s := range steps {
		if s.name == name {
			return
		}
	}
	steps = append(steps, step{name: name, run: run})
}

// RunAll runs all registered migrations in order. Used for data/behavior one-shots; schema is synced via db.SyncSchema.
func RunAll(db *gorm.DB, configDir string) error {
	if db == nil {
		return fmt.Errorf("db is required")
	}
	stepsMu.Lock()
	registered := append([]step(nil), steps...)
	stepsMu.Unlock()

	ctx := &Migration{DB: db, ConfigDir: configDir}
	for _, s := range registered {
		ctx.logs = nil
		if err := s.run(ctx); err != nil {
			return fmt.Errorf("migration %s failed: %w", s.name, err)
		}
	}
	return nil
}
