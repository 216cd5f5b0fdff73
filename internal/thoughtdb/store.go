package thoughtdb

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	dbmodel "lantern/cli/internal/db"
	"lantern/cli/internal/thoughts"

	"gorm.io/gorm"
)

// Store persists the scheduler's thought set as full snapshots.
type Store struct {
	db *gorm.DB
}

var _ thoughts.Persister = (*Store)(nil)

// NewStore uses the shared process DB. Caller must not close the db.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	return &Store{db: db}, nil
}

func (s *Store) LoadThoughts() ([]thoughts.Thought, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("thought store is not initialized")
	}
	var rows []dbmodel.ScheduledThought
	if err := s.db.Order("fire_at ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]thoughts.Thought, 0, len(rows))
	for _, row := range rows {
		t, err := fromRow(row)
		if err != nil {
			return nil, fmt.Errorf("decode thought %s: %w", row.ThoughtID, err)
		}
		out = append(out, t)
	}
	return out, nil
}

// SaveThoughts replaces the stored set with items in one transaction.
func (s *Store) SaveThoughts(items []thoughts.Thought) error {
	if s == nil || s.db == nil {
		return errors.New("thought store is not initialized")
	}
	rows := make([]dbmodel.ScheduledThought, 0, len(items))
	for _, t := range items {
		row, err := toRow(t)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&dbmodel.ScheduledThought{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Create(&rows).Error
	})
}

func toRow(t thoughts.Thought) (dbmodel.ScheduledThought, error) {
	meta := ""
	if len(t.Metadata) > 0 {
		b, err := json.Marshal(t.Metadata)
		if err != nil {
			return dbmodel.ScheduledThought{}, err
		}
		meta = string(b)
	}
	return dbmodel.ScheduledThought{
		ThoughtID:        t.ID,
		Content:          t.Content,
		Source:           string(t.Source),
		FireAt:           t.FireDate.UnixMilli(),
		RepeatIntervalMS: t.RepeatInterval.Milliseconds(),
		MetadataJSON:     meta,
		CreatedAt:        t.CreatedAt.UnixMilli(),
	}, nil
}

func fromRow(row dbmodel.ScheduledThought) (thoughts.Thought, error) {
	var meta map[string]string
	if row.MetadataJSON != "" {
		if err := json.Unmarshal([]byte(row.MetadataJSON), &meta); err != nil {
			return thoughts.Thought{}, err
		}
	}
	source, ok := thoughts.ParseSource(row.Source)
	if !ok {
		source = thoughts.SourceFollowUp
	}
	return thoughts.Thought{
		ID:             row.ThoughtID,
		Content:        row.Content,
		Source:         source,
		FireDate:       time.UnixMilli(row.FireAt),
		RepeatInterval: time.Duration(row.RepeatIntervalMS) * time.Millisecond,
		Metadata:       meta,
		CreatedAt:      time.UnixMilli(row.CreatedAt),
	}, nil
}
