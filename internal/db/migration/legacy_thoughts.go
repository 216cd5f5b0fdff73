package migration

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const legacyThoughtsFileName = "scheduled-thoughts.json"

// legacyThought is the record shape of the JSON file store used before sqlite.
type legacyThought struct {
	ID             string            `json:"id"`
	Content        string            `json:"content"`
	Source         string            `json:"source"`
	FireDate       time.Time         `json:"fireDate"`
	RepeatInterval float64           `json:"repeatInterval,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
}

type thoughtRow struct {
	ThoughtID        string `gorm:"column:thought_id;primaryKey"`
	Content          string `gorm:"column:content"`
	Source           string `gorm:"column:source"`
	FireAt           int64  `gorm:"column:fire_at"`
	RepeatIntervalMS int64  `gorm:"column:repeat_interval_ms"`
	MetadataJSON     string `gorm:"column:metadata_json"`
	CreatedAt        int64  `gorm:"column:created_at"`
}

func (thoughtRow) TableName() string { return "scheduled_thoughts" }

func init() {
	Register("import_legacy_thoughts_json", importLegacyThoughts)
}

func importLegacyThoughts(m *Migration) error {
	dir := strings.TrimSpace(m.ConfigDir)
	if dir == "" {
		return nil
	}
	path := filepath.Join(dir, legacyThoughtsFileName)
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var legacy []legacyThought
	if err := json.Unmarshal(raw, &legacy); err != nil {
		// A corrupt legacy file is parked, not fatal.
		m.Log("legacy thoughts file unreadable: ", err)
		return os.Rename(path, path+".corrupt")
	}
	rows := make([]thoughtRow, 0, len(legacy))
	for _, item := range legacy {
		id := strings.TrimSpace(item.ID)
		if id == "" {
			continue
		}
		meta := ""
		if len(item.Metadata) > 0 {
			b, err := json.Marshal(item.Metadata)
			if err != nil {
				return fmt.Errorf("marshal metadata for %s: %w", id, err)
			}
			meta = string(b)
		}
		rows = append(rows, thoughtRow{
			ThoughtID:        id,
			Content:          item.Content,
			Source:           legacySource(item.Source),
			FireAt:           item.FireDate.UnixMilli(),
			RepeatIntervalMS: int64(item.RepeatInterval * 1000),
			MetadataJSON:     meta,
			CreatedAt:        item.CreatedAt.UnixMilli(),
		})
	}
	if len(rows) > 0 {
		err := m.DB.Transaction(func(tx *gorm.DB) error {
			return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
		})
		if err != nil {
			return err
		}
	}
	m.Log("imported legacy thoughts: ", len(rows))
	return os.Rename(path, path+".imported")
}

func legacySource(raw string) string {
	switch strings.TrimSpace(raw) {
	case "userRequested", "reminder":
		return "reminder"
	case "caringCycle", "heartbeat":
		return "heartbeat"
	case "systemEvent", "system_event":
		return "system_event"
	case "selfScheduled", "follow_up":
		return "follow_up"
	case "appLaunch", "boot":
		return "boot"
	case "preClear", "session_save":
		return "session_save"
	default:
		return "follow_up"
	}
}
