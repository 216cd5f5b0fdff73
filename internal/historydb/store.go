package historydb

import (
	"errors"
	"strings"
	"time"

	dbmodel "lantern/cli/internal/db"

	"gorm.io/gorm"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one persisted conversation entry.
type Message struct {
	ID        int64     `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Source    string    `json:"source,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStore uses the shared process DB. Caller must not close the db.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Append(role, content, source string) (Message, error) {
	if s == nil || s.db == nil {
		return Message{}, errors.New("history store is not initialized")
	}
	role = strings.TrimSpace(role)
	if role != RoleUser && role != RoleAssistant {
		return Message{}, errors.New("role must be user or assistant")
	}
	if strings.TrimSpace(content) == "" {
		return Message{}, errors.New("content is required")
	}
	row := dbmodel.ConversationMessage{
		Role:      role,
		Content:   content,
		Source:    strings.TrimSpace(source),
		CreatedAt: s.now().UTC().UnixMilli(),
	}
	if err := s.db.Create(&row).Error; err != nil {
		return Message{}, err
	}
	return toMessage(row), nil
}

// Recent returns the last limit messages in chronological order.
func (s *Store) Recent(limit int) ([]Message, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("history store is not initialized")
	}
	if limit <= 0 {
		limit = 20
	}
	rows := make([]dbmodel.ConversationMessage, 0, limit)
	if err := s.db.Order("id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Message, len(rows))
	for i, row := range rows {
		out[len(rows)-1-i] = toMessage(row)
	}
	return out, nil
}

// LatestID returns the id of the newest message, or 0 when empty.
func (s *Store) LatestID() (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("history store is not initialized")
	}
	var id int64
	err := s.db.Model(&dbmodel.ConversationMessage{}).Select("COALESCE(MAX(id), 0)").Scan(&id).Error
	return id, err
}

// ClearThrough deletes every message with an id up to and including id.
func (s *Store) ClearThrough(id int64) error {
	if s == nil || s.db == nil {
		return errors.New("history store is not initialized")
	}
	if id <= 0 {
		return nil
	}
	return s.db.Where("id <= ?", id).Delete(&dbmodel.ConversationMessage{}).Error
}

// Close is a no-op; DB is process-wide and must not be closed by the store.
func (s *Store) Close() error {
	return nil
}

func toMessage(row dbmodel.ConversationMessage) Message {
	return Message{
		ID:        row.ID,
		Role:      row.Role,
		Content:   row.Content,
		Source:    row.Source,
		CreatedAt: time.UnixMilli(row.CreatedAt).UTC(),
	}
}
