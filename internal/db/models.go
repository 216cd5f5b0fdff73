package db

// Timestamps are unix milliseconds.

type ScheduledThought struct {
	ThoughtID        string `gorm:"column:thought_id;primaryKey"`
	Content          string `gorm:"column:content;not null;default:''"`
	Source           string `gorm:"column:source;not null;default:''"`
	FireAt           int64  `gorm:"column:fire_at;not null;default:0"`
	RepeatIntervalMS int64  `gorm:"column:repeat_interval_ms;not null;default:0"`
	MetadataJSON     string `gorm:"column:metadata_json;not null;default:''"`
	CreatedAt        int64  `gorm:"column:created_at;not null;default:0"`
}

func (ScheduledThought) TableName() string { return "scheduled_thoughts" }

type ConversationMessage struct {
	ID        int64  `gorm:"column:id;primaryKey;autoIncrement"`
	Role      string `gorm:"column:role;not null;default:''"`
	Content   string `gorm:"column:content;not null;default:''"`
	Source    string `gorm:"column:source;not null;default:''"`
	CreatedAt int64  `gorm:"column:created_at;not null;default:0"`
}

func (ConversationMessage) TableName() string { return "conversation_messages" }

type Config struct {
	Key       string `gorm:"column:key;primaryKey"`
	Value     string `gorm:"column:value;not null;default:''"`
	UpdatedAt int64  `gorm:"column:updated_at;not null;default:0"`
}

func (Config) TableName() string { return "config" }
