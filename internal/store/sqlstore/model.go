package sqlstore

import "github.com/MarcoPoloResearchLab/difflog/internal/store"

// SetMember stores one member of a ranked set.
type SetMember struct {
	SetKey string `gorm:"column:set_key;primaryKey;size:512;not null;index:idx_set_members_order,priority:1"`
	Member string `gorm:"column:member;primaryKey;size:512;not null;index:idx_set_members_order,priority:3"`
	Score  int64  `gorm:"column:score;not null;index:idx_set_members_order,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (SetMember) TableName() string {
	return "store_set_members"
}

// KeyValue stores a plain value.
type KeyValue struct {
	Key   string `gorm:"column:kv_key;primaryKey;size:1024;not null"`
	Value string `gorm:"column:kv_value;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (KeyValue) TableName() string {
	return "store_values"
}

// LogEntry stores one append-only log entry.
type LogEntry struct {
	LogKey string        `gorm:"column:log_key;primaryKey;size:512;not null"`
	Millis int64         `gorm:"column:id_ms;primaryKey;not null;autoIncrement:false"`
	Seq    int64         `gorm:"column:id_seq;primaryKey;not null;autoIncrement:false"`
	Fields []store.Field `gorm:"column:fields_json;type:text;not null;serializer:json"`
}

// TableName provides the explicit table binding for GORM.
func (LogEntry) TableName() string {
	return "store_log_entries"
}

// LogHead tracks the last id assigned per log.
type LogHead struct {
	LogKey     string `gorm:"column:log_key;primaryKey;size:512;not null"`
	LastMillis int64  `gorm:"column:last_ms;not null"`
	LastSeq    int64  `gorm:"column:last_seq;not null"`
}

// TableName provides the explicit table binding for GORM.
func (LogHead) TableName() string {
	return "store_log_heads"
}

// Membership stores one member of an unranked set.
type Membership struct {
	SetKey string `gorm:"column:set_key;primaryKey;size:512;not null"`
	Member string `gorm:"column:member;primaryKey;size:512;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Membership) TableName() string {
	return "store_memberships"
}

// Models lists every table the adapter needs, for AutoMigrate.
func Models() []any {
	return []any{&SetMember{}, &KeyValue{}, &LogEntry{}, &LogHead{}, &Membership{}}
}
