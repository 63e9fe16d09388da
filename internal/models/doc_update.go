package models

import (
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

/*
CRDT UPDATE LOG

Every update a client pushes is stored as its own row before anything else
happens to it. A document's state is the merge of its snapshot (if any) with
every row stored after it.

Flow:
  Client edit → binary update → DocService.PushUpdate
  → validated against the merged state → DocUpdate row → broadcast
  → every COMPACTION_THRESHOLD rows the compactor folds rows into DocSnapshot
*/

// DocUpdate stores a single binary CRDT update for a document address
type DocUpdate struct {
	ID          string    `gorm:"type:varchar(27);primaryKey" json:"id"`
	DocID       string    `gorm:"type:text;not null;index:idx_doc_updates_doc_time" json:"doc_id"` // full document address
	Workspace   string    `gorm:"type:text;not null;index" json:"workspace"`
	Update      []byte    `gorm:"type:bytea;not null" json:"-"`
	ClientID    string    `gorm:"type:varchar(20);not null" json:"client_id"` // decimal uint64
	StateVector []byte    `gorm:"type:bytea" json:"-"` // state vector of Update alone
	CreatedAt   time.Time `gorm:"index:idx_doc_updates_doc_time" json:"created_at"`
}

// BeforeCreate generates KSUID
func (u *DocUpdate) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = ksuid.New().String()
	}
	return nil
}

func (DocUpdate) TableName() string {
	return "doc_updates"
}

// DocSnapshot is the compacted state of a document: the merge of every
// update row folded into it so far.
type DocSnapshot struct {
	DocID       string    `gorm:"type:text;primaryKey" json:"doc_id"`
	Workspace   string    `gorm:"type:text;not null;index" json:"workspace"`
	Blob        []byte    `gorm:"type:bytea;not null" json:"-"`
	StateVector []byte    `gorm:"type:bytea" json:"-"`
	UpdateCount int64     `gorm:"not null;default:0" json:"update_count"` // rows folded in over its lifetime
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (DocSnapshot) TableName() string {
	return "doc_snapshots"
}

// DocumentInfo summarizes one stored document for listings
type DocumentInfo struct {
	DocID       string `json:"doc_id"`
	Workspace   string `json:"workspace"`
	Pending     int64  `json:"pending_updates"`
	HasSnapshot bool   `json:"has_snapshot"`
}
