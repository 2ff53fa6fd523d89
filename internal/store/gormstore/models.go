package gormstore

import (
	"time"

	"gorm.io/datatypes"
)

// StoredDocument mirrors the documents table. Every logical index shares it.
type StoredDocument struct {
	IndexName  string         `gorm:"primaryKey;size:255"`
	DocumentID string         `gorm:"primaryKey;size:512"`
	Body       datatypes.JSON `gorm:"not null"`
	CreatedAt  time.Time      `gorm:"not null"`
	UpdatedAt  time.Time      `gorm:"not null;index:idx_documents_updated"`
}

func (StoredDocument) TableName() string { return "documents" }
