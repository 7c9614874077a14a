package cache

import "time"

// Row is the GORM model for the request_cache table described by the
// external interface: one row per (fingerprint, host) pair, pointing at
// the batch and custom_id a matching request can resume onto.
type Row struct {
	Fingerprint string `gorm:"column:fingerprint;primaryKey"`
	Provider    string `gorm:"column:provider;not null"`
	Host        string `gorm:"column:host;primaryKey"`
	BatchID     string `gorm:"column:batch_id;not null"`
	CustomID    string `gorm:"column:custom_id;not null"`
	CreatedAt   int64  `gorm:"column:created_at;not null;index:idx_request_cache_created_at"`
}

// TableName pins the GORM model to the literal table name the external
// interface specifies, independent of GORM's default pluralization.
func (Row) TableName() string { return "request_cache" }

// NewRow stamps CreatedAt with the current time.
func NewRow(fingerprint, provider, host, batchID, customID string) Row {
	return Row{
		Fingerprint: fingerprint,
		Provider:    provider,
		Host:        host,
		BatchID:     batchID,
		CustomID:    customID,
		CreatedAt:   time.Now().Unix(),
	}
}
