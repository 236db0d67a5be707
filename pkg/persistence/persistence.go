// Package persistence is the optional edr_connections row store backing
// the connector client's delete/force-purge hooks (spec §6 "Persisted
// state"). It is wired with gorm/postgres, the relational stack the
// evalgo-org-eve example repo brings to the pack, since nothing in the
// teacher itself persists to a SQL table.
package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// EDRConnection is a single row of edr_connections: a negotiated
// endpoint-data-reference keyed by counter party, with its checksums and an
// asset_id column that DeleteByAssetID matches on; EDRData holds the opaque
// JSON payload.
type EDRConnection struct {
	ID             uint   `gorm:"primaryKey"`
	CounterPartyID string `gorm:"column:counter_party_id;index"`
	QueryChecksum  string `gorm:"column:query_checksum;index"`
	PolicyChecksum string `gorm:"column:policy_checksum"`
	AssetID        string `gorm:"column:asset_id;index"`
	EDRData        []byte `gorm:"column:edr_data;type:jsonb"`
	CreatedAt      time.Time
}

func (EDRConnection) TableName() string { return "edr_connections" }

// Store wraps a *gorm.DB with the operations the connector client needs. It
// also keeps an in-memory mirror of the rows, updated by Save and Reload;
// the package has no read method over the mirror.
type Store struct {
	db *gorm.DB

	mu     sync.RWMutex
	mirror map[uint]EDRConnection
}

// Open connects to postgres using dsn and auto-migrates the edr_connections
// table.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("opening postgres connection: %w", err)
	}
	if err := db.AutoMigrate(&EDRConnection{}); err != nil {
		return nil, fmt.Errorf("migrating edr_connections: %w", err)
	}
	return &Store{db: db, mirror: map[uint]EDRConnection{}}, nil
}

// Save persists a negotiated connection.
func (s *Store) Save(ctx context.Context, counterPartyID, queryChecksum, policyChecksum, assetID string, edrData any) error {
	data, err := json.Marshal(edrData)
	if err != nil {
		return fmt.Errorf("marshaling edr data: %w", err)
	}
	row := EDRConnection{
		CounterPartyID: counterPartyID,
		QueryChecksum:  queryChecksum,
		PolicyChecksum: policyChecksum,
		AssetID:        assetID,
		EDRData:        data,
		CreatedAt:      time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("saving edr connection: %w", err)
	}
	s.mu.Lock()
	s.mirror[row.ID] = row
	s.mu.Unlock()
	return nil
}

// DeleteByChecksum removes rows matching the exact negotiation key.
func (s *Store) DeleteByChecksum(ctx context.Context, counterPartyID, queryChecksum, policyChecksum string) error {
	return s.db.WithContext(ctx).
		Where("counter_party_id = ? AND query_checksum = ? AND policy_checksum = ?", counterPartyID, queryChecksum, policyChecksum).
		Delete(&EDRConnection{}).Error
}

// DeleteByAssetID removes all rows for counterPartyID whose asset id
// matches, mirroring the original's
// `DELETE FROM edr_connections WHERE counter_party_id = :cpid AND edr_data->>'assetId' = :asset_id`.
// It reports whether any row was removed.
func (s *Store) DeleteByAssetID(ctx context.Context, counterPartyID, assetID string) (bool, error) {
	result := s.db.WithContext(ctx).
		Where("counter_party_id = ? AND asset_id = ?", counterPartyID, assetID).
		Delete(&EDRConnection{})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// Reload refreshes the in-memory mirror from postgres. The connector client
// calls it after a force-purge so the mirror drops deleted rows.
func (s *Store) Reload(ctx context.Context) error {
	var rows []EDRConnection
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return fmt.Errorf("reloading edr connections: %w", err)
	}
	mirror := make(map[uint]EDRConnection, len(rows))
	for _, r := range rows {
		mirror[r.ID] = r
	}
	s.mu.Lock()
	s.mirror = mirror
	s.mu.Unlock()
	return nil
}
