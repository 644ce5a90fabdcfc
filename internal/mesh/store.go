package mesh

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// BroadcastEntry models one queued broadcast payload whose send failed at the
// transport layer. Distinct from ack retries, which target a specific peer.
type BroadcastEntry struct {
	ID           int64  `gorm:"column:id;primaryKey;autoIncrement"`
	Payload      []byte `gorm:"column:payload;type:blob;not null"`
	Attempts     int    `gorm:"column:attempts;not null;default:0"`
	EnqueuedAtMS int64  `gorm:"column:enqueued_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (BroadcastEntry) TableName() string {
	return "broadcast_queue"
}

// StoreConfig describes the dependencies of the mesh persistence layer.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Store persists peer records and the broadcast retry queue.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStore validates the configuration and returns a mesh store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("mesh: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Store{db: cfg.Database, now: clock}, nil
}

// UpsertPeer stores the latest observation of a remote device.
func (s *Store) UpsertPeer(ctx context.Context, peer Peer) error {
	record := recordFromPeer(peer)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "device_id"}},
		UpdateAll: true,
	}).Create(&record).Error
}

// LoadPeers returns every persisted peer record.
func (s *Store) LoadPeers(ctx context.Context) ([]PeerRecord, error) {
	var records []PeerRecord
	if err := s.db.WithContext(ctx).Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// EnqueueBroadcast appends a payload to the persistent retry queue.
func (s *Store) EnqueueBroadcast(ctx context.Context, payload []byte) error {
	entry := BroadcastEntry{
		Payload:      payload,
		EnqueuedAtMS: s.now().UnixMilli(),
	}
	return s.db.WithContext(ctx).Create(&entry).Error
}

// NextBroadcasts returns up to limit queued payloads below the attempt cap,
// oldest first, and prunes entries at or past the cap.
func (s *Store) NextBroadcasts(ctx context.Context, maxAttempts int, limit int) ([]BroadcastEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	if err := s.db.WithContext(ctx).
		Where("attempts >= ?", maxAttempts).
		Delete(&BroadcastEntry{}).Error; err != nil {
		return nil, err
	}
	var entries []BroadcastEntry
	if err := s.db.WithContext(ctx).
		Where("attempts < ?", maxAttempts).
		Order("id ASC").
		Limit(limit).
		Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// BumpBroadcastAttempts increments the attempt counter for a queued payload.
func (s *Store) BumpBroadcastAttempts(ctx context.Context, id int64) error {
	return s.db.WithContext(ctx).Model(&BroadcastEntry{}).
		Where("id = ?", id).
		UpdateColumn("attempts", gorm.Expr("attempts + 1")).Error
}

// DeleteBroadcast removes a queued payload after a successful send.
func (s *Store) DeleteBroadcast(ctx context.Context, id int64) error {
	return s.db.WithContext(ctx).Delete(&BroadcastEntry{}, id).Error
}

// PendingBroadcasts returns the queue depth for health reporting.
func (s *Store) PendingBroadcasts(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&BroadcastEntry{}).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
