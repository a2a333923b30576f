package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"kiwi-bridge/internal/wire"
)

// EventRecord is one dispatched event in the local history table. DeviceTime
// is the device's own timestamp as reported; ReceivedAt is local arrival.
type EventRecord struct {
	ID         uint   `gorm:"primaryKey"`
	DeviceID   string `gorm:"index"`
	Name       string
	Level      string
	DeviceTime string
	ReceivedAt time.Time `gorm:"index"`
	Data       datatypes.JSON
}

// History appends every dispatched event to a local table for audit and the
// status endpoint's recent-activity view.
type History struct {
	db *gorm.DB
}

func NewHistory(db *gorm.DB) (*History, error) {
	if err := db.AutoMigrate(&EventRecord{}); err != nil {
		return nil, fmt.Errorf("store: migrate history: %w", err)
	}
	return &History{db: db}, nil
}

func (h *History) StoreEvent(ctx context.Context, deviceID string, ev *wire.CanonicalEvent) error {
	rec := EventRecord{
		DeviceID:   deviceID,
		Name:       ev.Name,
		Level:      ev.Level,
		DeviceTime: ev.CreatedAt,
		ReceivedAt: time.Now(),
	}
	if ev.Data != nil {
		b, err := json.Marshal(ev.Data)
		if err != nil {
			return fmt.Errorf("store: marshal event data: %w", err)
		}
		rec.Data = datatypes.JSON(b)
	}
	if err := h.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("store: append history: %w", err)
	}
	return nil
}

// Recent returns the newest records for one device, newest first.
func (h *History) Recent(ctx context.Context, deviceID string, limit int) ([]EventRecord, error) {
	var out []EventRecord
	err := h.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("received_at desc").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("store: query history: %w", err)
	}
	return out, nil
}
