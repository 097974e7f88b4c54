package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pitch-relay/internal/models"

	"gorm.io/gorm"
)

/*
LEARNING: PEER SESSION LEDGER

One row per WebSocket connection:
  connect    -> INSERT (id, remote addr, user agent, connected_at)
  disconnect -> UPDATE disconnected_at, reason, frame counters

Document updates are never stored here; the relay keeps no history past
process lifetime.
*/

// PeerSessionRepositoryImpl stores peer sessions with GORM
type PeerSessionRepositoryImpl struct {
	db *gorm.DB
}

// NewPeerSessionRepository creates a new peer session repository
func NewPeerSessionRepository(db *gorm.DB) *PeerSessionRepositoryImpl {
	return &PeerSessionRepositoryImpl{db: db}
}

// RecordConnect inserts a session row for a newly subscribed peer
func (r *PeerSessionRepositoryImpl) RecordConnect(ctx context.Context, session *models.PeerSession) error {
	if err := r.db.WithContext(ctx).Create(session).Error; err != nil {
		return fmt.Errorf("failed to record peer connect: %w", err)
	}
	return nil
}

// RecordDisconnect closes the session row for id
func (r *PeerSessionRepositoryImpl) RecordDisconnect(ctx context.Context, id string, at time.Time, reason string, framesIn, framesOut int64) error {
	result := r.db.WithContext(ctx).
		Model(&models.PeerSession{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"disconnected_at": at,
			"reason":          reason,
			"frames_in":       framesIn,
			"frames_out":      framesOut,
		})

	if result.Error != nil {
		return fmt.Errorf("failed to record peer disconnect: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("peer session %s: %w", id, gorm.ErrRecordNotFound)
	}
	return nil
}

// GetByID retrieves a session by its KSUID
func (r *PeerSessionRepositoryImpl) GetByID(ctx context.Context, id string) (*models.PeerSession, error) {
	var session models.PeerSession

	err := r.db.WithContext(ctx).First(&session, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("peer session %s: %w", id, err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get peer session: %w", err)
	}

	return &session, nil
}

// ListRecent returns the most recent sessions, newest first
func (r *PeerSessionRepositoryImpl) ListRecent(ctx context.Context, limit int) ([]*models.PeerSession, error) {
	var sessions []*models.PeerSession

	err := r.db.WithContext(ctx).
		Order("connected_at DESC").
		Limit(limit).
		Find(&sessions).Error

	if err != nil {
		return nil, fmt.Errorf("failed to list peer sessions: %w", err)
	}

	return sessions, nil
}
