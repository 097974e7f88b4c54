package models

import (
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

// PeerInfo describes a connected peer for logs and the inspection API
type PeerInfo struct {
	ID          string    `json:"id"`
	RemoteAddr  string    `json:"remote_addr"`
	UserAgent   string    `json:"user_agent,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
	FramesIn    int64     `json:"frames_in"`
	FramesOut   int64     `json:"frames_out"`
}

// NewPeerInfo creates peer info with a fresh KSUID
func NewPeerInfo(remoteAddr, userAgent string) PeerInfo {
	return PeerInfo{
		ID:          ksuid.New().String(),
		RemoteAddr:  remoteAddr,
		UserAgent:   userAgent,
		ConnectedAt: time.Now(),
	}
}

// PeerSession is one row of the connection ledger.
// Learning: It records who was connected and why they left, never document content.
type PeerSession struct {
	ID             string     `gorm:"type:char(27);primaryKey" json:"id"`
	RemoteAddr     string     `gorm:"type:varchar(255);not null" json:"remote_addr"`
	UserAgent      string     `gorm:"type:text" json:"user_agent,omitempty"`
	ConnectedAt    time.Time  `gorm:"not null;index" json:"connected_at"`
	DisconnectedAt *time.Time `json:"disconnected_at,omitempty"`
	Reason         string     `gorm:"type:text" json:"reason,omitempty"`
	FramesIn       int64      `gorm:"not null;default:0" json:"frames_in"`
	FramesOut      int64      `gorm:"not null;default:0" json:"frames_out"`
}

// BeforeCreate generates a KSUID when the caller did not provide one
func (s *PeerSession) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = ksuid.New().String()
	}
	return nil
}

// TableName override
func (PeerSession) TableName() string {
	return "peer_sessions"
}

// NewPeerSession builds the ledger row for a newly connected peer
func NewPeerSession(info PeerInfo) *PeerSession {
	return &PeerSession{
		ID:          info.ID,
		RemoteAddr:  info.RemoteAddr,
		UserAgent:   info.UserAgent,
		ConnectedAt: info.ConnectedAt,
	}
}
