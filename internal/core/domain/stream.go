package domain

import (
	"time"
)

type StreamID string
type ConnID string

// StreamSession is one live broadcast: exactly one host connection and the
// set of viewer connections currently joined. Sessions live only as long as
// the registry that holds them; nothing is persisted across restarts.
type StreamSession struct {
	ID        StreamID
	Host      ConnID
	Viewers   []ConnID
	StartedAt time.Time
}

func (s *StreamSession) ViewerCount() int {
	return len(s.Viewers)
}

// HasViewer reports whether the given connection is joined to this session.
func (s *StreamSession) HasViewer(id ConnID) bool {
	for _, v := range s.Viewers {
		if v == id {
			return true
		}
	}
	return false
}

// Role of a signaling connection within a session.
type Role string

const (
	RoleHost   Role = "host"
	RoleViewer Role = "viewer"
)
