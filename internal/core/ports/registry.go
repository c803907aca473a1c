package ports

import (
	"context"

	"pdfcast/internal/core/domain"
)

// SessionRegistry is the server-side bookkeeping of live broadcasts: which
// connection hosts which stream id, and which connections view it. The
// registry never talks to clients; routing is the signal server's job.
//
// Implementations must return defensive copies: callers iterate viewer
// snapshots while the registry keeps mutating underneath.
type SessionRegistry interface {
	// Create registers a new session. Returns domain.ErrStreamExists when the
	// id is already taken.
	Create(ctx context.Context, session *domain.StreamSession) error

	// Get returns a snapshot of the session or domain.ErrStreamNotFound.
	Get(ctx context.Context, id domain.StreamID) (*domain.StreamSession, error)

	// Remove deletes the session. Removing an absent id is not an error.
	Remove(ctx context.Context, id domain.StreamID) error

	// ReplaceHost swaps the host connection of an existing session, keeping
	// its viewer set. Used for host re-registration after a restart.
	ReplaceHost(ctx context.Context, id domain.StreamID, host domain.ConnID) error

	// AddViewer joins a viewer and returns the updated viewer count. Adding
	// the same viewer twice is a no-op that still reports the current count.
	AddViewer(ctx context.Context, id domain.StreamID, viewer domain.ConnID) (int, error)

	// RemoveViewer removes a viewer and returns the updated viewer count.
	RemoveViewer(ctx context.Context, id domain.StreamID, viewer domain.ConnID) (int, error)

	// FindByHost returns the session hosted by the given connection, or
	// domain.ErrStreamNotFound.
	FindByHost(ctx context.Context, host domain.ConnID) (*domain.StreamSession, error)

	// FindByViewer returns every session the connection is viewing.
	FindByViewer(ctx context.Context, viewer domain.ConnID) ([]*domain.StreamSession, error)

	// ListActive returns snapshots of all registered sessions.
	ListActive(ctx context.Context) ([]*domain.StreamSession, error)

	// HealthCheck reports whether the backing store is reachable.
	HealthCheck(ctx context.Context) error
}
