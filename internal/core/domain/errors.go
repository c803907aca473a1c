package domain

import "errors"

var (
	ErrStreamNotFound     = errors.New("stream not found")
	ErrStreamExists       = errors.New("stream already registered")
	ErrNotHost            = errors.New("requester is not the stream host")
	ErrViewerNotFound     = errors.New("viewer not found in session")
	ErrLinkNotFound       = errors.New("no peer link for connection")
	ErrCaptureNotReady    = errors.New("capture stream not ready")
	ErrAlreadyStopped     = errors.New("broadcast already stopped")
	ErrEmptyChatMessage   = errors.New("chat message is empty")
	ErrChatMessageTooLong = errors.New("chat message exceeds length limit")
)
