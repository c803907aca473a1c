package domain

// LinkState mirrors the peer transport connection state as the controllers
// track it. Terminal states never transition back.
type LinkState string

const (
	LinkStateNew          LinkState = "new"
	LinkStateConnecting   LinkState = "connecting"
	LinkStateConnected    LinkState = "connected"
	LinkStateDisconnected LinkState = "disconnected"
	LinkStateFailed       LinkState = "failed"
	LinkStateClosed       LinkState = "closed"
)

// Terminal reports whether the state ends the link's lifecycle.
func (s LinkState) Terminal() bool {
	return s == LinkStateFailed || s == LinkStateClosed
}
