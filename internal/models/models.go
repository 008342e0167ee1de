package models

import "time"

// Principal is the verified identity attached to a single connection. It is
// immutable once issued by the credential verifier and dies with the
// connection that presented it.
type Principal struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

// Valid reports whether the principal carries an identity.
func (p Principal) Valid() bool {
	return p.UserID != ""
}

// Channel is a point-in-time view of one broadcast channel. Channels are
// created lazily on first reference and only ever transition state; the
// registry owns the mutable record this snapshot is taken from.
type Channel struct {
	ID           string    `json:"channelId"`
	Live         bool      `json:"live"`
	StartedAt    time.Time `json:"startedAt,omitempty"`
	ViewerCount  int       `json:"viewerCount"`
	LastSequence uint64    `json:"lastSequence"`
}
