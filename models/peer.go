package models

// ProfileRecord is the display metadata of a peer.
type ProfileRecord struct {
	PeerID      string `json:"peer_id"`
	DisplayName string `json:"display_name"`
	AvatarRef   string `json:"avatar_ref"`
	// Fallback is set when the lookup failed and the record is a placeholder.
	Fallback bool `json:"fallback"`
}
