package models

import "time"

// Conversation is a two-person thread between the local user and one peer.
type Conversation struct {
	ID            string    `json:"id"`
	PeerID        string    `json:"peer_id"`
	DisplayName   string    `json:"display_name"`
	AvatarRef     string    `json:"avatar_ref"`
	UnreadCount   int       `json:"unread_count"`
	Archived      bool      `json:"archived"`
	LastMessageAt time.Time `json:"last_message_at"`
	CreatedAt     time.Time `json:"created_at"`
	Messages      []Message `json:"messages"`
}

// Notification is one item of the portal notification feed shown next to the chat.
type Notification struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}
