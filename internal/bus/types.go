// Package bus carries normalized messages between connector adapters and the
// dispatch pipeline. Connectors publish inbound envelopes; the dispatcher
// publishes outbound messages that connectors transmit.
package bus

import "context"

// PeerRef identifies a conversational counterpart inside an envelope.
type PeerRef struct {
	Kind string `json:"kind"` // "direct", "group" or "channel"
	ID   string `json:"id"`
}

// Envelope is the normalized inbound message every connector adapter
// produces, regardless of wire protocol.
type Envelope struct {
	Connector     string            `json:"connector"`
	SenderID      string            `json:"sender_id"`
	ChatID        string            `json:"chat_id"`
	Text          string            `json:"text"`
	Mentioned     bool              `json:"mentioned,omitempty"`
	AccountID     string            `json:"account_id,omitempty"`
	ThreadID      string            `json:"thread_id,omitempty"`
	Peer          *PeerRef          `json:"peer,omitempty"`
	ParentPeer    *PeerRef          `json:"parent_peer,omitempty"`
	GuildID       string            `json:"guild_id,omitempty"`
	TeamID        string            `json:"team_id,omitempty"`
	MemberRoleIDs []string          `json:"member_role_ids,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage is a reply to be transmitted by a connector adapter.
type OutboundMessage struct {
	Connector string            `json:"connector"`
	To        string            `json:"to"`
	Text      string            `json:"text"`
	ThreadID  string            `json:"thread_id,omitempty"`
	AccountID string            `json:"account_id,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Event is a server-side event broadcast to observers (e.g. WebSocket
// clients watching routing decisions).
type Event struct {
	Name    string `json:"name"`
	Payload any    `json:"payload,omitempty"`
}

// EventPublisher abstracts event broadcast so the dispatcher does not depend
// on the concrete gateway server.
type EventPublisher interface {
	Broadcast(event Event)
}

// MessageRouter abstracts inbound/outbound message flow between connector
// adapters and the dispatch pipeline.
type MessageRouter interface {
	PublishInbound(msg Envelope)
	ConsumeInbound(ctx context.Context) (Envelope, bool)
	PublishOutbound(msg OutboundMessage)
	ConsumeOutbound(ctx context.Context) (OutboundMessage, bool)
}
