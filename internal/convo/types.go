// Package convo holds the conversation-level types shared across the
// ingestion, classification, and dialogue packages.
package convo

import (
	"fmt"
	"time"
)

// Key identifies one conversation: a channel instance plus the remote
// party address on that instance. All per-conversation state (debounce,
// blocks, interventions, history) is partitioned by Key.
type Key struct {
	Instance string
	Address  string
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s", k.Instance, k.Address)
}

// MessageKind discriminates inbound payload types we handle.
type MessageKind string

const (
	KindText  MessageKind = "text"
	KindAudio MessageKind = "audio"
)

// InboundEvent is one normalized channel-gateway message event.
type InboundEvent struct {
	Key       Key
	MessageID string
	Content   string
	Kind      MessageKind
	MediaURL  string
	FromMe    bool
	FromBot   bool
	IsGroup   bool
	PushName  string
	Timestamp time.Time
}

// PendingTurn is the debounced unit of work: one or more inbound events
// from the same conversation merged into a single user turn.
type PendingTurn struct {
	Key        Key
	Content    string
	MessageIDs []string
	PushName   string
	FirstAt    time.Time
	LastAt     time.Time
	Merged     int
}

// ToolCallRecord is one executed tool call inside a completed turn,
// persisted alongside the turn so history can be replayed faithfully.
type ToolCallRecord struct {
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
	Result    string `json:"result"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Turn is one completed exchange: the merged user content, the final
// assistant reply, and the full tool trail that produced it.
type Turn struct {
	ID               string
	TenantID         string
	Key              Key
	UserContent      string
	AssistantContent string
	ToolCalls        []ToolCallRecord
	PromptTokens     int
	CompletionTokens int
	CreatedAt        time.Time
}

// Block is an active suppression window for a conversation.
type Block struct {
	Key       Key
	Reasons   []string
	StartedAt time.Time
	ExpiresAt time.Time
}

// Active reports whether the block still covers the given instant.
func (b Block) Active(now time.Time) bool {
	return now.Before(b.ExpiresAt)
}
