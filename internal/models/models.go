// Package models defines the core data structures for the dialog engine.
//
// It includes the canonical message envelope, conversation and task statuses,
// and the engine event names shared across modules.
package models

import (
	"errors"
	"time"
)

// Canonical message types. The type field is an open string: adapters may
// attach platform-specific event types beyond the ones listed here.
const (
	// TypeMessageReceived is the generic inbound message type.
	TypeMessageReceived = "message_received"
	// TypeDirectMessage marks a message sent in a one-on-one channel.
	TypeDirectMessage = "direct_message"
	// TypeDirectMention marks a message that addresses the bot by name.
	TypeDirectMention = "direct_mention"
	// TypeAmbient marks a message overheard in a shared channel.
	TypeAmbient = "ambient"
	// TypeOutgoing is the type assigned to engine-produced outbound messages.
	TypeOutgoing = "outgoing"
)

// Engine event names fired on the controller's event bus.
const (
	EventReceived            = "received"
	EventHeard               = "heard"
	EventConversationStarted = "conversationStarted"
	EventConversationEnded   = "conversationEnded"
)

// ConversationStatus tracks a conversation through its lifecycle.
type ConversationStatus string

const (
	StatusNew       ConversationStatus = "new"
	StatusActive    ConversationStatus = "active"
	StatusEnding    ConversationStatus = "ending"
	StatusCompleted ConversationStatus = "completed"
	StatusStopped   ConversationStatus = "stopped"
	StatusTimeout   ConversationStatus = "timeout"
)

// TaskStatus tracks a task through its lifecycle.
type TaskStatus string

const (
	TaskActive TaskStatus = "active"
	TaskEnded  TaskStatus = "ended"
)

// Validation constants shared across components.
const (
	// MaxMessageTextLength defines the maximum allowed length for outbound message text
	MaxMessageTextLength = 40000
	// DefaultConversationTimeout is the inactivity window applied to new conversations
	DefaultConversationTimeout = 15 * time.Minute
	// DefaultTickInterval is how often the ticker sweeps for expired conversations
	DefaultTickInterval = time.Second
)

// Error variables for better error handling and testability
var (
	ErrUnsupportedOperation = errors.New("operation not supported by this adapter")
	ErrEmptyUser            = errors.New("message user cannot be empty")
	ErrEmptyChannel         = errors.New("message channel cannot be empty")
	ErrConversationInactive = errors.New("conversation is not active")
	ErrConversationExists   = errors.New("an active conversation already exists for this user and channel")
	ErrUnknownThread        = errors.New("unknown thread")
	ErrUnknownDialog        = errors.New("unknown dialog")
	ErrDuplicateDialog      = errors.New("dialog id already registered")
	ErrNoPatterns           = errors.New("at least one pattern is required")
	ErrEmptyThread          = errors.New("thread name cannot be empty")
)

// Message is the platform-independent message envelope used throughout the
// engine. Adapters translate their wire formats to and from this shape.
type Message struct {
	// ID is the platform message id, populated on outbound sends and on
	// inbound messages where the platform provides one.
	ID string `json:"id,omitempty"`
	// User identifies the human the message is from or to.
	User string `json:"user"`
	// Channel identifies the conversation/room the message belongs to.
	Channel string `json:"channel"`
	// Type categorizes the message (see the Type* constants).
	Type string `json:"type"`
	// Text is the plain-text body.
	Text string `json:"text"`
	// Timestamp is when the platform observed the message.
	Timestamp time.Time `json:"timestamp"`
	// Raw carries the opaque adapter-specific payload for platform features
	// the canonical envelope does not model.
	Raw any `json:"-"`
}

// Validate checks the minimal invariants the engine relies on.
func (m Message) Validate() error {
	if m.User == "" {
		return ErrEmptyUser
	}
	if m.Channel == "" {
		return ErrEmptyChannel
	}
	return nil
}

// Identity describes the bot account an adapter is connected as.
type Identity struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}
