package memory

import "time"

// DialogueEntry is a single persisted dialogue line. It is the storage-level
// record a [Store] writes for each non-system message of a finished
// conversation.
type DialogueEntry struct {
	// DeviceID identifies the device the conversation belongs to.
	DeviceID string

	// SessionID identifies the connection session within which the message
	// was exchanged.
	SessionID string

	// Role is the chat role of the message ("user", "assistant", or "tool").
	Role string

	// Content is the message text. Tool-call payloads are not persisted;
	// only the spoken/displayed content survives.
	Content string

	// CreatedAt is when the entry was recorded.
	CreatedAt time.Time
}
