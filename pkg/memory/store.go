// Package memory defines dialogue persistence for the voice gateway.
//
// A [Store] saves finished dialogues when a device connection closes and
// produces a compact per-device summary that the turn engine injects into the
// system prompt of subsequent conversations. The interface is public so that
// external packages can supply alternative backends (Postgres, in-memory, …)
// without depending on gateway internals.
//
// Every implementation must be safe for concurrent use.
package memory

import (
	"context"

	"github.com/MrWong99/echolink/pkg/types"
)

// Store persists dialogue history per device and serves recall summaries.
type Store interface {
	// SaveDialogue persists the messages of a finished conversation for the
	// given device. System messages are skipped; only user, assistant, and
	// tool traffic is recorded. msgs may be empty, in which case the call is
	// a no-op.
	//
	// SaveDialogue is called fire-and-forget during connection teardown, so
	// implementations should bound their own execution time via ctx.
	SaveDialogue(ctx context.Context, deviceID, sessionID string, msgs []types.Message) error

	// Summary returns a compact textual recap of the device's recent
	// dialogue history, suitable for injection into a system prompt.
	// Returns "" (and no error) when the device has no stored history.
	Summary(ctx context.Context, deviceID string) (string, error)
}
