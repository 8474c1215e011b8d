// Package replies attaches reply snapshots to messages that reference an
// earlier message.
package replies

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/tOgg1/chatsync/internal/models"
)

// MaxSnapshotRunes bounds the quoted body.
const MaxSnapshotRunes = 80

// Lookup finds a message by identity.
type Lookup func(id string) (models.Message, bool)

// Store is the subset of the timeline the resolver needs.
type Store interface {
	Snapshot() []models.Message
	MapInPlace(pred func(models.Message) bool, update func(*models.Message)) int
}

// Reason classifies an unresolved reference.
type Reason string

const (
	ReasonSelf    Reason = "self reference"
	ReasonMissing Reason = "parent not loaded"
)

// ConflictError reports a reply reference that could not be resolved. It is
// informational: the message stays visible without a quote.
type ConflictError struct {
	MessageID string
	ReplyToID string
	Reason    Reason
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("reply %s -> %s: %s", e.MessageID, e.ReplyToID, e.Reason)
}

// Snapshot copies the summary fields of parent.
func Snapshot(parent models.Message) *models.ReplySnapshot {
	body := parent.Body
	if parent.Kind.IsMedia() && strings.TrimSpace(body) == "" {
		body = parent.Kind.Placeholder()
	}
	return &models.ReplySnapshot{
		ID:         parent.ID,
		AuthorRole: parent.AuthorRole,
		Kind:       parent.Kind,
		Body:       shorten(body, MaxSnapshotRunes),
		CreatedAt:  parent.CreatedAt,
	}
}

func shorten(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max-1]) + "…"
}

// Resolve attaches the parent snapshot to msg when lookup finds it. Already
// resolved messages and messages without a reference are returned as is.
func Resolve(msg models.Message, lookup Lookup) (models.Message, error) {
	if !msg.NeedsReply() {
		return msg, nil
	}
	if msg.ReplyToID == msg.ID {
		return msg, &ConflictError{MessageID: msg.ID, ReplyToID: msg.ReplyToID, Reason: ReasonSelf}
	}
	if lookup != nil {
		if parent, ok := lookup(msg.ReplyToID); ok {
			msg.Reply = Snapshot(parent)
			return msg, nil
		}
	}
	return msg, &ConflictError{MessageID: msg.ID, ReplyToID: msg.ReplyToID, Reason: ReasonMissing}
}

// ResolveBatch resolves every message of batch against batch itself first,
// then fallback. Returns the resolved copy and the number left unresolved.
func ResolveBatch(batch []models.Message, fallback Lookup) ([]models.Message, int) {
	index := make(map[string]models.Message, len(batch))
	for _, msg := range batch {
		index[msg.ID] = msg
	}
	lookup := func(id string) (models.Message, bool) {
		if parent, ok := index[id]; ok {
			return parent, true
		}
		if fallback != nil {
			return fallback(id)
		}
		return models.Message{}, false
	}

	out := make([]models.Message, len(batch))
	unresolved := 0
	for i, msg := range batch {
		resolved, err := Resolve(msg, lookup)
		if err != nil {
			unresolved++
		}
		out[i] = resolved
	}
	return out, unresolved
}

// ResolveStore re-attempts every unresolved message in store, looking
// parents up in store and in extra. Returns the number resolved.
func ResolveStore(store Store, extra ...models.Message) int {
	if store == nil {
		return 0
	}
	current := store.Snapshot()
	index := make(map[string]models.Message, len(current)+len(extra))
	for _, msg := range extra {
		index[msg.ID] = msg
	}
	for _, msg := range current {
		index[msg.ID] = msg
	}

	found := make(map[string]*models.ReplySnapshot)
	for _, msg := range current {
		if !msg.NeedsReply() || msg.ReplyToID == msg.ID {
			continue
		}
		if parent, ok := index[msg.ReplyToID]; ok {
			found[msg.ID] = Snapshot(parent)
		}
	}
	if len(found) == 0 {
		return 0
	}

	return store.MapInPlace(
		func(msg models.Message) bool {
			_, ok := found[msg.ID]
			return ok && msg.NeedsReply()
		},
		func(msg *models.Message) {
			snap := *found[msg.ID]
			msg.Reply = &snap
		},
	)
}
