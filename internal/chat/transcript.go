package chat

import (
	"github.com/google/uuid"
)

// Transcript is the merge core for one room: it reconciles the initial REST
// fetch, websocket pushes, periodic polls, and optimistic local sends into a
// single ascending-by-created_at, deduplicated message list. It performs no
// I/O and is safe to test in isolation; callers provide their own locking.
type Transcript struct {
	localUserID int64
	msgs        []Message
	pending     []PendingSend
}

func NewTranscript(localUserID int64) *Transcript {
	return &Transcript{localUserID: localUserID}
}

// Messages returns a copy of the current ordered list.
func (t *Transcript) Messages() []Message {
	out := make([]Message, len(t.msgs))
	copy(out, t.msgs)
	return out
}

func (t *Transcript) PendingCount() int {
	return len(t.pending)
}

// ReplaceFromHistory installs a freshly fetched history wholesale. The
// server returns newest-first; the transcript keeps ascending order.
func (t *Transcript) ReplaceFromHistory(newestFirst []Message) {
	t.msgs = reverse(newestFirst)
}

// ApplyPush merges one server-confirmed message. Re-delivered frames are
// dropped by id. A confirmed message from the local user reconciles any
// outstanding optimistic placeholders, even when the confirmed copy already
// arrived through a poll. Returns whether the transcript changed.
func (t *Transcript) ApplyPush(msg Message) bool {
	changed := false
	if msg.SenderID == t.localUserID && len(t.pending) > 0 {
		t.dropTempMessages()
		t.pending = nil
		changed = true
	}

	if t.containsID(msg.ID) {
		return changed
	}

	t.insertOrdered(msg)
	return true
}

// AppendOptimistic adds a locally synthesized message and returns the handle
// used to resolve or roll it back.
func (t *Transcript) AppendOptimistic(msg Message) PendingSend {
	p := PendingSend{Handle: uuid.New(), Msg: msg}
	t.pending = append(t.pending, p)
	t.msgs = append(t.msgs, msg)
	return p
}

// Resolve marks a pending send as acknowledged out-of-band (REST send path):
// the placeholder is removed and the authoritative copy is expected from the
// next fetch.
func (t *Transcript) Resolve(handle uuid.UUID) {
	t.removePending(handle)
}

// Rollback removes a failed optimistic send and returns its text so the
// caller can restore the input field.
func (t *Transcript) Rollback(handle uuid.UUID) (string, bool) {
	return t.removePending(handle)
}

// MergePoll installs a freshly polled history and splices the still-pending
// optimistic messages back onto the end, since the poll response cannot
// contain sends that are still in flight.
func (t *Transcript) MergePoll(newestFirst []Message) {
	merged := reverse(newestFirst)
	for _, p := range t.pending {
		merged = append(merged, p.Msg)
	}
	t.msgs = merged
}

func (t *Transcript) containsID(id MessageID) bool {
	for _, m := range t.msgs {
		if m.ID == id {
			return true
		}
	}
	return false
}

func (t *Transcript) dropTempMessages() {
	kept := t.msgs[:0]
	for _, m := range t.msgs {
		if !m.ID.IsTemp() {
			kept = append(kept, m)
		}
	}
	t.msgs = kept
}

// insertOrdered keeps ascending created_at order. Pushes almost always land
// at the end; the scan from the tail covers delayed frames.
func (t *Transcript) insertOrdered(msg Message) {
	i := len(t.msgs)
	for i > 0 && t.msgs[i-1].CreatedAt.After(msg.CreatedAt) {
		i--
	}
	t.msgs = append(t.msgs, Message{})
	copy(t.msgs[i+1:], t.msgs[i:])
	t.msgs[i] = msg
}

func (t *Transcript) removePending(handle uuid.UUID) (string, bool) {
	for i, p := range t.pending {
		if p.Handle != handle {
			continue
		}
		t.pending = append(t.pending[:i], t.pending[i+1:]...)
		for j, m := range t.msgs {
			if m.ID == p.Msg.ID {
				t.msgs = append(t.msgs[:j], t.msgs[j+1:]...)
				break
			}
		}
		return p.Msg.Text, true
	}
	return "", false
}

func reverse(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[len(msgs)-1-i] = m
	}
	return out
}
