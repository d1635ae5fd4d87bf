package messaging

import (
	"sort"
	"time"
)

// DefaultReconcileTolerance is the maximum distance between an optimistic
// entry's timestamp and its server echo's timestamp for the two to be
// considered the same logical send.
const DefaultReconcileTolerance = 5 * time.Second

// MergeResult summarizes what a merge changed.
type MergeResult struct {
	Added      int
	Reconciled int
	Updated    int
}

// Changed reports whether the merge modified the sequence.
func (r MergeResult) Changed() bool {
	return r.Added+r.Reconciled+r.Updated > 0
}

// Merger folds incoming batches into an existing ordered message sequence.
//
// Merge is idempotent: applying the same batch twice yields the same
// sequence. Entries are only ever dropped on exact identity equality.
type Merger struct {
	// SelfID is the local user; only their messages can reconcile optimistic entries.
	SelfID string
	// Tolerance bounds the timestamp delta for content-based reconciliation.
	// Zero means DefaultReconcileTolerance.
	Tolerance time.Duration
}

// Merge returns existing with incoming folded in, sorted ascending by
// CreatedAt with arrival order breaking ties. Neither argument is modified.
func (mg Merger) Merge(existing, incoming []Message) []Message {
	out, _ := mg.merge(existing, incoming)
	return out
}

func (mg Merger) merge(existing, incoming []Message) ([]Message, MergeResult) {
	tolerance := mg.Tolerance
	if tolerance <= 0 {
		tolerance = DefaultReconcileTolerance
	}

	out := make([]Message, len(existing), len(existing)+len(incoming))
	index := make(map[string]int, len(existing)+len(incoming))
	for i := range existing {
		out[i] = existing[i].clone()
		if out[i].ID == "" {
			out[i].ID = out[i].DedupKey()
		}
		index[out[i].ID] = i
	}

	var result MergeResult
	dropped := make(map[int]bool)
	for _, in := range dedupeBatch(incoming) {
		if i, ok := index[in.ID]; ok {
			if foldState(&out[i], in) {
				result.Updated++
			}
			// The server copy may already be stored under its id while the
			// local entry of the same send is still waiting; a nonce ties them.
			if mg.ownEcho(in) && in.ClientNonce != "" && !out[i].Unconfirmed() {
				if j := findNonce(out, in.ClientNonce, i, dropped); j >= 0 {
					absorb(&out[i], out[j])
					delete(index, out[j].ID)
					dropped[j] = true
					result.Reconciled++
				}
			}
			continue
		}

		if mg.ownEcho(in) {
			if i := findPending(out, in, tolerance, dropped); i >= 0 {
				delete(index, out[i].ID)
				out[i] = reconcile(out[i], in)
				index[out[i].ID] = i
				result.Reconciled++
				continue
			}
		}

		if in.Source != SourceOptimistic {
			in.DeliveryState = DeliverySent
		}
		index[in.ID] = len(out)
		out = append(out, in)
		result.Added++
	}

	if len(dropped) > 0 {
		kept := out[:0]
		for i := range out {
			if !dropped[i] {
				kept = append(kept, out[i])
			}
		}
		out = kept
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, result
}

// dedupeBatch assigns synthesized ids where missing and collapses entries
// sharing an identity, keeping the first and folding read state from the rest.
func dedupeBatch(incoming []Message) []Message {
	batch := make([]Message, 0, len(incoming))
	seen := make(map[string]int, len(incoming))
	for _, m := range incoming {
		m = m.clone()
		if m.ID == "" {
			m.ID = m.DedupKey()
		}
		if i, ok := seen[m.ID]; ok {
			foldState(&batch[i], m)
			continue
		}
		seen[m.ID] = len(batch)
		batch = append(batch, m)
	}
	return batch
}

// ownEcho reports whether in is a server copy of a local user's message.
func (mg Merger) ownEcho(in Message) bool {
	return mg.SelfID != "" && in.SenderID == mg.SelfID && in.Source != SourceOptimistic
}

// findPending locates the oldest unconfirmed local entry that represents the
// same logical send as echo, or -1.
func findPending(msgs []Message, echo Message, tolerance time.Duration, dropped map[int]bool) int {
	for i := range msgs {
		m := &msgs[i]
		if dropped[i] || !m.Unconfirmed() || m.SenderID != echo.SenderID {
			continue
		}
		if m.ClientNonce != "" && echo.ClientNonce != "" {
			if m.ClientNonce == echo.ClientNonce {
				return i
			}
			continue
		}
		if m.Content != echo.Content || !sameAttachment(m.Attachment, echo.Attachment) {
			continue
		}
		delta := echo.CreatedAt.Sub(m.CreatedAt)
		if delta < 0 {
			delta = -delta
		}
		if delta < tolerance {
			return i
		}
	}
	return -1
}

// findNonce returns the unconfirmed local entry carrying nonce, skipping
// index self, or -1.
func findNonce(msgs []Message, nonce string, self int, dropped map[int]bool) int {
	for i := range msgs {
		if i == self || dropped[i] {
			continue
		}
		if msgs[i].Unconfirmed() && msgs[i].ClientNonce == nonce {
			return i
		}
	}
	return -1
}

// absorb folds the local details of a superseded entry into its stored
// server copy.
func absorb(confirmed *Message, local Message) {
	if confirmed.ClientNonce == "" {
		confirmed.ClientNonce = local.ClientNonce
	}
	if confirmed.ConversationID == "" {
		confirmed.ConversationID = local.ConversationID
	}
	if confirmed.ReceiverID == "" {
		confirmed.ReceiverID = local.ReceiverID
	}
	if confirmed.Attachment == nil {
		confirmed.Attachment = local.Attachment
	}
}

func sameAttachment(a, b *Attachment) bool {
	if a == nil || b == nil {
		return true
	}
	return a.Filename == "" || b.Filename == "" || a.Filename == b.Filename
}

// reconcile produces the confirmed entry that replaces a pending one.
func reconcile(pending, echo Message) Message {
	confirmed := echo
	confirmed.DeliveryState = DeliverySent
	if confirmed.ClientNonce == "" {
		confirmed.ClientNonce = pending.ClientNonce
	}
	if confirmed.ConversationID == "" {
		confirmed.ConversationID = pending.ConversationID
	}
	if confirmed.ReceiverID == "" {
		confirmed.ReceiverID = pending.ReceiverID
	}
	if confirmed.Attachment == nil {
		confirmed.Attachment = pending.Attachment
	}
	if confirmed.ReadAt == nil {
		confirmed.ReadAt = pending.ReadAt
	}
	return confirmed
}

// foldState moves delivery and read state forward on dst. It never moves
// either backward, which keeps repeated merges idempotent.
func foldState(dst *Message, in Message) bool {
	changed := false
	if dst.DeliveryState != DeliverySent && in.Source != SourceOptimistic {
		dst.DeliveryState = DeliverySent
		dst.Source = in.Source
		changed = true
	}
	if dst.ReadAt == nil && in.ReadAt != nil {
		at := *in.ReadAt
		dst.ReadAt = &at
		changed = true
	}
	return changed
}
