// Package messaging provides the message model and the merge engine for one
// conversation.
//
// # Overview
//
// Messages reach a conversation from several places: a realtime push channel,
// an explicit history request, a periodic full re-fetch, and the local user's
// own optimistic sends. The package folds all of them into a single ordered,
// deduplicated sequence.
//
//   - [Merger]: the pure merge function. It never mutates its inputs.
//   - [MessageStore]: a mutex-guarded sequence that applies [Merger] to
//     transport batches and supports direct optimistic inserts.
//   - [ChatID]: the canonical conversation key for a participant pair.
//
// # Merge Rules
//
// Incoming entries are keyed by id; entries without one get
// [SyntheticID] of sender and timestamp. An incoming message from the local
// user replaces the oldest unconfirmed local entry with the same client
// nonce, or failing that with equal content and a timestamp within the
// tolerance window ([DefaultReconcileTolerance] unless configured). The
// replacement keeps its slot and becomes [DeliverySent]. Everything else not
// already present is inserted, and the result is stably sorted by CreatedAt,
// so ties keep arrival order.
//
// Delivery and read state only move forward, which makes merging the same
// batch twice a no-op:
//
//	store := messaging.NewMessageStore(selfID)
//	store.Append(pending)
//	store.Merge(pollBatch, messaging.SourcePoll)
//	store.Merge(pollBatch, messaging.SourcePoll) // no change
//
// # Concurrency
//
// [MessageStore] is safe for concurrent use. Snapshots are deep copies.
package messaging
