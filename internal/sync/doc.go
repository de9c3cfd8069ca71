// Package sync implements the bidirectional synchronization engine between
// the clinic's primary database and the patient portal replica.
//
// # Forward path (clinic -> portal)
//
// The clinic software writes change rows into a sync_queue table through
// database triggers. The Processor drains that queue in id order: each item
// is resolved to a typed row (from its stored payload or a fresh primary
// read), run through the Resolver so missing ancestors are repaired first,
// and mirrored into the replica with a keyed upsert. Items whose source row
// has vanished are Skipped; transient failures retry with exponential
// backoff until the attempt ceiling marks them Failed.
//
// # Reverse path (portal -> clinic)
//
// Doctor activity on the portal reaches the clinic two ways: change
// notifications delivered to the webhook endpoint, and the Poller's periodic
// scan of recently created or edited portal rows. Both funnel into the
// Applier's ApplyReverseChange, which owns the routing rules: doctor-
// authored notes land in the doctor_notes table behind an existence guard,
// and aligner batch wear_days updates propagate only when the value changed
// and the row's edit marker (updated_at > created_at) shows a human touched
// it after mirroring. The applier serializes itself so webhook and poller
// deliveries of the same edit cannot interleave.
//
// # Core types
//
//   - Processor: queue drain loop with Kick wake-up and retry scheduling
//   - Resolver: best-effort referential repair along the parent chain
//   - Applier: unified reverse-change entry point
//   - Poller: cursor-based reverse scan on a jittered interval
//   - Row: validated per-table DTO shared by every decode path
//   - Error: classified error (transient vs permanent) with sentinel reasons
//
// Dependencies (stores, clock, cursor persistence) are injected, so every
// decision point is testable without wall-clock sleeps or a live portal.
package sync
