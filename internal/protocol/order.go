// ABOUTME: Receiver-side ordering of streamed feed events by sequence number.
// ABOUTME: The relay never re-numbers; receivers sort before rendering.

package protocol

import "sort"

// FeedEvent is the minimal view of a streamed display event a receiver needs
// for ordering: the producer-assigned sequence number and the envelope
// timestamp as a fallback when a producer omitted the sequence.
type FeedEvent struct {
	Seq       uint64
	Timestamp int64
	Envelope  *Envelope
}

// OrderFeed sorts events into display order: by sequence number when both
// sides carry one, otherwise by timestamp. The sort is stable so events that
// tie keep their arrival order. Timestamp ordering is a fallback only, not a
// correctness guarantee.
func OrderFeed(events []FeedEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if a.Seq != 0 && b.Seq != 0 {
			return a.Seq < b.Seq
		}
		return a.Timestamp < b.Timestamp
	})
}

// seqEnvelope extracts the seq field shared by all streamed payloads.
type seqEnvelope struct {
	Seq uint64 `json:"seq"`
}

// FeedEventOf wraps an envelope as a FeedEvent, pulling the sequence number
// out of the payload. Envelopes without a seq field get Seq 0 and order by
// timestamp.
func FeedEventOf(env *Envelope) FeedEvent {
	var s seqEnvelope
	_ = env.Decode(&s)
	return FeedEvent{Seq: s.Seq, Timestamp: env.Timestamp, Envelope: env}
}
