package sync

import (
	"slices"
	"strings"

	"github.com/matheus3301/chatsync/internal/chat"
)

// reconcile computes the visible buffer after a remote snapshot.
//
// The snapshot wins for every message it contains. A local entry survives
// only while it has no remote counterpart, matched by id or local id, and is
// either still pending or confirmed by a send acknowledgement the feed has
// not caught up with (acked). Anything else missing from the snapshot is
// gone remotely.
//
// Remote documents sharing a local id are copies of one send (a resend after
// a lost acknowledgement); only the earliest is kept.
func reconcile(local, snapshot []chat.Message, acked map[string]bool) []chat.Message {
	remote := slices.Clone(snapshot)
	slices.SortStableFunc(remote, compareMessages)

	out := make([]chat.Message, 0, len(snapshot)+len(local))
	ids := make(map[string]bool, len(snapshot))
	localIDs := make(map[string]bool, len(snapshot))
	for _, m := range remote {
		if m.LocalID != "" {
			if localIDs[m.LocalID] {
				continue
			}
			localIDs[m.LocalID] = true
		}
		ids[m.ID] = true
		out = append(out, m.Clone())
	}

	for _, m := range local {
		if ids[m.ID] {
			continue
		}
		if m.LocalID != "" && (localIDs[m.LocalID] || ids[m.LocalID]) {
			continue
		}
		if m.Status.Pending() || acked[m.ID] {
			out = append(out, m.Clone())
		}
	}
	return sortUnique(out)
}

// union merges cached rows into a buffer, keeping the buffer's copy on
// conflict.
func union(buffer, cached []chat.Message) []chat.Message {
	out := make([]chat.Message, 0, len(buffer)+len(cached))
	for _, m := range buffer {
		out = append(out, m.Clone())
	}
	for _, m := range cached {
		out = append(out, m.Clone())
	}
	return sortUnique(out)
}

// sortUnique orders msgs by timestamp ascending, ties broken by id, and drops
// later duplicates of an id. The first occurrence of an id wins.
func sortUnique(msgs []chat.Message) []chat.Message {
	seen := make(map[string]bool, len(msgs))
	out := msgs[:0]
	for _, m := range msgs {
		if seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		out = append(out, m)
	}
	slices.SortStableFunc(out, compareMessages)
	return out
}

func compareMessages(a, b chat.Message) int {
	if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

// appeared returns the messages of next whose id was not in prev and that
// were not authored by self.
func appeared(prev, next []chat.Message, self string) []chat.Message {
	known := make(map[string]bool, len(prev))
	for _, m := range prev {
		known[m.ID] = true
	}
	var fresh []chat.Message
	for _, m := range next {
		if known[m.ID] || m.SenderID == self {
			continue
		}
		fresh = append(fresh, m.Clone())
	}
	return fresh
}

func cloneAll(msgs []chat.Message) []chat.Message {
	out := make([]chat.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}
