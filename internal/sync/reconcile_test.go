package sync

import (
	"slices"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/status"
)

func rmsg(id, localID string, ts int64, st status.MessageStatus) chat.Message {
	return chat.Message{ID: id, LocalID: localID, SenderID: "u2", Timestamp: time.UnixMilli(ts), Status: st}
}

func TestReconcile(t *testing.T) {
	tests := []struct {
		name     string
		local    []chat.Message
		snapshot []chat.Message
		acked    map[string]bool
		want     []string
	}{
		{
			name:     "snapshot sorted by timestamp",
			snapshot: []chat.Message{rmsg("c", "", 3, status.Sent), rmsg("a", "", 1, status.Sent), rmsg("b", "", 2, status.Sent)},
			want:     []string{"a", "b", "c"},
		},
		{
			name:     "timestamp ties broken by id",
			snapshot: []chat.Message{rmsg("b", "", 1, status.Sent), rmsg("a", "", 1, status.Sent)},
			want:     []string{"a", "b"},
		},
		{
			name:     "pending entry survives until the remote has it",
			local:    []chat.Message{rmsg("l1", "l1", 5, status.Sending)},
			snapshot: []chat.Message{rmsg("r0", "", 1, status.Sent)},
			want:     []string{"r0", "l1"},
		},
		{
			name:     "remote copy supersedes pending entry by local id",
			local:    []chat.Message{rmsg("l1", "l1", 5, status.Sending)},
			snapshot: []chat.Message{rmsg("r1", "l1", 6, status.Sent)},
			want:     []string{"r1"},
		},
		{
			name:  "failed entry is kept",
			local: []chat.Message{rmsg("l1", "l1", 5, status.Failed)},
			want:  []string{"l1"},
		},
		{
			name:  "acked entry waits for the feed",
			local: []chat.Message{rmsg("r1", "l1", 5, status.Sent)},
			acked: map[string]bool{"r1": true},
			want:  []string{"r1"},
		},
		{
			name:  "confirmed entry missing from snapshot is dropped",
			local: []chat.Message{rmsg("r1", "", 5, status.Delivered)},
			want:  []string{},
		},
		{
			name:     "copies of one send collapse to the earliest",
			local:    []chat.Message{rmsg("l1", "l1", 5, status.Failed)},
			snapshot: []chat.Message{rmsg("r2", "l1", 7, status.Sent), rmsg("r1", "l1", 6, status.Sent)},
			want:     []string{"r1"},
		},
		{
			name:     "duplicate ids collapse",
			snapshot: []chat.Message{rmsg("a", "", 1, status.Sent), rmsg("a", "", 1, status.Sent)},
			want:     []string{"a"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ids(reconcile(tt.local, tt.snapshot, tt.acked))
			if !slices.Equal(got, tt.want) {
				t.Errorf("reconcile() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestReconcileRemoteWins verifies fields of the remote copy replace the
// local copy of the same message.
func TestReconcileRemoteWins(t *testing.T) {
	local := rmsg("a", "", 1, status.Sent)
	local.Text = "stale"
	remote := rmsg("a", "", 1, status.Read)
	remote.Text = "fresh"

	got := reconcile([]chat.Message{local}, []chat.Message{remote}, nil)
	if len(got) != 1 || got[0].Text != "fresh" || got[0].Status != status.Read {
		t.Errorf("reconcile() = %+v", got)
	}
}

func TestAppeared(t *testing.T) {
	prev := []chat.Message{rmsg("a", "", 1, status.Sent)}
	mine := rmsg("b", "", 2, status.Sent)
	mine.SenderID = "u1"
	next := []chat.Message{prev[0], mine, rmsg("c", "", 3, status.Sent)}

	got := ids(appeared(prev, next, "u1"))
	if !slices.Equal(got, []string{"c"}) {
		t.Errorf("appeared() = %v, want [c]", got)
	}
}

func TestUnionPrefersBuffer(t *testing.T) {
	buffered := rmsg("l1", "l1", 2, status.Sending)
	cached := rmsg("l1", "l1", 2, status.Failed)
	got := union([]chat.Message{buffered}, []chat.Message{cached, rmsg("a", "", 1, status.Sent)})
	if len(got) != 2 || got[0].ID != "a" || got[1].Status != status.Sending {
		t.Errorf("union() = %+v", got)
	}
}
