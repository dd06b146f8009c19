package sync

import (
	"context"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/remote/memstore"
	"github.com/matheus3301/chatsync/internal/status"
)

func TestConnectivityLossQueuesAndReconnectDrains(t *testing.T) {
	s := memstore.New()
	b := bus.New()
	machine := status.NewMachine(status.Online, b)
	e, _ := newTestEngine(t, s, func(o *Options) {
		o.Bus = b
		o.Machine = machine
	})
	ctx := context.Background()
	e.Start(ctx, time.Hour)
	startSynced(t, e, b, "c1")
	e.WatchConnectivity(5*time.Millisecond, 5*time.Millisecond)

	s.SetReachable(false)
	eventually(t, func() bool { return machine.Current() == status.Offline }, "offline")

	m, err := e.SendMessage(ctx, Outgoing{ConversationID: "c1", Text: "while offline"})
	if err != nil {
		t.Fatalf("offline send error = %v, want nil", err)
	}
	if !e.Queue().Contains(m.LocalID) {
		t.Fatal("offline message not queued")
	}

	s.SetReachable(true)
	eventually(t, func() bool { return machine.Current() == status.Online }, "online")
	eventually(t, func() bool { return e.Queue().Len() == 0 }, "queue drain")
	if docs := s.Documents(remote.MessagesCollection("c1")); len(docs) != 1 {
		t.Errorf("remote holds %d messages, want 1", len(docs))
	}

	putMessage(t, s, "c1", "after", "u2", time.Now().UnixMilli()+1000, nil)
	eventually(t, func() bool {
		for _, m := range e.Messages("c1") {
			if m.ID == "after" {
				return true
			}
		}
		return false
	}, "listener restarted")
}

func TestConnectivityIgnoresStoresWithoutPing(t *testing.T) {
	e, _ := newTestEngine(t, struct{ remote.Store }{memstore.New()})
	e.WatchConnectivity(time.Millisecond, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	if got := e.machine.Current(); got != status.Online {
		t.Errorf("state = %s, want ONLINE", got)
	}
}
