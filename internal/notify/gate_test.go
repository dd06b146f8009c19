package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"go.uber.org/zap/zaptest"
)

type recordingDisplay struct {
	mu     sync.Mutex
	alerts []Alert
	err    error
}

func (d *recordingDisplay) Show(_ context.Context, senderName, text, conversationID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.alerts = append(d.alerts, Alert{SenderName: senderName, Text: text, ConversationID: conversationID})
	return d.err
}

type names map[string]string

func (n names) DisplayName(_, userID string) (string, bool) {
	name, ok := n[userID]
	return name, ok
}

func msgs(cid string, senders ...string) []chat.Message {
	out := make([]chat.Message, len(senders))
	for i, s := range senders {
		out[i] = chat.Message{ID: cid + "-" + s, ConversationID: cid, SenderID: s, Text: "hi from " + s}
	}
	return out
}

func TestGateSuppression(t *testing.T) {
	tests := []struct {
		name    string
		active  string
		cid     string
		senders []string
		want    int
	}{
		{"active conversation suppressed", "A", "A", []string{"u2", "u3"}, 0},
		{"other conversation alerts", "A", "B", []string{"u2", "u3"}, 2},
		{"no active conversation", "", "B", []string{"u2"}, 1},
		{"self-authored never alerts", "", "B", []string{"me", "u2", "me"}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &recordingDisplay{}
			g := NewGate("me", d, nil, zaptest.NewLogger(t))
			g.SetActive(tt.active)
			g.Consider(context.Background(), tt.cid, msgs(tt.cid, tt.senders...))
			if len(d.alerts) != tt.want {
				t.Errorf("alerts = %d, want %d", len(d.alerts), tt.want)
			}
			for _, a := range d.alerts {
				if a.ConversationID != tt.cid {
					t.Errorf("alert conversation = %q, want %q", a.ConversationID, tt.cid)
				}
			}
		})
	}
}

func TestClearActive(t *testing.T) {
	d := &recordingDisplay{}
	g := NewGate("me", d, nil, nil)
	g.SetActive("A")
	g.ClearActive()
	if g.Active() != "" {
		t.Fatalf("Active() = %q after clear", g.Active())
	}
	g.Consider(context.Background(), "A", msgs("A", "u2"))
	if len(d.alerts) != 1 {
		t.Errorf("alerts = %d, want 1 after clearing active", len(d.alerts))
	}
}

func TestSenderNameFallback(t *testing.T) {
	d := &recordingDisplay{}
	g := NewGate("me", d, names{"u2": "Bea"}, nil)
	in := msgs("B", "u2", "u3")
	in[0].SenderName = ""
	in[1].SenderName = ""
	g.Consider(context.Background(), "B", in)

	if d.alerts[0].SenderName != "Bea" {
		t.Errorf("resolved name = %q, want Bea", d.alerts[0].SenderName)
	}
	if d.alerts[1].SenderName != "u3" {
		t.Errorf("fallback name = %q, want u3", d.alerts[1].SenderName)
	}
}

func TestDisplayFailureDoesNotStopBatch(t *testing.T) {
	d := &recordingDisplay{err: errors.New("no notification service")}
	g := NewGate("me", d, nil, zaptest.NewLogger(t))
	g.Consider(context.Background(), "B", msgs("B", "u2", "u3"))
	if len(d.alerts) != 2 {
		t.Errorf("alerts attempted = %d, want 2", len(d.alerts))
	}
}

func TestLogDisplayPublishes(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe(bus.KindNotificationShown, 4)
	defer unsub()

	d := NewLogDisplay(zaptest.NewLogger(t), b)
	if err := d.Show(context.Background(), "Bea", "hello", "B"); err != nil {
		t.Fatal(err)
	}
	select {
	case evt := <-ch:
		if a := evt.Payload.(Alert); a.SenderName != "Bea" || a.ConversationID != "B" {
			t.Errorf("alert = %+v", a)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for notify.shown")
	}
}
