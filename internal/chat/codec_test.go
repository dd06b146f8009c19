package chat

import (
	"errors"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/status"
)

func TestDecodeMessage(t *testing.T) {
	doc := remote.Document{ID: "r1", Fields: map[string]any{
		"localId":        "l1",
		"conversationId": "c1",
		"senderId":       "u1",
		"senderName":     "Ana",
		"text":           "hello",
		"timestamp":      float64(1700000000123),
		"status":         "delivered",
		"deliveredTo":    map[string]any{"u2": float64(1700000000500)},
		"readBy":         map[string]any{},
	}}
	m, err := DecodeMessage(doc)
	if err != nil {
		t.Fatal(err)
	}
	if m.ID != "r1" || m.LocalID != "l1" || m.ConversationID != "c1" {
		t.Errorf("ids = %q/%q/%q", m.ID, m.LocalID, m.ConversationID)
	}
	if m.Status != status.Delivered {
		t.Errorf("status = %s, want delivered", m.Status)
	}
	if !m.Timestamp.Equal(time.UnixMilli(1700000000123)) {
		t.Errorf("timestamp = %v", m.Timestamp)
	}
	if !m.DeliveredToUser("u2") || m.ReadByUser("u2") {
		t.Errorf("receipts = %v / %v", m.DeliveredTo, m.ReadBy)
	}
}

func TestDecodeMessageRejectsMalformed(t *testing.T) {
	base := func() map[string]any {
		return map[string]any{
			"conversationId": "c1",
			"senderId":       "u1",
			"text":           "hi",
			"timestamp":      float64(1000),
			"status":         "sent",
		}
	}
	tests := []struct {
		name   string
		mutate func(map[string]any)
	}{
		{"missing sender", func(f map[string]any) { delete(f, "senderId") }},
		{"missing conversation", func(f map[string]any) { delete(f, "conversationId") }},
		{"missing timestamp", func(f map[string]any) { delete(f, "timestamp") }},
		{"timestamp wrong type", func(f map[string]any) { f["timestamp"] = "yesterday" }},
		{"text wrong type", func(f map[string]any) { f["text"] = float64(3) }},
		{"receipts wrong type", func(f map[string]any) { f["deliveredTo"] = []any{"u2"} }},
		{"unknown status", func(f map[string]any) { f["status"] = "archived" }},
		{"sending status", func(f map[string]any) { f["status"] = "sending" }},
		{"failed status", func(f map[string]any) { f["status"] = "failed" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := base()
			tt.mutate(f)
			_, err := DecodeMessage(remote.Document{ID: "r1", Fields: f})
			if !errors.Is(err, ErrMalformed) {
				t.Errorf("err = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestDecodeMessageMissingStatusIsSent(t *testing.T) {
	m, err := DecodeMessage(remote.Document{ID: "r1", Fields: map[string]any{
		"conversationId": "c1", "senderId": "u1", "timestamp": float64(1),
	}})
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != status.Sent {
		t.Errorf("status = %s, want sent", m.Status)
	}
}

func TestMessageFieldsUsesServerTimestamp(t *testing.T) {
	f := MessageFields(Message{LocalID: "l1", ConversationID: "c1", SenderID: "u1", Text: "x"})
	if !remote.IsServerTimestamp(f["timestamp"]) {
		t.Errorf("timestamp = %v, want server timestamp", f["timestamp"])
	}
	if f["status"] != "sent" || f["localId"] != "l1" {
		t.Errorf("fields = %v", f)
	}
	if _, ok := f["senderPhotoRef"]; ok {
		t.Error("empty photo ref should be omitted")
	}
}

func TestCloneIsDeep(t *testing.T) {
	m := Message{DeliveredTo: map[string]time.Time{"u2": time.Now()}}
	c := m.Clone()
	c.DeliveredTo["u3"] = time.Now()
	if len(m.DeliveredTo) != 1 {
		t.Error("Clone shares the receipt map")
	}
}

func TestDecodeConversation(t *testing.T) {
	c, err := DecodeConversation(remote.Document{ID: "c1", Fields: map[string]any{
		"participants":     []any{"u1", "u2"},
		"participantNames": map[string]any{"u2": "Bea"},
		"lastMessageAt":    float64(5000),
	}})
	if err != nil {
		t.Fatal(err)
	}
	if len(c.Participants) != 2 || c.ParticipantNames["u2"] != "Bea" {
		t.Errorf("conversation = %+v", c)
	}
	if _, err := DecodeConversation(remote.Document{ID: "c2", Fields: map[string]any{}}); !errors.Is(err, ErrMalformed) {
		t.Errorf("err = %v, want ErrMalformed", err)
	}
}

func TestDecodeTyping(t *testing.T) {
	sig, err := DecodeTyping(remote.Document{ID: "u2", Fields: map[string]any{
		"conversationId": "c1", "lastRefreshedAt": float64(9000),
	}})
	if err != nil {
		t.Fatal(err)
	}
	if sig.UserID != "u2" || !sig.LastRefreshedAt.Equal(time.UnixMilli(9000)) {
		t.Errorf("signal = %+v", sig)
	}
	if _, err := DecodeTyping(remote.Document{ID: "u3", Fields: map[string]any{}}); !errors.Is(err, ErrMalformed) {
		t.Errorf("err = %v, want ErrMalformed", err)
	}
}
