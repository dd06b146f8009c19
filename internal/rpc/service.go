// Package rpc exposes the sync engine to local clients over the daemon's
// gRPC socket. Messages are JSON encoded.
package rpc

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/notify"
	"github.com/matheus3301/chatsync/internal/status"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"github.com/matheus3301/chatsync/internal/typing"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

const defaultListLimit = 50

var _ SyncServer = (*SyncService)(nil)

// Identity is how the local user appears on sent messages.
type Identity struct {
	Name     string
	PhotoRef string
}

// SyncService implements SyncServer over the engine, the notification gate
// and the typing tracker.
type SyncService struct {
	engine  *intsync.Engine
	gate    *notify.Gate
	tracker *typing.Tracker
	machine *status.Machine
	bus     *bus.Bus
	self    Identity
	userID  string
	logger  *zap.Logger
}

// NewSyncService creates the command service.
func NewSyncService(userID string, self Identity, engine *intsync.Engine, gate *notify.Gate, tracker *typing.Tracker, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *SyncService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SyncService{
		engine:  engine,
		gate:    gate,
		tracker: tracker,
		machine: machine,
		bus:     b,
		self:    self,
		userID:  userID,
		logger:  logger,
	}
}

func (s *SyncService) Send(ctx context.Context, req *SendRequest) (*SendResponse, error) {
	if req.ConversationID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "conversation id is required")
	}
	m, err := s.engine.SendMessage(ctx, intsync.Outgoing{
		ConversationID: req.ConversationID,
		Text:           req.Text,
		SenderName:     s.self.Name,
		SenderPhotoRef: s.self.PhotoRef,
	})
	switch {
	case errors.Is(err, intsync.ErrEmptyMessage):
		return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, intsync.ErrSendFailed):
		return &SendResponse{Message: messageToWire(m), Queued: true, Error: err.Error()}, nil
	case err != nil:
		return nil, grpcstatus.Errorf(codes.Internal, "send: %v", err)
	}
	return &SendResponse{Message: messageToWire(m), Queued: s.engine.Queue().Contains(m.LocalID)}, nil
}

func (s *SyncService) MarkRead(ctx context.Context, req *MarkReadRequest) (*MarkReadResponse, error) {
	if req.ConversationID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "conversation id is required")
	}
	ids := req.MessageIDs
	if len(ids) == 0 {
		for _, m := range s.engine.Messages(req.ConversationID) {
			if m.SenderID != s.userID && m.Status.Confirmed() && !m.ReadByUser(s.userID) {
				ids = append(ids, m.ID)
			}
		}
	}

	failed := map[string]bool{}
	for _, err := range multierr.Errors(s.engine.MarkAsRead(ctx, req.ConversationID, ids)) {
		var su *intsync.StatusUpdateError
		if errors.As(err, &su) {
			failed[su.MessageID] = true
		}
	}
	resp := &MarkReadResponse{Marked: []string{}}
	for _, id := range ids {
		if failed[id] {
			resp.Failed = append(resp.Failed, id)
		} else {
			resp.Marked = append(resp.Marked, id)
		}
	}
	return resp, nil
}

// Focus marks the conversation active, so it raises no alerts, and makes
// sure it has a listener.
func (s *SyncService) Focus(ctx context.Context, req *FocusRequest) (*FocusResponse, error) {
	if req.ConversationID == "" {
		s.gate.ClearActive()
		return &FocusResponse{Messages: []Message{}}, nil
	}
	s.gate.SetActive(req.ConversationID)
	if !s.engine.Listening(req.ConversationID) {
		if err := s.engine.StartListening(ctx, req.ConversationID); err != nil {
			return nil, grpcstatus.Errorf(codes.Unavailable, "listen: %v", err)
		}
	}
	return &FocusResponse{Messages: messagesToWire(s.engine.Messages(req.ConversationID))}, nil
}

func (s *SyncService) SetTyping(ctx context.Context, req *SetTypingRequest) (*Empty, error) {
	if req.ConversationID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "conversation id is required")
	}
	if err := s.tracker.SetTyping(ctx, req.ConversationID, req.Typing); err != nil {
		return nil, grpcstatus.Errorf(codes.Unavailable, "%v", err)
	}
	return &Empty{}, nil
}

// ListMessages returns the newest Limit messages of the visible buffer.
func (s *SyncService) ListMessages(_ context.Context, req *ListMessagesRequest) (*ListMessagesResponse, error) {
	limit := defaultListLimit
	if req.Limit > 0 {
		limit = req.Limit
	}
	msgs := s.engine.Messages(req.ConversationID)
	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[len(msgs)-limit:]
	}
	return &ListMessagesResponse{Messages: messagesToWire(msgs), HasMore: hasMore}, nil
}

func (s *SyncService) Discard(ctx context.Context, req *DiscardRequest) (*Empty, error) {
	if err := s.engine.Discard(ctx, req.LocalID); err != nil {
		if errors.Is(err, intsync.ErrNotQueued) {
			return nil, grpcstatus.Error(codes.NotFound, err.Error())
		}
		return nil, grpcstatus.Errorf(codes.Internal, "discard: %v", err)
	}
	return &Empty{}, nil
}

func (s *SyncService) Status(_ context.Context, _ *StatusRequest) (*StatusResponse, error) {
	return &StatusResponse{
		State:   string(s.machine.Current()),
		Queued:  s.engine.Queue().Len(),
		Active:  s.gate.Active(),
		Dropped: s.bus.Dropped(),
	}, nil
}

// WatchEvents streams bus events until the client goes away.
func (s *SyncService) WatchEvents(req *WatchEventsRequest, stream EventStream) error {
	ch, unsub := s.bus.Subscribe(req.Prefix, 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			payload, err := marshalPayload(evt.Payload)
			if err != nil {
				s.logger.Debug("event payload not encodable", zap.String("kind", evt.Kind), zap.Error(err))
			}
			if err := stream.Send(&Event{
				Kind:             evt.Kind,
				OccurredAtUnixMs: evt.Timestamp.UnixMilli(),
				Payload:          payload,
			}); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

// marshalPayload encodes an event payload. Error fields become strings.
func marshalPayload(p any) (json.RawMessage, error) {
	switch v := p.(type) {
	case nil:
		return nil, nil
	case intsync.SendFailure:
		p = struct {
			ConversationID string `json:"conversationId"`
			LocalID        string `json:"localId"`
			Error          string `json:"error"`
		}{v.ConversationID, v.LocalID, errString(v.Err)}
	case intsync.Degradation:
		p = struct {
			ConversationID string `json:"conversationId,omitempty"`
			Error          string `json:"error"`
		}{v.ConversationID, errString(v.Err)}
	case intsync.BufferUpdate:
		p = struct {
			ConversationID string    `json:"conversationId"`
			Messages       []Message `json:"messages"`
		}{v.ConversationID, messagesToWire(v.Messages)}
	}
	return json.Marshal(p)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
