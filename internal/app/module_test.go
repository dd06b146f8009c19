package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/notify"
	"github.com/matheus3301/chatsync/internal/profile"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/remote/memstore"
	"github.com/matheus3301/chatsync/internal/rpc"
	"github.com/matheus3301/chatsync/internal/status"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// setupProfile points CHATSYNC_HOME at a short temp dir (Unix socket paths
// are length limited) and writes a profile config.
func setupProfile(t *testing.T, name string, cfg *config.Config) {
	t.Helper()
	home, err := os.MkdirTemp("/tmp", "chatsync-app-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(home) })
	t.Setenv(profile.HomeEnv, home)
	t.Setenv(config.EnvUserID, "")
	t.Setenv(config.EnvRemoteDSN, "")
	if cfg != nil {
		if err := config.Save(profile.ConfigPath(name), cfg); err != nil {
			t.Fatal(err)
		}
	}
}

func TestDaemonLifecycle(t *testing.T) {
	setupProfile(t, "test", &config.Config{UserID: "alice", DisplayName: "Alice"})
	rs := memstore.New()

	var (
		b       *bus.Bus
		machine *status.Machine
		engine  *intsync.Engine
	)
	app := fxtest.New(t,
		Module(Params{Profile: "test", Logger: zaptest.NewLogger(t), Remote: rs}),
		fx.Populate(&b, &machine, &engine),
	)
	app.RequireStart()

	deadline := time.Now().Add(3 * time.Second)
	for machine.Current() != status.Online {
		if time.Now().After(deadline) {
			t.Fatalf("sync state = %s, want ONLINE", machine.Current())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !engine.CacheAttached() {
		t.Error("local cache not attached")
	}
	if _, err := os.Stat(profile.CacheDBPath("test")); err != nil {
		t.Errorf("cache file: %v", err)
	}

	alerts, unsub := b.Subscribe(bus.KindNotificationShown, 8)
	defer unsub()
	buffers, unsubBuffers := b.Subscribe(bus.KindBufferUpdated, 64)
	defer unsubBuffers()

	ctx := context.Background()
	if err := rs.SetDocument(ctx, remote.ConversationPath("c1"), map[string]any{"participants": []string{"alice", "bob"}}); err != nil {
		t.Fatal(err)
	}
	// c1 appears after startup, so its messages alert once it is listened to.
	timeout := time.After(3 * time.Second)
	for baseline := false; !baseline; {
		select {
		case evt := <-buffers:
			baseline = evt.Payload.(intsync.BufferUpdate).ConversationID == "c1"
		case <-timeout:
			t.Fatal("monitor did not start a listener for c1")
		}
	}

	err := rs.SetDocument(ctx, remote.Join(remote.MessagesCollection("c1"), "m1"), map[string]any{
		"conversationId": "c1",
		"senderId":       "bob",
		"senderName":     "Bob",
		"text":           "hi alice",
		"timestamp":      int64(1000),
		"status":         "sent",
		"deliveredTo":    map[string]any{},
		"readBy":         map[string]any{},
	})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-alerts:
		alert, ok := evt.Payload.(notify.Alert)
		if !ok {
			t.Fatalf("payload = %T, want notify.Alert", evt.Payload)
		}
		if alert.SenderName != "Bob" || alert.Text != "hi alice" {
			t.Errorf("alert = %+v", alert)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for notification")
	}

	app.RequireStop()
	if _, err := os.Stat(profile.SocketPath("test")); !os.IsNotExist(err) {
		t.Errorf("socket not removed on stop: %v", err)
	}
	if _, err := os.Stat(filepath.Join(profile.Dir("test"), "LOCK")); !os.IsNotExist(err) {
		t.Errorf("lock not released on stop: %v", err)
	}
}

func TestSecondDaemonFailsOnLock(t *testing.T) {
	setupProfile(t, "test", &config.Config{UserID: "alice"})
	logger := zaptest.NewLogger(t)

	first := fxtest.New(t, Module(Params{Profile: "test", Logger: logger, Remote: memstore.New()}))
	first.RequireStart()
	defer first.RequireStop()

	second := fx.New(
		Module(Params{Profile: "test", Logger: logger, Remote: memstore.New(), SocketPath: filepath.Join(profile.Dir("test"), "2.sock")}),
		fx.NopLogger,
	)
	if err := second.Err(); err == nil {
		t.Fatal("second daemon started while the profile lock is held")
	}
}

func TestMissingUserIDFails(t *testing.T) {
	setupProfile(t, "test", nil)

	app := fx.New(Module(Params{Profile: "test", Logger: zaptest.NewLogger(t), Remote: memstore.New()}), fx.NopLogger)
	if err := app.Err(); err == nil {
		t.Fatal("daemon built without a user_id")
	}
}

func dialDaemon(t *testing.T, name string) *rpc.Client {
	t.Helper()
	conn, err := grpc.NewClient("unix://"+profile.SocketPath(name), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return rpc.NewClient(conn)
}

func waitState(t *testing.T, m *status.Machine, want status.State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for m.Current() != want {
		if time.Now().After(deadline) {
			t.Fatalf("sync state = %s, want %s", m.Current(), want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// TestConnectivityLossAndRecovery sends through the daemon socket while the
// remote store is unreachable and checks the queue drains on recovery.
func TestConnectivityLossAndRecovery(t *testing.T) {
	cfg := &config.Config{UserID: "alice", DisplayName: "Alice"}
	cfg.Connectivity.PingInterval = 10 * time.Millisecond
	cfg.Outbox.PollInterval = time.Hour
	setupProfile(t, "test", cfg)
	rs := memstore.New()

	var (
		machine *status.Machine
		engine  *intsync.Engine
	)
	app := fxtest.New(t,
		Module(Params{Profile: "test", Logger: zaptest.NewLogger(t), Remote: rs}),
		fx.Populate(&machine, &engine),
	)
	app.RequireStart()
	defer app.RequireStop()
	waitState(t, machine, status.Online)
	client := dialDaemon(t, "test")

	rs.SetReachable(false)
	waitState(t, machine, status.Offline)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	resp, err := client.Send(ctx, &rpc.SendRequest{ConversationID: "c1", Text: "queued while offline"})
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Queued || resp.Error != "" {
		t.Fatalf("send = %+v, want queued without error", resp)
	}
	st, err := client.Status(ctx, &rpc.StatusRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if st.State != string(status.Offline) || st.Queued != 1 {
		t.Errorf("status = %+v", st)
	}

	rs.SetReachable(true)
	waitState(t, machine, status.Online)
	deadline := time.Now().Add(3 * time.Second)
	for engine.Queue().Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("queue not drained after reconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if docs := rs.Documents(remote.MessagesCollection("c1")); len(docs) != 1 {
		t.Errorf("remote holds %d messages, want 1", len(docs))
	}
}
