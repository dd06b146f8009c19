package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/matheus3301/chatsync/internal/health"
	"github.com/matheus3301/chatsync/internal/profile"
	"github.com/matheus3301/chatsync/internal/rpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides $CHATSYNC_PROFILE and config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}
	if args[0] == "profiles" {
		cmdProfiles(*jsonFlag)
		return
	}

	name, err := profile.Resolve(*profileFlag)
	if err != nil {
		fatalf("%v", err)
	}

	conn, err := grpc.NewClient(
		"unix://"+profile.SocketPath(name),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		fatalf("cannot connect to daemon for profile %q: %v", name, err)
	}
	defer func() { _ = conn.Close() }()
	client := rpc.NewClient(conn)

	if args[0] == "watch" {
		cmdWatch(client, args[1:])
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch args[0] {
	case "status":
		cmdStatus(ctx, healthpb.NewHealthClient(conn), client, name, *jsonFlag)
	case "send":
		need(args, 3, "send <conversation> <text...>")
		cmdSend(ctx, client, args[1], strings.Join(args[2:], " "), *jsonFlag)
	case "read":
		need(args, 2, "read <conversation> [message ids...]")
		cmdRead(ctx, client, args[1], args[2:], *jsonFlag)
	case "focus":
		conversation := ""
		if len(args) > 1 {
			conversation = args[1]
		}
		cmdFocus(ctx, client, conversation, *jsonFlag)
	case "list":
		need(args, 2, "list <conversation>")
		resp, err := client.ListMessages(ctx, &rpc.ListMessagesRequest{ConversationID: args[1]})
		if err != nil {
			fatalf("%v", err)
		}
		printMessages(resp.Messages, *jsonFlag)
	case "typing":
		need(args, 3, "typing <conversation> on|off")
		if _, err := client.SetTyping(ctx, &rpc.SetTypingRequest{ConversationID: args[1], Typing: args[2] == "on"}); err != nil {
			fatalf("%v", err)
		}
	case "discard":
		need(args, 2, "discard <local id>")
		if _, err := client.Discard(ctx, &rpc.DiscardRequest{LocalID: args[1]}); err != nil {
			fatalf("%v", err)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: chatsyncctl [--profile <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                          Show daemon and sync health")
	fmt.Fprintln(os.Stderr, "  send <conversation> <text>      Send a message")
	fmt.Fprintln(os.Stderr, "  read <conversation> [ids...]    Mark messages read (all unread by default)")
	fmt.Fprintln(os.Stderr, "  focus [conversation]            Suppress alerts for a conversation; no argument clears")
	fmt.Fprintln(os.Stderr, "  list <conversation>             Show the visible messages")
	fmt.Fprintln(os.Stderr, "  typing <conversation> on|off    Set the typing indicator")
	fmt.Fprintln(os.Stderr, "  discard <local id>              Drop a queued message")
	fmt.Fprintln(os.Stderr, "  watch [prefix]                  Stream daemon events")
	fmt.Fprintln(os.Stderr, "  profiles                        List profiles")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

func need(args []string, n int, usage string) {
	if len(args) < n {
		fatalf("usage: chatsyncctl %s", usage)
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

type statusOutput struct {
	Profile string `json:"profile"`
	Daemon  string `json:"daemon"`
	Sync    string `json:"sync"`
	State   string `json:"state,omitempty"`
	Queued  int    `json:"queued"`
}

func cmdStatus(ctx context.Context, hc healthpb.HealthClient, client *rpc.Client, name string, asJSON bool) {
	daemon, err := hc.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		fatalf("daemon for profile %q is not reachable: %v", name, err)
	}
	sync, err := hc.Check(ctx, &healthpb.HealthCheckRequest{Service: health.SyncService})
	if err != nil {
		fatalf("%v", err)
	}

	out := statusOutput{Profile: name, Daemon: daemon.Status.String(), Sync: sync.Status.String()}
	if st, err := client.Status(ctx, &rpc.StatusRequest{}); err == nil {
		out.State, out.Queued = st.State, st.Queued
	}
	if asJSON {
		printJSON(out)
	} else {
		fmt.Printf("Profile: %s\n", out.Profile)
		fmt.Printf("Daemon:  %s\n", out.Daemon)
		fmt.Printf("Sync:    %s\n", out.Sync)
		if out.State != "" {
			fmt.Printf("State:   %s\n", out.State)
			fmt.Printf("Queued:  %d\n", out.Queued)
		}
	}
	if sync.Status != healthpb.HealthCheckResponse_SERVING {
		os.Exit(2)
	}
}

func cmdSend(ctx context.Context, client *rpc.Client, conversation, text string, asJSON bool) {
	resp, err := client.Send(ctx, &rpc.SendRequest{ConversationID: conversation, Text: text})
	if err != nil {
		fatalf("%v", err)
	}
	if asJSON {
		printJSON(resp)
		return
	}
	switch {
	case resp.Error != "":
		fmt.Printf("failed, queued for retry: %s (%s)\n", resp.Message.LocalID, resp.Error)
	case resp.Queued:
		fmt.Printf("offline, queued: %s\n", resp.Message.LocalID)
	default:
		fmt.Printf("sent: %s\n", resp.Message.ID)
	}
}

func cmdRead(ctx context.Context, client *rpc.Client, conversation string, ids []string, asJSON bool) {
	resp, err := client.MarkRead(ctx, &rpc.MarkReadRequest{ConversationID: conversation, MessageIDs: ids})
	if err != nil {
		fatalf("%v", err)
	}
	if asJSON {
		printJSON(resp)
	} else {
		fmt.Printf("marked %d read\n", len(resp.Marked))
		for _, id := range resp.Failed {
			fmt.Printf("failed: %s\n", id)
		}
	}
	if len(resp.Failed) > 0 {
		os.Exit(2)
	}
}

func cmdFocus(ctx context.Context, client *rpc.Client, conversation string, asJSON bool) {
	resp, err := client.Focus(ctx, &rpc.FocusRequest{ConversationID: conversation})
	if err != nil {
		fatalf("%v", err)
	}
	if conversation == "" {
		fmt.Println("focus cleared")
		return
	}
	printMessages(resp.Messages, asJSON)
}

func printMessages(msgs []rpc.Message, asJSON bool) {
	if asJSON {
		printJSON(msgs)
		return
	}
	for _, m := range msgs {
		ts := time.UnixMilli(m.TimestampUnixMs).Format(time.DateTime)
		sender := m.SenderName
		if sender == "" {
			sender = m.SenderID
		}
		fmt.Printf("%s  %-12s %-9s %s\n", ts, sender, m.Status, m.Text)
	}
}

func cmdWatch(client *rpc.Client, args []string) {
	prefix := ""
	if len(args) > 0 {
		prefix = args[0]
	}
	events, err := client.WatchEvents(context.Background(), &rpc.WatchEventsRequest{Prefix: prefix})
	if err != nil {
		fatalf("%v", err)
	}
	for {
		evt, err := events.Recv()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("%s %s %s\n", time.UnixMilli(evt.OccurredAtUnixMs).Format(time.TimeOnly), evt.Kind, evt.Payload)
	}
}

func cmdProfiles(asJSON bool) {
	names, err := profile.List()
	if err != nil {
		fatalf("%v", err)
	}
	if asJSON {
		printJSON(names)
		return
	}
	for _, n := range names {
		fmt.Println(n)
	}
}
