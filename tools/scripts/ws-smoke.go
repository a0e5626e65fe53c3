// Package main provides a CI-friendly WebSocket smoke test for the Parley
// realtime surface.
//
// It validates:
//   - handshake + subprotocol selection against a running server
//   - the connected acknowledgement and initial list burst
//   - select_chat followed by send_message -> message_sent
//
// A valid session token is required (obtain one through /auth/login).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"

	v1 "parley/contracts/realtime/v1"
)

const (
	defaultSubprotocol = "parley.realtime.v1"
	maxReadBytes       = 1 << 20 // 1MiB
)

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		token   = flag.String("token", "", "Session token (required)")
		convID  = flag.String("conv", "", "Conversation ID to select and send into (optional)")
		text    = flag.String("text", "parley smoke test", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if *token == "" {
		fatalf("-token is required")
	}
	if _, err := url.Parse(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	dialURL := *wsURL
	if strings.Contains(dialURL, "?") {
		dialURL += "&token=" + url.QueryEscape(*token)
	} else {
		dialURL += "?token=" + url.QueryEscape(*token)
	}

	conn, _, err := websocket.Dial(ctx, dialURL, &websocket.DialOptions{
		Subprotocols: []string{defaultSubprotocol},
		HTTPHeader:   http.Header{"Origin": []string{*origin}},
	})
	if err != nil {
		fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "smoke done")
	conn.SetReadLimit(maxReadBytes)

	if sp := conn.Subprotocol(); sp != defaultSubprotocol {
		fatalf("subprotocol: got %q want %q", sp, defaultSubprotocol)
	}

	connected := await(ctx, conn, v1.TypeConnected, *timeout)
	var cp v1.ConnectedPayload
	must(json.Unmarshal(connected.Payload, &cp), "decode connected")
	step(*verbose, "connected session=%s user=%s", cp.SessionID, cp.UserID)

	chats := await(ctx, conn, v1.TypeChatsLoaded, *timeout)
	var chatsP v1.ChatsLoadedPayload
	must(json.Unmarshal(chats.Payload, &chatsP), "decode chats_loaded")
	step(*verbose, "chats_loaded n=%d", len(chatsP.Chats))

	channels := await(ctx, conn, v1.TypeChannelsLoaded, *timeout)
	var chansP v1.ChannelsLoadedPayload
	must(json.Unmarshal(channels.Payload, &chansP), "decode channels_loaded")
	step(*verbose, "channels_loaded n=%d", len(chansP.Channels))

	target := *convID
	if target == "" && len(chatsP.Chats) > 0 {
		target = chatsP.Chats[0].ID
	}
	if target == "" {
		fmt.Println("OK (no conversation available; select/send skipped)")
		return
	}

	send(ctx, conn, v1.TypeSelectChat, v1.SelectChatPayload{ConversationID: target})
	step(*verbose, "select_chat conv=%s", target)

	send(ctx, conn, v1.TypeSendMessage, v1.SendMessagePayload{ConversationID: target, Text: *text})
	ack := await(ctx, conn, v1.TypeMessageSent, *timeout)
	var ackP v1.MessagePayload
	must(json.Unmarshal(ack.Payload, &ackP), "decode message_sent")
	if !ackP.Message.FromMe {
		fatalf("message_sent not marked from_me")
	}
	step(*verbose, "message_sent id=%s", ackP.Message.ID)

	fmt.Println("OK")
}

func send(ctx context.Context, conn *websocket.Conn, typ string, payload any) {
	b, err := json.Marshal(payload)
	must(err, "marshal payload")
	env := v1.Envelope{V: v1.Version, Type: typ, TS: time.Now().UTC(), Payload: b}
	data, err := json.Marshal(env)
	must(err, "marshal envelope")
	must(conn.Write(ctx, websocket.MessageText, data), "write "+typ)
}

func await(ctx context.Context, conn *websocket.Conn, typ string, timeout time.Duration) v1.Envelope {
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		_, data, err := conn.Read(stepCtx)
		if err != nil {
			fatalf("read waiting for %s: %v", typ, err)
		}
		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			fatalf("decode envelope: %v", err)
		}
		if env.Type == v1.TypeError {
			var p v1.ErrorPayload
			_ = json.Unmarshal(env.Payload, &p)
			fatalf("server error while waiting for %s: %s (%s)", typ, p.Code, p.Message)
		}
		if env.Type == typ {
			return env
		}
	}
}

func step(verbose bool, format string, args ...any) {
	if verbose {
		fmt.Printf(format+"\n", args...)
	}
}

func must(err error, what string) {
	if err != nil {
		fatalf("%s: %v", what, err)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "ws-smoke: "+format+"\n", args...)
	os.Exit(1)
}
