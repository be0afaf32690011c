package control_test

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/goleak"

	"github.com/idiehl/hyperdesk/internal/control"
	"github.com/idiehl/hyperdesk/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// messageSink records handled messages for assertions.
type messageSink struct {
	mu       sync.Mutex
	messages []protocol.Message
}

func (s *messageSink) handle(msg protocol.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
}

func (s *messageSink) waitForType(t *testing.T, want protocol.MessageType) protocol.Message {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		for _, msg := range s.messages {
			if msg.Type == want {
				s.mu.Unlock()
				return msg
			}
		}
		s.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no %s message handled", want)
	return protocol.Message{}
}

func (s *messageSink) types() []protocol.MessageType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.MessageType, len(s.messages))
	for i, msg := range s.messages {
		out[i] = msg.Type
	}
	return out
}

// startServer runs a control server on an ephemeral port and returns it
// with its ws URL.
func startServer(t *testing.T, handler control.Handler) (*control.Server, string) {
	t.Helper()

	srv := control.NewServer("127.0.0.1", 0, handler, testLogger())
	if err := srv.Start(); err != nil {
		t.Fatalf("server Start error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Stop(ctx)
	})
	return srv, fmt.Sprintf("ws://127.0.0.1:%d/", srv.Port())
}

func connectClient(t *testing.T, uri string) *control.Client {
	t.Helper()

	client := control.NewClient()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Connect(ctx, uri); err != nil {
		t.Fatalf("client Connect error: %v", err)
	}
	t.Cleanup(func() { client.Disconnect() })
	return client
}

func TestClientSendReachesHandler(t *testing.T) {
	sink := &messageSink{}
	_, uri := startServer(t, sink.handle)
	client := connectClient(t, uri)

	err := client.Send(protocol.TypePairingRequest, map[string]any{
		"device_id": "p1",
		"pair_code": "123456",
	}, "rid-1")
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}

	msg := sink.waitForType(t, protocol.TypePairingRequest)
	if msg.String("pair_code", "") != "123456" {
		t.Errorf("pair_code = %q", msg.String("pair_code", ""))
	}
	if msg.RequestID != "rid-1" {
		t.Errorf("request_id = %q", msg.RequestID)
	}
}

func TestBroadcastReachesAllClients(t *testing.T) {
	sink := &messageSink{}
	srv, uri := startServer(t, sink.handle)

	clientA := connectClient(t, uri)
	clientB := connectClient(t, uri)

	waitForPeers(t, srv, 2)

	frame, err := protocol.Encode(protocol.TypeSessionUpdate, sessionUpdatePayload(), "")
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}
	srv.Broadcast(frame)

	for _, client := range []*control.Client{clientA, clientB} {
		msg, recvErr := client.Recv()
		if recvErr != nil {
			t.Fatalf("Recv error: %v", recvErr)
		}
		if msg.Type != protocol.TypeSessionUpdate {
			t.Errorf("type = %q, want SESSION_UPDATE", msg.Type)
		}
	}
}

func TestBroadcastDropsDeadPeers(t *testing.T) {
	sink := &messageSink{}
	srv, uri := startServer(t, sink.handle)

	client := connectClient(t, uri)
	waitForPeers(t, srv, 1)
	client.Disconnect()

	// The server may need a broadcast or two to observe the dead peer.
	frame, _ := protocol.Encode(protocol.TypeSessionUpdate, sessionUpdatePayload(), "")
	deadline := time.Now().Add(5 * time.Second)
	for srv.PeerCount() > 0 && time.Now().Before(deadline) {
		srv.Broadcast(frame)
		time.Sleep(20 * time.Millisecond)
	}
	if srv.PeerCount() != 0 {
		t.Errorf("peer count = %d after disconnect, want 0", srv.PeerCount())
	}
}

func TestUndecodableFrameKeepsConnection(t *testing.T) {
	sink := &messageSink{}
	_, uri := startServer(t, sink.handle)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, uri, nil)
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// Raw garbage must be dropped without closing the connection...
	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("raw send error: %v", err)
	}

	// ...so a well-formed follow-up on the same connection still reaches
	// the handler.
	frame, err := protocol.Encode(protocol.TypeTransferStatus, map[string]any{
		"job_id": "j1", "status": "complete", "progress": 1.0, "checksum": "ab",
	}, "")
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("send error: %v", err)
	}

	sink.waitForType(t, protocol.TypeTransferStatus)
	for _, typ := range sink.types() {
		if typ != protocol.TypeTransferStatus {
			t.Errorf("unexpected handled type %q", typ)
		}
	}
}

func TestPerConnectionOrdering(t *testing.T) {
	sink := &messageSink{}
	_, uri := startServer(t, sink.handle)
	client := connectClient(t, uri)

	const n = 20
	for i := range n {
		err := client.Send(protocol.TypeTransferStatus, map[string]any{
			"job_id": "j1", "status": "transferring",
			"progress": float64(i) / float64(n), "checksum": "",
		}, fmt.Sprintf("seq-%02d", i))
		if err != nil {
			t.Fatalf("Send %d error: %v", i, err)
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(sink.types()) == n {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.messages) != n {
		t.Fatalf("handled %d messages, want %d", len(sink.messages), n)
	}
	for i, msg := range sink.messages {
		want := fmt.Sprintf("seq-%02d", i)
		if msg.RequestID != want {
			t.Fatalf("message %d request_id = %q, want %q (arrival order violated)", i, msg.RequestID, want)
		}
	}
}

// -------------------------------------------------------------------------
// Helpers
// -------------------------------------------------------------------------

func waitForPeers(t *testing.T, srv *control.Server, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for srv.PeerCount() != want && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if srv.PeerCount() != want {
		t.Fatalf("peer count = %d, want %d", srv.PeerCount(), want)
	}
}

func sessionUpdatePayload() map[string]any {
	return map[string]any{
		"session_id": "s1", "status": "connected",
		"mode": "approval", "approval_required": true, "conflict_rule": "keep_both",
		"allow_browse": true, "allow_requests": true, "allow_edits": false,
		"edit_mode": "copy_on_edit", "allow_client_share": true,
	}
}
