// Package integration exercises the daemon end to end: a controller with
// its control server, watcher, and store, driven by a real control client
// the way hyperdesk-peer drives it.
package integration_test

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/idiehl/hyperdesk/internal/config"
	"github.com/idiehl/hyperdesk/internal/control"
	"github.com/idiehl/hyperdesk/internal/controller"
	"github.com/idiehl/hyperdesk/internal/model"
	"github.com/idiehl/hyperdesk/internal/protocol"
	"github.com/idiehl/hyperdesk/internal/transfer"
)

func startDaemon(t *testing.T) (*controller.Controller, *controller.State) {
	t.Helper()

	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Control.Port = 0
	cfg.Hyperbox.Root = filepath.Join(dir, "hyperbox")
	cfg.Store.Path = filepath.Join(dir, "data", "hyperdesk.db")

	state := controller.NewState()
	ctrl, err := controller.New(cfg, state, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("controller.New: %v", err)
	}
	if err := ctrl.Start(); err != nil {
		t.Fatalf("controller.Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ctrl.Shutdown(ctx)
	})
	return ctrl, state
}

// TestPeerRequestAndFetch walks the full peer flow: pair by code, request a
// remote file, receive the TRANSFER_OFFER, fetch the bytes over TCP, and
// report TRANSFER_STATUS back to the host.
func TestPeerRequestAndFetch(t *testing.T) {
	ctrl, state := startDaemon(t)

	// Seed a file under the hyperbox root that the peer will request.
	shared := filepath.Join(ctrl.Hyperbox().Root, "shared.bin")
	payload := make([]byte, 300*1024)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	if err := os.WriteFile(shared, payload, 0o644); err != nil {
		t.Fatal(err)
	}

	client := control.NewClient()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	uri := fmt.Sprintf("ws://127.0.0.1:%d/", ctrl.ControlPort())
	if err := client.Connect(ctx, uri); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Disconnect()

	// Pair by code.
	ctrl.StartPairing()
	err := client.Send(protocol.TypePairingRequest, map[string]any{
		"device_id":    "peer-1",
		"pair_code":    state.PairingCode(),
		"device_name":  "PEERBOX",
		"device_ip":    "127.0.0.1",
		"capabilities": []string{"hyperbox"},
	}, "")
	if err != nil {
		t.Fatalf("send pairing request: %v", err)
	}

	accept := recvType(t, client, protocol.TypePairingAccept)
	sessionID := accept.String("session_id", "")
	recvType(t, client, protocol.TypeSessionUpdate)

	// Request the shared file.
	err = client.Send(protocol.TypeTransferRequest, map[string]any{
		"session_id": sessionID,
		"path":       "shared.bin",
		"direction":  "download",
		"size":       0,
	}, "")
	if err != nil {
		t.Fatalf("send transfer request: %v", err)
	}

	// The host approves; being peer-originated, the transfer goes over the
	// network channel and a TRANSFER_OFFER is broadcast.
	waitUntil(t, "pending request", func() bool { return len(state.Requests()) == 1 })
	ctrl.ApproveRequest(state.Requests()[0].ID)

	offer := recvType(t, client, protocol.TypeTransferOffer)
	if offer.String("filename", "") != "shared.bin" {
		t.Fatalf("offered filename = %q", offer.String("filename", ""))
	}
	if offer.Int64("size", 0) != int64(len(payload)) {
		t.Errorf("offered size = %d, want %d", offer.Int64("size", 0), len(payload))
	}

	// Fetch the bytes.
	inbox := filepath.Join(t.TempDir(), "peer_inbox")
	result, err := transfer.ReceiveFile(
		"127.0.0.1",
		int(offer.Int64("port", 0)),
		inbox,
		nil,
		offer.String("conflict_rule", "keep_both"),
	)
	if err != nil {
		t.Fatalf("ReceiveFile: %v", err)
	}
	if result.BytesReceived != int64(len(payload)) {
		t.Errorf("received %d bytes, want %d", result.BytesReceived, len(payload))
	}

	got, err := os.ReadFile(result.Path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(payload) {
		t.Error("fetched bytes differ from the shared file")
	}

	// The host's sender checksum must match the receiver's.
	waitUntil(t, "host job completion", func() bool {
		for _, job := range state.Transfers() {
			if job.Status == model.TransferComplete {
				return true
			}
		}
		return false
	})
	var hostChecksum string
	for _, job := range state.Transfers() {
		if job.Status == model.TransferComplete {
			hostChecksum = job.Checksum
		}
	}
	if hostChecksum != result.Checksum {
		t.Errorf("host checksum %q != peer checksum %q", hostChecksum, result.Checksum)
	}

	// Report the terminal status back; the host persists and publishes it.
	err = client.Send(protocol.TypeTransferStatus, map[string]any{
		"job_id":       offer.String("job_id", ""),
		"path":         "shared.bin",
		"status":       model.TransferComplete,
		"progress":     1.0,
		"checksum":     result.Checksum,
		"bytes_copied": result.BytesReceived,
		"size":         result.BytesReceived,
		"direction":    "download",
		"rate_mbps":    0.0,
	}, "")
	if err != nil {
		t.Fatalf("send final status: %v", err)
	}

	waitUntil(t, "request completion", func() bool {
		for _, request := range state.Requests() {
			if request.Status == model.RequestCompleted {
				return true
			}
		}
		return false
	})
}

// recvType reads frames until one of the wanted type arrives.
func recvType(t *testing.T, client *control.Client, want protocol.MessageType) protocol.Message {
	t.Helper()
	for range 32 {
		msg, err := client.Recv()
		if err != nil {
			t.Fatalf("recv while waiting for %s: %v", want, err)
		}
		if msg.Type == want {
			return msg
		}
	}
	t.Fatalf("no %s frame received", want)
	return protocol.Message{}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
