package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/idiehl/hyperdesk/internal/control"
	"github.com/idiehl/hyperdesk/internal/model"
	"github.com/idiehl/hyperdesk/internal/protocol"
	"github.com/idiehl/hyperdesk/internal/transfer"
)

// peerOptions carries the resolved CLI flags.
type peerOptions struct {
	Host        string
	Port        int
	PairCode    string
	RequestPath string
	InboxDir    string
}

// runPeer drives the client protocol: pair, optionally request a file, and
// serve TRANSFER_OFFERs until the connection drops or the context ends.
func runPeer(ctx context.Context, opts peerOptions) error {
	client := control.NewClient()
	uri := fmt.Sprintf("ws://%s:%d/", opts.Host, opts.Port)
	if err := client.Connect(ctx, uri); err != nil {
		return err
	}
	defer client.Disconnect()

	// Unblock the Recv loop when the context is cancelled.
	go func() {
		<-ctx.Done()
		client.Disconnect()
	}()

	deviceName, deviceIP := localIdentity()
	err := client.Send(protocol.TypePairingRequest, map[string]any{
		"device_id":    uuid.NewString(),
		"pair_code":    opts.PairCode,
		"device_name":  deviceName,
		"device_ip":    deviceIP,
		"capabilities": []string{model.CapabilityHyperbox, model.CapabilityRequests},
	}, "")
	if err != nil {
		return err
	}
	fmt.Printf("[peer] Pairing request sent from %s.\n", deviceName)

	for {
		msg, err := client.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		fmt.Printf("[peer] Received: %s\n", msg.Type)

		switch msg.Type {
		case protocol.TypePairingAccept:
			if err := handlePairingAccept(client, msg, opts.RequestPath); err != nil {
				return err
			}
		case protocol.TypeSessionUpdate:
			fmt.Printf("[peer] Session status: %s\n", msg.String("status", ""))
		case protocol.TypeTransferOffer:
			if err := handleTransferOffer(client, msg, opts); err != nil {
				return err
			}
		case protocol.TypeTransferStatus:
			fmt.Printf("[peer] Transfer progress: %.0f%%\n", msg.Float64("progress", 0)*100)
		}
	}
}

// handlePairingAccept records the session identity and sends the optional
// file request.
func handlePairingAccept(client *control.Client, msg protocol.Message, requestPath string) error {
	sessionID := msg.String("session_id", "")
	token := msg.String("session_token", "")
	display := token
	if len(display) > 8 {
		display = display[:8]
	}
	fmt.Printf("[peer] Session active: %s token=%s...\n", sessionID, display)

	if requestPath == "" {
		return nil
	}
	err := client.Send(protocol.TypeTransferRequest, map[string]any{
		"session_id": sessionID,
		"path":       requestPath,
		"direction":  model.DirectionDownload,
		"size":       0,
		"requester":  model.RequesterPeer,
	}, "")
	if err != nil {
		return err
	}
	fmt.Printf("[peer] Requested file: %s\n", requestPath)
	return nil
}

// handleTransferOffer fetches the offered file over the framed TCP channel,
// streaming TRANSFER_STATUS updates back over the control connection.
func handleTransferOffer(client *control.Client, msg protocol.Message, opts peerOptions) error {
	offerHost := msg.String("host", opts.Host)
	offerPort := int(msg.Int64("port", int64(opts.Port)))
	filename := msg.String("filename", "file.bin")
	jobID := msg.String("job_id", "")
	conflictRule := msg.String("conflict_rule", model.ConflictKeepBoth)

	fmt.Printf("[peer] Receiving file: %s from %s:%d\n", filename, offerHost, offerPort)

	lastBytes := int64(0)
	lastTime := time.Now()
	onProgress := func(bytesReceived, totalSize int64) {
		now := time.Now()
		deltaBytes := bytesReceived - lastBytes
		deltaTime := now.Sub(lastTime).Seconds()
		if deltaTime < 0.0001 {
			deltaTime = 0.0001
		}
		rateMBps := float64(deltaBytes) / deltaTime / (1024 * 1024)
		lastBytes = bytesReceived
		lastTime = now

		if jobID == "" {
			return
		}
		progress := 1.0
		if totalSize > 0 {
			progress = float64(bytesReceived) / float64(totalSize)
		}
		// Progress updates are best-effort; the final status below decides.
		_ = client.Send(protocol.TypeTransferStatus, map[string]any{
			"job_id":       jobID,
			"path":         filename,
			"status":       model.TransferReceiving,
			"progress":     progress,
			"checksum":     "",
			"bytes_copied": bytesReceived,
			"size":         totalSize,
			"direction":    model.DirectionDownload,
			"rate_mbps":    rateMBps,
		}, "")
	}

	result, err := transfer.ReceiveFile(offerHost, offerPort, opts.InboxDir, onProgress, conflictRule)
	if err != nil {
		if jobID != "" {
			_ = client.Send(protocol.TypeTransferStatus, map[string]any{
				"job_id":   jobID,
				"status":   model.TransferFailed,
				"progress": 0.0,
				"checksum": "",
			}, "")
		}
		return err
	}

	status := model.TransferComplete
	checksum := result.Checksum
	if result.Skipped {
		status = model.TransferSkipped
		checksum = ""
	}
	if jobID != "" {
		err := client.Send(protocol.TypeTransferStatus, map[string]any{
			"job_id":       jobID,
			"path":         filename,
			"status":       status,
			"progress":     1.0,
			"checksum":     checksum,
			"bytes_copied": result.BytesReceived,
			"size":         result.BytesReceived,
			"direction":    model.DirectionDownload,
			"rate_mbps":    0.0,
		}, "")
		if err != nil {
			return err
		}
	}
	fmt.Printf("[peer] File saved to: %s\n", result.Path)
	return nil
}

// localIdentity resolves this host's name and first IPv4 address.
func localIdentity() (string, string) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "peer"
	}
	addrs, err := net.LookupIP(hostname)
	if err == nil {
		for _, addr := range addrs {
			if v4 := addr.To4(); v4 != nil {
				return hostname, v4.String()
			}
		}
	}
	return hostname, "127.0.0.1"
}
