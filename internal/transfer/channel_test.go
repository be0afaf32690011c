package transfer_test

import (
	"bytes"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/idiehl/hyperdesk/internal/transfer"
)

// sendInBackground opens a sender for path and returns the port plus a
// channel delivering the sender's result.
func sendInBackground(t *testing.T, path string, maxBandwidth int64) (int, <-chan transfer.Result) {
	t.Helper()

	sender := transfer.NewSender("127.0.0.1", chunk64k)
	port, err := sender.Open()
	if err != nil {
		t.Fatalf("sender Open error: %v", err)
	}
	t.Cleanup(func() { sender.Close() })

	results := make(chan transfer.Result, 1)
	go func() {
		defer close(results)
		result, sendErr := sender.SendFile(path, nil, maxBandwidth)
		if sendErr != nil {
			t.Errorf("SendFile error: %v", sendErr)
			return
		}
		results <- result
	}()
	return port, results
}

func TestSendReceiveRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	source := filepath.Join(dir, "file.bin")
	data := writeRandomFile(t, source, 1234567)

	port, results := sendInBackground(t, source, 0)

	destDir := filepath.Join(dir, "inbox")
	var lastBytes int64
	recv, err := transfer.ReceiveFile("127.0.0.1", port, destDir,
		func(bytesReceived, totalSize int64) {
			if bytesReceived < lastBytes {
				t.Errorf("receive progress went backwards")
			}
			lastBytes = bytesReceived
		}, "keep_both")
	if err != nil {
		t.Fatalf("ReceiveFile error: %v", err)
	}

	sent, ok := <-results
	if !ok {
		t.Fatal("sender did not produce a result")
	}

	if recv.Skipped {
		t.Fatal("transfer skipped without a conflict")
	}
	if recv.BytesReceived != int64(len(data)) {
		t.Errorf("BytesReceived = %d, want %d", recv.BytesReceived, len(data))
	}
	if recv.Checksum != sent.Checksum {
		t.Errorf("receiver checksum %q != sender checksum %q", recv.Checksum, sent.Checksum)
	}
	if recv.Checksum != sha256Hex(data) {
		t.Error("checksum differs from transmitted bytes")
	}

	got, err := os.ReadFile(recv.Path)
	if err != nil {
		t.Fatalf("ReadFile received: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("received bytes differ from source")
	}
	if filepath.Base(recv.Path) != "file.bin" {
		t.Errorf("landed at %q, want file.bin", recv.Path)
	}
}

func TestReceiveKeepBothRenames(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	source := filepath.Join(dir, "file.bin")
	data := writeRandomFile(t, source, 1234567)

	destDir := filepath.Join(dir, "inbox")
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		t.Fatal(err)
	}
	existing := filepath.Join(destDir, "file.bin")
	original := writeRandomFile(t, existing, 99)

	port, results := sendInBackground(t, source, 0)

	recv, err := transfer.ReceiveFile("127.0.0.1", port, destDir, nil, "keep_both")
	if err != nil {
		t.Fatalf("ReceiveFile error: %v", err)
	}
	sent := <-results

	base := filepath.Base(recv.Path)
	if !strings.HasPrefix(base, "file_conflict_") || !strings.HasSuffix(base, ".bin") {
		t.Errorf("conflict name = %q, want file_conflict_<stamp>.bin", base)
	}
	if recv.BytesReceived != 1234567 {
		t.Errorf("BytesReceived = %d, want 1234567", recv.BytesReceived)
	}
	if recv.Checksum != sent.Checksum {
		t.Error("checksums disagree across the wire")
	}

	// The pre-existing file is untouched.
	kept, err := os.ReadFile(existing)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(kept, original) {
		t.Error("existing file was modified under keep_both")
	}

	got, _ := os.ReadFile(recv.Path)
	if !bytes.Equal(got, data) {
		t.Error("conflict copy differs from source")
	}
}

func TestReceivePreferPeerSkips(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	source := filepath.Join(dir, "file.bin")
	writeRandomFile(t, source, 4*chunk64k)

	destDir := filepath.Join(dir, "inbox")
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		t.Fatal(err)
	}
	existing := filepath.Join(destDir, "file.bin")
	original := writeRandomFile(t, existing, 42)

	port, results := sendInBackground(t, source, 0)

	recv, err := transfer.ReceiveFile("127.0.0.1", port, destDir, nil, "prefer_peer")
	if err != nil {
		t.Fatalf("ReceiveFile error: %v", err)
	}
	<-results

	if !recv.Skipped {
		t.Fatal("Skipped = false, want true")
	}
	if recv.Checksum != "" {
		t.Errorf("checksum = %q, want empty", recv.Checksum)
	}
	if _, err := os.Stat(recv.Path); !os.IsNotExist(err) {
		t.Error("temp spool file was not deleted")
	}

	kept, _ := os.ReadFile(existing)
	if !bytes.Equal(kept, original) {
		t.Error("existing file was modified under prefer_peer")
	}
}

func TestReceivePreferHostOverwrites(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	source := filepath.Join(dir, "file.bin")
	data := writeRandomFile(t, source, 2*chunk64k)

	destDir := filepath.Join(dir, "inbox")
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		t.Fatal(err)
	}
	writeRandomFile(t, filepath.Join(destDir, "file.bin"), 17)

	port, results := sendInBackground(t, source, 0)

	recv, err := transfer.ReceiveFile("127.0.0.1", port, destDir, nil, "prefer_host")
	if err != nil {
		t.Fatalf("ReceiveFile error: %v", err)
	}
	<-results

	got, _ := os.ReadFile(filepath.Join(destDir, "file.bin"))
	if !bytes.Equal(got, data) {
		t.Error("target was not overwritten under prefer_host")
	}
	if recv.Path != filepath.Join(destDir, "file.bin") {
		t.Errorf("Path = %q", recv.Path)
	}
}

func TestReceiveTruncatedStream(t *testing.T) {
	t.Parallel()

	// A fake sender that advertises more bytes than it delivers.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	go func() {
		conn, acceptErr := ln.Accept()
		if acceptErr != nil {
			return
		}
		header := []byte{0, 0, 0, 5}
		header = append(header, []byte("a.bin")...)
		header = append(header, 0, 0, 0, 0, 0, 0, 0, 100) // promises 100 bytes
		conn.Write(header)
		conn.Write([]byte("short"))
		conn.Close()
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	_, err = transfer.ReceiveFile("127.0.0.1", port, t.TempDir(), nil, "keep_both")
	if !errors.Is(err, transfer.ErrStreamTruncated) {
		t.Errorf("err = %v, want ErrStreamTruncated", err)
	}
}

func TestSendFileNotOpen(t *testing.T) {
	t.Parallel()

	sender := transfer.NewSender("127.0.0.1", 0)
	_, err := sender.SendFile("anything", nil, 0)
	if !errors.Is(err, transfer.ErrSenderNotOpen) {
		t.Errorf("err = %v, want ErrSenderNotOpen", err)
	}
}
