package transfer

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Sentinel errors for the network channel.
var (
	// ErrSenderNotOpen indicates SendFile was called before Open.
	ErrSenderNotOpen = errors.New("file sender is not open")

	// ErrStreamTruncated indicates the peer closed the connection before
	// delivering the advertised byte count.
	ErrStreamTruncated = errors.New("unexpected end of stream")
)

// conflictStamp is the timestamp layout embedded in keep_both renames.
const conflictStamp = "20060102-150405"

// receivePull bounds a single read on the receiving side.
const receivePull = 1024 * 1024

// -------------------------------------------------------------------------
// Sender
// -------------------------------------------------------------------------

// Sender serves exactly one framed file transfer over TCP. The wire format
// is:
//
//	[4 bytes BE uint32]  name length
//	[name bytes]         UTF-8 filename
//	[8 bytes BE uint64]  total size
//	[size bytes]         raw file content
//
// The sender hashes the bytes as they are written, so its checksum covers
// the source stream rather than any file the receiver materializes.
type Sender struct {
	host      string
	chunkSize int64
	ln        net.Listener
}

// NewSender creates a sender bound to host (usually "0.0.0.0") with the
// given chunk size; DefaultChunkSize if zero.
func NewSender(host string, chunkSize int64) *Sender {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Sender{host: host, chunkSize: chunkSize}
}

// Open binds a TCP listener on an ephemeral port and returns the assigned
// port number.
func (s *Sender) Open() (int, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(s.host, "0"))
	if err != nil {
		return 0, fmt.Errorf("open sender listener: %w", err)
	}
	s.ln = ln
	return ln.Addr().(*net.TCPAddr).Port, nil
}

// Close releases the listener. Safe on an unopened sender.
func (s *Sender) Close() error {
	if s.ln == nil {
		return nil
	}
	err := s.ln.Close()
	s.ln = nil
	if err != nil {
		return fmt.Errorf("close sender listener: %w", err)
	}
	return nil
}

// SendFile accepts a single connection and streams the file at path.
// Progress and rate limiting behave as in CopyWithChecksum. The sender is
// single-shot; callers Close it after the transfer.
func (s *Sender) SendFile(path string, onProgress ProgressFunc, maxBandwidth int64) (Result, error) {
	if s.ln == nil {
		return Result{}, ErrSenderNotOpen
	}

	info, err := os.Stat(path)
	if err != nil {
		return Result{}, fmt.Errorf("stat send source: %w", err)
	}
	totalSize := info.Size()

	conn, err := s.ln.Accept()
	if err != nil {
		return Result{}, fmt.Errorf("accept transfer connection: %w", err)
	}
	defer conn.Close()

	src, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("open send source: %w", err)
	}
	defer src.Close()

	name := []byte(filepath.Base(path))
	header := make([]byte, 0, 4+len(name)+8)
	header = binary.BigEndian.AppendUint32(header, uint32(len(name)))
	header = append(header, name...)
	header = binary.BigEndian.AppendUint64(header, uint64(totalSize))
	if _, err := conn.Write(header); err != nil {
		return Result{}, fmt.Errorf("write transfer header: %w", err)
	}

	hasher := sha256.New()
	buf := make([]byte, s.chunkSize)
	var bytesSent int64
	start := time.Now()

	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, writeErr := conn.Write(buf[:n]); writeErr != nil {
				return Result{}, fmt.Errorf("write transfer chunk: %w", writeErr)
			}
			hasher.Write(buf[:n])
			bytesSent += int64(n)
			if onProgress != nil {
				onProgress(bytesSent, totalSize)
			}
			if delay := rateLimitDelay(bytesSent, time.Since(start), maxBandwidth); delay > 0 {
				time.Sleep(delay)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return Result{}, fmt.Errorf("read send source: %w", readErr)
		}
	}

	return Result{BytesCopied: bytesSent, Checksum: hex.EncodeToString(hasher.Sum(nil))}, nil
}

// -------------------------------------------------------------------------
// Receiver
// -------------------------------------------------------------------------

// ReceiveResult reports a completed receive.
type ReceiveResult struct {
	// Path is where the file landed (or the discarded temp path when
	// Skipped).
	Path string

	// BytesReceived is the number of payload bytes read off the wire.
	BytesReceived int64

	// Checksum is the SHA-256 of the received bytes; empty when Skipped.
	Checksum string

	// Skipped reports that the conflict rule discarded the payload.
	Skipped bool
}

// ReceiveFile connects to a sender, reads the framed stream, and writes the
// file into destDir subject to the conflict rule:
//
//   - target absent: write to target
//   - prefer_host:   overwrite target
//   - prefer_peer:   consume the stream into a temp file, delete it, and
//     report Skipped with an empty checksum
//   - keep_both:     write to "<stem>_conflict_<YYYYMMDD-HHMMSS><suffix>"
//
// Fails with ErrStreamTruncated if the sender closes before delivering the
// advertised size.
func ReceiveFile(host string, port int, destDir string, onProgress ProgressFunc, conflictRule string) (ReceiveResult, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return ReceiveResult{}, fmt.Errorf("create receive directory: %w", err)
	}

	conn, err := net.Dial("tcp", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		return ReceiveResult{}, fmt.Errorf("dial sender: %w", err)
	}
	defer conn.Close()

	var lenBuf [4]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return ReceiveResult{}, fmt.Errorf("read name length: %w", ErrStreamTruncated)
	}
	nameLen := binary.BigEndian.Uint32(lenBuf[:])

	nameBuf := make([]byte, nameLen)
	if _, err := io.ReadFull(conn, nameBuf); err != nil {
		return ReceiveResult{}, fmt.Errorf("read filename: %w", ErrStreamTruncated)
	}
	filename := filepath.Base(string(nameBuf))

	var sizeBuf [8]byte
	if _, err := io.ReadFull(conn, sizeBuf[:]); err != nil {
		return ReceiveResult{}, fmt.Errorf("read size: %w", ErrStreamTruncated)
	}
	totalSize := int64(binary.BigEndian.Uint64(sizeBuf[:]))

	destPath, discard := ResolveConflictDest(filepath.Join(destDir, filename), conflictRule)
	if discard {
		destPath = filepath.Join(destDir, ".incoming_"+filename)
	}

	out, err := os.Create(destPath)
	if err != nil {
		return ReceiveResult{}, fmt.Errorf("create receive file: %w", err)
	}

	hasher := sha256.New()
	buf := make([]byte, receivePull)
	var bytesReceived int64
	remaining := totalSize

	for remaining > 0 {
		pull := int64(len(buf))
		if remaining < pull {
			pull = remaining
		}
		n, readErr := conn.Read(buf[:pull])
		if n > 0 {
			if _, writeErr := out.Write(buf[:n]); writeErr != nil {
				out.Close()
				return ReceiveResult{}, fmt.Errorf("write receive file: %w", writeErr)
			}
			hasher.Write(buf[:n])
			bytesReceived += int64(n)
			remaining -= int64(n)
			if onProgress != nil {
				onProgress(bytesReceived, totalSize)
			}
		}
		if readErr != nil {
			if remaining > 0 {
				out.Close()
				os.Remove(destPath)
				return ReceiveResult{}, fmt.Errorf("after %d of %d bytes: %w", bytesReceived, totalSize, ErrStreamTruncated)
			}
			break
		}
	}

	if err := out.Close(); err != nil {
		return ReceiveResult{}, fmt.Errorf("close receive file: %w", err)
	}

	if discard {
		os.Remove(destPath)
		return ReceiveResult{Path: destPath, BytesReceived: bytesReceived, Skipped: true}, nil
	}
	return ReceiveResult{
		Path:          destPath,
		BytesReceived: bytesReceived,
		Checksum:      hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// ResolveConflictDest applies a conflict rule to a destination path.
// Returns the path to write and whether the payload should be discarded
// (prefer_peer with an existing target).
func ResolveConflictDest(destPath, conflictRule string) (string, bool) {
	if _, err := os.Stat(destPath); err != nil {
		return destPath, false
	}
	switch conflictRule {
	case "prefer_host":
		return destPath, false
	case "prefer_peer":
		return "", true
	case "keep_both":
		return ConflictName(destPath, time.Now()), false
	default:
		return destPath, false
	}
}

// ConflictName derives the keep_both rename for a colliding destination:
// "<stem>_conflict_<YYYYMMDD-HHMMSS><suffix>" in the same directory.
func ConflictName(destPath string, now time.Time) string {
	dir := filepath.Dir(destPath)
	base := filepath.Base(destPath)
	suffix := filepath.Ext(base)
	stem := strings.TrimSuffix(base, suffix)
	return filepath.Join(dir, fmt.Sprintf("%s_conflict_%s%s", stem, now.Format(conflictStamp), suffix))
}
