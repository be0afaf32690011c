// Package transfer implements chunked file movement: a local copy engine
// with resume, checksum, rate limiting and retry, and a framed TCP channel
// for moving bulk bytes between peers.
//
// The rate-limit and retry computations are pure functions of their inputs
// so they can be verified in isolation.
package transfer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"os"
	"time"
)

// DefaultChunkSize is the read granularity when none is configured.
const DefaultChunkSize = 1024 * 1024

// Retry policies.
const (
	RetryExponential = "exponential"
	RetryLinear      = "linear"
	RetryNone        = "none"
)

// maxRetryDelay caps the backoff for both policies.
const maxRetryDelay = 10 * time.Second

// ProgressFunc receives (bytesCopied, totalSize) after every chunk. Within
// one transfer the bytesCopied values are monotonically non-decreasing.
type ProgressFunc func(bytesCopied, totalSize int64)

// Result reports a finished copy or send.
type Result struct {
	// BytesCopied is the final byte count, including any resumed prefix.
	BytesCopied int64

	// Checksum is the lowercase hex SHA-256 of the transferred content.
	Checksum string
}

// Options configures a local copy.
type Options struct {
	// ChunkSize is the read granularity; DefaultChunkSize if zero.
	ChunkSize int64

	// Resume appends to an existing destination instead of truncating.
	Resume bool

	// OnProgress, if set, is invoked after each chunk.
	OnProgress ProgressFunc

	// MaxBandwidth limits throughput in bytes per second; 0 is unlimited.
	MaxBandwidth int64

	// RetryPolicy is one of RetryExponential, RetryLinear, RetryNone.
	// Empty defaults to RetryExponential.
	RetryPolicy string

	// MaxRetries bounds the retry attempts after the first failure.
	MaxRetries int
}

// CopyWithChecksum copies source to dest in chunks, optionally resuming
// from an existing partial destination, and returns the byte count and the
// SHA-256 of the finalized destination file. Failures are retried per the
// configured policy; the final error is returned unwrapped of retry state.
func CopyWithChecksum(source, dest string, opts Options) (Result, error) {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.RetryPolicy == "" {
		opts.RetryPolicy = RetryExponential
	}

	attempt := 0
	for {
		result, err := copyOnce(source, dest, opts)
		if err == nil {
			return result, nil
		}
		attempt++
		if opts.RetryPolicy == RetryNone || attempt > opts.MaxRetries {
			return Result{}, err
		}
		time.Sleep(RetryDelay(attempt, opts.RetryPolicy))
	}
}

// copyOnce performs a single copy attempt.
func copyOnce(source, dest string, opts Options) (Result, error) {
	info, err := os.Stat(source)
	if err != nil {
		return Result{}, fmt.Errorf("stat source: %w", err)
	}
	totalSize := info.Size()

	var offset int64
	if opts.Resume {
		if destInfo, statErr := os.Stat(dest); statErr == nil {
			offset = destInfo.Size()
			if offset > totalSize {
				offset = 0
			}
		}
	}

	src, err := os.Open(source)
	if err != nil {
		return Result{}, fmt.Errorf("open source: %w", err)
	}
	defer src.Close()

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if opts.Resume && offset > 0 {
		flags = os.O_WRONLY | os.O_CREATE | os.O_APPEND
	}
	dst, err := os.OpenFile(dest, flags, 0o644)
	if err != nil {
		return Result{}, fmt.Errorf("open destination: %w", err)
	}

	if offset > 0 {
		if _, err := src.Seek(offset, io.SeekStart); err != nil {
			dst.Close()
			return Result{}, fmt.Errorf("seek source to %d: %w", offset, err)
		}
	}

	bytesCopied := offset
	start := time.Now()
	buf := make([]byte, opts.ChunkSize)

	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, writeErr := dst.Write(buf[:n]); writeErr != nil {
				dst.Close()
				return Result{}, fmt.Errorf("write destination: %w", writeErr)
			}
			bytesCopied += int64(n)
			if opts.OnProgress != nil {
				opts.OnProgress(bytesCopied, totalSize)
			}
			if delay := rateLimitDelay(bytesCopied, time.Since(start), opts.MaxBandwidth); delay > 0 {
				time.Sleep(delay)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			dst.Close()
			return Result{}, fmt.Errorf("read source: %w", readErr)
		}
	}

	if err := dst.Close(); err != nil {
		return Result{}, fmt.Errorf("close destination: %w", err)
	}

	// The checksum re-reads the finalized destination end to end, so a
	// resumed copy is verified across the pre-existing prefix too.
	checksum, err := ChecksumFile(dest, opts.ChunkSize)
	if err != nil {
		return Result{}, err
	}
	return Result{BytesCopied: bytesCopied, Checksum: checksum}, nil
}

// ChecksumFile computes the lowercase hex SHA-256 of the file contents.
func ChecksumFile(path string, chunkSize int64) (string, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open for checksum: %w", err)
	}
	defer f.Close()

	hasher := sha256.New()
	if _, err := io.CopyBuffer(hasher, f, make([]byte, chunkSize)); err != nil {
		return "", fmt.Errorf("hash file: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// -------------------------------------------------------------------------
// Rate Limit and Retry Math
// -------------------------------------------------------------------------

// rateLimitDelay returns how long the worker must sleep so that
// bytesCopied/maxBandwidth never runs ahead of wall-clock elapsed time.
// Zero maxBandwidth disables limiting.
func rateLimitDelay(bytesCopied int64, elapsed time.Duration, maxBandwidth int64) time.Duration {
	if maxBandwidth <= 0 || elapsed <= 0 {
		return 0
	}
	expected := time.Duration(float64(bytesCopied) / float64(maxBandwidth) * float64(time.Second))
	if expected > elapsed {
		return expected - elapsed
	}
	return 0
}

// RetryDelay returns the backoff before retry number attempt (1-based).
// Exponential: min(0.5 * 2^attempt, 10) seconds. Linear: min(1 * attempt,
// 10) seconds. Unknown policies fall back to exponential.
func RetryDelay(attempt int, policy string) time.Duration {
	var seconds float64
	switch policy {
	case RetryLinear:
		seconds = math.Min(1.0*float64(attempt), maxRetryDelay.Seconds())
	default:
		seconds = math.Min(0.5*math.Pow(2, float64(attempt)), maxRetryDelay.Seconds())
	}
	return time.Duration(seconds * float64(time.Second))
}
