// Package hyperbox owns the on-disk sharing surface: a root directory
// partitioned into inbox/, outbox/, and requests/ subtrees, plus a
// recursive filesystem watcher that feeds change events to the controller.
package hyperbox

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
)

// DemoFileSize is the size of the reproducible demo payload.
const DemoFileSize = 2 * 1024 * 1024

// demoFileName is the demo payload file name under the root.
const demoFileName = "demo_payload.bin"

// Manager owns the hyperbox directory layout.
type Manager struct {
	// Root is the hyperbox root directory.
	Root string

	// Inbox receives transferred files.
	Inbox string

	// Outbox holds local files auto-shared in mirror/copy modes.
	Outbox string

	// Requests holds files that create local-originated requests in
	// approval mode.
	Requests string
}

// NewManager creates the layout rooted at root, or <cwd>/hyperbox when root
// is empty, ensuring all directories exist.
func NewManager(root string) (*Manager, error) {
	if root == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve working directory: %w", err)
		}
		root = filepath.Join(cwd, "hyperbox")
	}

	m := &Manager{
		Root:     root,
		Inbox:    filepath.Join(root, "inbox"),
		Outbox:   filepath.Join(root, "outbox"),
		Requests: filepath.Join(root, "requests"),
	}
	for _, dir := range []string{m.Root, m.Inbox, m.Outbox, m.Requests} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create hyperbox directory %s: %w", dir, err)
		}
	}
	return m, nil
}

// EnsureDemoFile writes a DemoFileSize random payload under the root if it
// is absent or has drifted in size, and returns its path. Used to keep
// transfer exercises reproducible.
func (m *Manager) EnsureDemoFile() (string, error) {
	path := filepath.Join(m.Root, demoFileName)
	if info, err := os.Stat(path); err == nil && info.Size() == DemoFileSize {
		return path, nil
	}

	payload := make([]byte, DemoFileSize)
	if _, err := rand.Read(payload); err != nil {
		return "", fmt.Errorf("generate demo payload: %w", err)
	}
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return "", fmt.Errorf("write demo payload: %w", err)
	}
	return path, nil
}
