package discovery

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/libp2p/zeroconf/v2"

	"github.com/idiehl/hyperdesk/internal/model"
)

// Announcer advertises the local device's control endpoint over mDNS.
// Register and Unregister are idempotent so rapid start/stop cycles are
// harmless.
type Announcer struct {
	device model.Device
	port   int
	logger *slog.Logger

	mu     sync.Mutex
	server *zeroconf.Server
}

// NewAnnouncer creates an announcer for the device's control port.
func NewAnnouncer(device model.Device, port int, logger *slog.Logger) *Announcer {
	return &Announcer{
		device: device,
		port:   port,
		logger: logger.With(slog.String("component", "announcer")),
	}
}

// Register publishes the service record. A second Register without an
// intervening Unregister is a no-op.
func (a *Announcer) Register() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		return nil
	}

	instance := fmt.Sprintf("%s-%s", a.device.Name, a.device.ID)
	txt := []string{
		"device_id=" + a.device.ID,
		"name=" + a.device.Name,
		"capabilities=" + strings.Join(a.device.Capabilities, ","),
	}

	server, err := zeroconf.Register(instance, ServiceType, ServiceDomain, a.port, txt, nil)
	if err != nil {
		return fmt.Errorf("register mDNS service: %w", err)
	}
	a.server = server

	a.logger.Info("mDNS service registered",
		slog.String("instance", instance),
		slog.Int("port", a.port),
	)
	return nil
}

// Unregister withdraws the service record. Safe to call repeatedly.
func (a *Announcer) Unregister() {
	a.mu.Lock()
	server := a.server
	a.server = nil
	a.mu.Unlock()

	if server == nil {
		return
	}
	server.Shutdown()
	a.logger.Info("mDNS service unregistered")
}
