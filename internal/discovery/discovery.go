// Package discovery enumerates reachable peers. When mDNS is enabled it
// browses the _hyperdesk._tcp service; on any error or an empty result it
// falls back to a deterministic simulated device list so the rest of the
// daemon stays exercisable off-network.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/zeroconf/v2"

	"github.com/idiehl/hyperdesk/internal/model"
)

// mDNS service identity for HYPERDESK daemons.
const (
	ServiceType   = "_hyperdesk._tcp"
	ServiceDomain = "local."
)

// simulatedNames are the devices fabricated by the fallback scan, placed on
// 192.168.1.100 onward.
var simulatedNames = []string{"MYLAPTOP2", "ALIENWAREPC", "IPAD", "SAMSUNGFLIP3", "WORKSTATION"}

// Discovery scans for peers over mDNS or the simulated fallback.
type Discovery struct {
	useMDNS bool
	logger  *slog.Logger
}

// New creates a Discovery. useMDNS typically comes from configuration
// (HYPERDESK_USE_MDNS=1).
func New(useMDNS bool, logger *slog.Logger) *Discovery {
	return &Discovery{
		useMDNS: useMDNS,
		logger:  logger.With(slog.String("component", "discovery")),
	}
}

// UseMDNS reports whether mDNS mode is enabled.
func (d *Discovery) UseMDNS() bool {
	return d.useMDNS
}

// Scan returns up to limit reachable devices. mDNS results hold only the
// browsed services, without the local device; the simulated list, used when
// mDNS fails, leads with the local device. mDNS failures are suppressed in
// favor of the simulated list.
func (d *Discovery) Scan(ctx context.Context, limit int, timeout time.Duration) []model.Device {
	if d.useMDNS {
		devices, err := d.browse(ctx, timeout)
		if err != nil {
			d.logger.Warn("mDNS browse failed, using simulated devices",
				slog.String("error", err.Error()),
			)
		} else if len(devices) > 0 {
			if len(devices) > limit {
				devices = devices[:limit]
			}
			return devices
		}
	}
	return SimulatedDevices(limit)
}

// browse collects service entries for the scan window.
func (d *Discovery) browse(ctx context.Context, timeout time.Duration) ([]model.Device, error) {
	browseCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 16)
	done := make(chan []model.Device, 1)
	go func() {
		var devices []model.Device
		for entry := range entries {
			if device, ok := deviceFromEntry(entry); ok {
				devices = append(devices, device)
			}
		}
		done <- devices
	}()

	err := zeroconf.Browse(browseCtx, ServiceType, ServiceDomain, entries)
	devices := <-done
	if err != nil && browseCtx.Err() == nil {
		return nil, fmt.Errorf("browse %s: %w", ServiceType, err)
	}
	return devices, nil
}

// deviceFromEntry materializes a Device from an mDNS service entry. TXT
// records carry device_id, name, and a comma-joined capabilities list; the
// first IPv4 address wins.
func deviceFromEntry(entry *zeroconf.ServiceEntry) (model.Device, bool) {
	if entry == nil {
		return model.Device{}, false
	}

	txt := make(map[string]string, len(entry.Text))
	for _, record := range entry.Text {
		if key, value, ok := strings.Cut(record, "="); ok {
			txt[key] = value
		}
	}

	name := txt["name"]
	if name == "" {
		name, _, _ = strings.Cut(entry.Instance, ".")
	}
	deviceID := txt["device_id"]
	if deviceID == "" {
		deviceID = uuid.NewString()
	}

	ip := "0.0.0.0"
	if len(entry.AddrIPv4) > 0 {
		ip = entry.AddrIPv4[0].String()
	}

	var capabilities []string
	for _, c := range strings.Split(txt["capabilities"], ",") {
		if c != "" {
			capabilities = append(capabilities, c)
		}
	}

	return model.Device{
		ID:           deviceID,
		Name:         name,
		IP:           ip,
		Status:       model.StatusOnline,
		Capabilities: capabilities,
	}, true
}

// -------------------------------------------------------------------------
// Simulated Fallback
// -------------------------------------------------------------------------

// SimulatedDevices fabricates the deterministic fallback list: the local
// host first, then five named devices on 192.168.1.100-104.
func SimulatedDevices(limit int) []model.Device {
	devices := []model.Device{LocalDevice()}
	for i, name := range simulatedNames {
		devices = append(devices, model.Device{
			ID:           uuid.NewString(),
			Name:         name,
			IP:           fmt.Sprintf("192.168.1.%d", 100+i),
			Status:       model.StatusOnline,
			Capabilities: []string{model.CapabilityHyperbox},
		})
	}
	if len(devices) > limit {
		devices = devices[:limit]
	}
	return devices
}

// LocalDevice builds the device record for this host with a fresh id.
func LocalDevice() model.Device {
	hostname, ip := localIdentity()
	return model.Device{
		ID:           uuid.NewString(),
		Name:         hostname,
		IP:           ip,
		Status:       model.StatusLocal,
		Capabilities: []string{model.CapabilityHyperbox, model.CapabilityRequests},
	}
}

// DedupeLocal places local first and drops scan results that duplicate it
// by (name, ip).
func DedupeLocal(local model.Device, devices []model.Device) []model.Device {
	deduped := []model.Device{local}
	for _, device := range devices {
		if device.Name == local.Name && device.IP == local.IP {
			continue
		}
		deduped = append(deduped, device)
	}
	return deduped
}

// localIdentity resolves the hostname and its first IPv4 address, falling
// back to loopback when resolution fails.
func localIdentity() (string, string) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
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
