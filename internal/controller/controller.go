package controller

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/idiehl/hyperdesk/internal/config"
	"github.com/idiehl/hyperdesk/internal/control"
	"github.com/idiehl/hyperdesk/internal/discovery"
	"github.com/idiehl/hyperdesk/internal/hyperbox"
	hyperdeskmetrics "github.com/idiehl/hyperdesk/internal/metrics"
	"github.com/idiehl/hyperdesk/internal/model"
	"github.com/idiehl/hyperdesk/internal/pairing"
	"github.com/idiehl/hyperdesk/internal/store"
)

// debounceWindow suppresses watcher events on a path that transferred
// within the last second, so a create immediately followed by a modify
// yields one transfer.
const debounceWindow = time.Second

// rateSample tracks a transfer's last observed byte count for instantaneous
// rate computation.
type rateSample struct {
	bytes int64
	at    time.Time
}

// BandwidthSample is one entry of the controller's bandwidth history:
// the completion time, the transfer's average rate, and the configured
// limit at the time (0 when unlimited).
type BandwidthSample struct {
	At        time.Time
	RateMBps  float64
	LimitMBps float64
}

// Controller orchestrates discovery, pairing, transfers, the hyperbox
// watcher, and the control server. Components are acyclic: the server
// reaches back only through the message-handler function value.
type Controller struct {
	cfg     *config.Config
	state   *State
	logger  *slog.Logger
	metrics *hyperdeskmetrics.Collector

	discovery *discovery.Discovery
	pairing   *pairing.Manager
	store     *store.Store
	hyperbox  *hyperbox.Manager
	watcher   *hyperbox.Watcher
	announcer *discovery.Announcer
	server    *control.Server

	localDevice model.Device

	mu                 sync.Mutex
	pendingPairing     *model.PairingSession
	lastTransferByPath map[string]time.Time
	requestSources     map[string]string
	transferRates      map[string]rateSample
	jobStartTimes      map[string]time.Time
	bandwidthHistory   []BandwidthSample

	// closing suppresses persistence writes from worker goroutines while
	// the store is shutting down.
	closing atomic.Bool
}

// Option configures optional controller collaborators.
type Option func(*Controller)

// WithMetrics wires a Prometheus collector into the controller.
func WithMetrics(collector *hyperdeskmetrics.Collector) Option {
	return func(c *Controller) {
		c.metrics = collector
	}
}

// New creates a controller with all subsystems constructed but not yet
// started. The local device row is persisted immediately.
func New(cfg *config.Config, state *State, logger *slog.Logger, opts ...Option) (*Controller, error) {
	c := &Controller{
		cfg:                cfg,
		state:              state,
		logger:             logger.With(slog.String("component", "controller")),
		localDevice:        discovery.LocalDevice(),
		lastTransferByPath: make(map[string]time.Time),
		requestSources:     make(map[string]string),
		transferRates:      make(map[string]rateSample),
		jobStartTimes:      make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(c)
	}

	storePath := cfg.Store.Path
	if storePath == "" {
		var err error
		storePath, err = store.DefaultPath()
		if err != nil {
			return nil, err
		}
	}
	st, err := store.Open(storePath)
	if err != nil {
		return nil, err
	}
	c.store = st

	box, err := hyperbox.NewManager(cfg.Hyperbox.Root)
	if err != nil {
		st.Close()
		return nil, err
	}
	c.hyperbox = box

	c.discovery = discovery.New(cfg.Discovery.UseMDNS, logger)
	c.pairing = pairing.NewManager()
	c.watcher = hyperbox.NewWatcher(box.Root, c.handleHyperboxEvent, logger)
	c.server = control.NewServer(cfg.Control.Host, cfg.Control.Port, c.handleControlMessage, logger)
	c.announcer = discovery.NewAnnouncer(c.localDevice, cfg.Control.Port, logger)

	if err := st.RecordDevice(c.localDevice); err != nil {
		c.logger.Warn("failed to persist local device", slog.String("error", err.Error()))
	}
	return c, nil
}

// LocalDevice returns this host's device record.
func (c *Controller) LocalDevice() model.Device {
	return c.localDevice
}

// ControlPort returns the bound control port once started.
func (c *Controller) ControlPort() int {
	return c.server.Port()
}

// Hyperbox returns the hyperbox layout manager.
func (c *Controller) Hyperbox() *hyperbox.Manager {
	return c.hyperbox
}

// Start launches the watcher and control server and, in mDNS mode, the
// announcer. Announcement failures are suppressed: the daemon runs without
// advertisement.
func (c *Controller) Start() error {
	if err := c.watcher.Start(); err != nil {
		return fmt.Errorf("start hyperbox watcher: %w", err)
	}
	if err := c.server.Start(); err != nil {
		c.watcher.Stop()
		return fmt.Errorf("start control server: %w", err)
	}
	c.state.AddLog(fmt.Sprintf("Control server listening on %s:%d.", c.cfg.Control.Host, c.server.Port()))

	if c.discovery.UseMDNS() {
		if err := c.announcer.Register(); err != nil {
			c.logger.Warn("mDNS announcement failed, continuing without advertisement",
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// Shutdown stops all subsystems cooperatively: further worker persistence
// is suppressed, the watcher and announcer stop, the control server drains,
// and finally the store closes. In-flight transfers complete or die with
// their sockets.
func (c *Controller) Shutdown(ctx context.Context) {
	c.closing.Store(true)
	c.watcher.Stop()
	c.announcer.Unregister()
	if err := c.server.Stop(ctx); err != nil {
		c.logger.Warn("control server stop", slog.String("error", err.Error()))
	}
	if err := c.store.Close(); err != nil {
		c.logger.Warn("store close", slog.String("error", err.Error()))
	}
}

// -------------------------------------------------------------------------
// Discovery
// -------------------------------------------------------------------------

// Scan enumerates reachable devices, publishes them, and persists each row.
func (c *Controller) Scan(ctx context.Context) {
	devices := c.discovery.Scan(ctx, c.cfg.Discovery.ScanLimit, c.cfg.Discovery.ScanTimeout)
	devices = discovery.DedupeLocal(c.localDevice, devices)
	c.state.SetDevices(devices)
	for _, device := range devices {
		if err := c.store.RecordDevice(device); err != nil {
			c.logger.Warn("failed to persist device", slog.String("error", err.Error()))
		}
	}
	if c.metrics != nil {
		source := "simulated"
		if c.discovery.UseMDNS() {
			source = "mdns"
		}
		c.metrics.IncDiscoveryScan(source)
	}
	c.state.AddLog(fmt.Sprintf("Scan complete: %d device(s) found.", len(devices)))
}

// -------------------------------------------------------------------------
// Pairing and Session Lifecycle
// -------------------------------------------------------------------------

// StartPairing creates a pairing session and publishes its code. Requires
// no active session and no outstanding pairing.
func (c *Controller) StartPairing() {
	if c.state.Session() != nil {
		c.state.AddLog("Disconnect before starting a new pairing session.")
		return
	}
	c.mu.Lock()
	alreadyPending := c.pendingPairing != nil
	c.mu.Unlock()
	if alreadyPending {
		c.state.AddLog("Pairing session already active.")
		return
	}

	p, err := c.pairing.CreatePairing(c.localDevice)
	if err != nil {
		c.state.AddLog("Failed to create pairing session.")
		c.logger.Error("create pairing", slog.String("error", err.Error()))
		return
	}

	c.mu.Lock()
	c.pendingPairing = &p
	c.mu.Unlock()

	c.state.SetPairingCode(p.Code)
	c.state.AddLog("Pairing session created. Awaiting peer request.")
}

// LinkToDevice pairs directly with a chosen device using its stored sync
// preset, bypassing the code exchange.
func (c *Controller) LinkToDevice(device model.Device) {
	mode, conflictRule := c.GetDeviceSyncPreset(device.ID)

	p, err := c.pairing.CreatePairing(c.localDevice)
	if err != nil {
		c.state.AddLog("Failed to create pairing session.")
		c.logger.Error("create pairing", slog.String("error", err.Error()))
		return
	}

	c.mu.Lock()
	c.pendingPairing = nil
	c.mu.Unlock()
	c.state.SetPairingCode(p.Code)

	params := pairing.DefaultSessionParams()
	params.Mode = mode
	params.ConflictRule = conflictRule
	session, err := c.pairing.ConfirmPairing(p, p.Code, device, params)
	if err != nil {
		c.state.AddLog("Failed to link device.")
		c.logger.Error("confirm pairing", slog.String("error", err.Error()))
		return
	}

	c.adoptSession(session, device)
	c.state.AddLog(fmt.Sprintf("Linked to %s with code %s.", device.Name, p.Code))
	c.state.AddLog(fmt.Sprintf("Session token issued: %s...", session.Token[:8]))
	c.broadcastSessionUpdate(session.Status, session.Policy)
}

// adoptSession publishes a freshly confirmed session and writes it through.
func (c *Controller) adoptSession(session model.Session, peer model.Device) {
	c.state.SetSession(&session)
	c.state.SetTransfers(nil)
	c.persist(func() error { return c.store.RecordDevice(peer) })
	c.persist(func() error { return c.store.RecordSession(session) })
	c.persist(func() error {
		return c.store.RecordAuditEvent(session.ID, "session_linked", fmt.Sprintf("Linked to %s.", peer.Name))
	})
	c.publishRequests(session.ID)
	if c.metrics != nil {
		c.metrics.SessionStarted()
		c.metrics.IncPairingOutcome("confirmed")
	}
}

// Disconnect tears down the active session, marking it disconnected for
// audit and broadcasting the terminal SESSION_UPDATE.
func (c *Controller) Disconnect() {
	session := c.state.Session()
	if session == nil {
		return
	}

	peer := session.PeerDevice.Name
	c.state.SetSession(nil)
	c.state.SetPairingCode("")
	c.state.SetTransfers(nil)
	c.state.SetRequests(nil)
	c.mu.Lock()
	pending := c.pendingPairing
	c.pendingPairing = nil
	c.mu.Unlock()
	if pending != nil {
		c.pairing.Discard(*pending)
	}

	c.persist(func() error { return c.store.UpdateSessionStatus(session.ID, model.SessionDisconnected) })
	c.persist(func() error {
		return c.store.RecordAuditEvent(session.ID, "session_disconnected", fmt.Sprintf("Disconnected from %s.", peer))
	})
	c.state.AddLog(fmt.Sprintf("Disconnected from %s.", peer))
	if c.metrics != nil {
		c.metrics.SessionEnded()
	}

	c.broadcastDisconnected(session.ID)
}

// UpdateSyncRules rewrites the live session policy, persists it, saves the
// per-device preset, and broadcasts the change.
func (c *Controller) UpdateSyncRules(mode, conflictRule string) {
	session := c.state.Session()
	if session == nil {
		c.state.AddLog("No active session to update sync rules.")
		return
	}

	policy := session.Policy
	policy.Mode = mode
	policy.ApprovalRequired = mode == model.ModeApproval
	policy.ConflictRule = conflictRule

	updated := c.pairing.UpdateSession(*session, session.Status, policy)
	c.state.SetSession(&updated)
	c.persist(func() error { return c.store.RecordSession(updated) })
	c.SetDeviceSyncPreset(updated.PeerDevice.ID, mode, conflictRule)
	c.state.AddLog(fmt.Sprintf("Sync rules updated: mode=%s, conflict=%s.", mode, conflictRule))
	c.broadcastSessionUpdate(updated.Status, updated.Policy)
}

// -------------------------------------------------------------------------
// Device Sync Presets
// -------------------------------------------------------------------------

// GetDeviceSyncPreset returns the stored (mode, conflict rule) for a
// device, defaulting to approval/keep_both.
func (c *Controller) GetDeviceSyncPreset(deviceID string) (string, string) {
	mode := c.store.GetPreference(fmt.Sprintf("device.%s.sync_mode", deviceID), model.ModeApproval)
	conflictRule := c.store.GetPreference(fmt.Sprintf("device.%s.conflict_rule", deviceID), model.ConflictKeepBoth)
	return mode, conflictRule
}

// SetDeviceSyncPreset stores the per-device sync preset.
func (c *Controller) SetDeviceSyncPreset(deviceID, mode, conflictRule string) {
	c.persist(func() error {
		return c.store.SetPreference(fmt.Sprintf("device.%s.sync_mode", deviceID), mode)
	})
	c.persist(func() error {
		return c.store.SetPreference(fmt.Sprintf("device.%s.conflict_rule", deviceID), conflictRule)
	})
}

// -------------------------------------------------------------------------
// File Requests
// -------------------------------------------------------------------------

// SimulateRequest fabricates a peer-originated request, for exercising the
// approval queue without a connected peer.
func (c *Controller) SimulateRequest() {
	session := c.state.Session()
	if session == nil {
		c.state.AddLog("Link a device before creating a request.")
		return
	}
	samplePath := fmt.Sprintf("requests/sample_%s.txt", uuid.NewString()[:6])
	request := c.createRequest(session.ID, samplePath, model.RequesterPeer)
	c.state.AddLog(fmt.Sprintf("Request queued: %s", request.Path))
}

// ApproveRequest advances a pending request to approved and starts the
// transfer from the resolved source path.
func (c *Controller) ApproveRequest(requestID string) {
	request := c.findRequest(requestID)
	if request == nil {
		return
	}
	updated := c.updateRequestStatus(*request, model.RequestApproved)
	c.state.AddLog(fmt.Sprintf("Approved request: %s", updated.Path))

	sourcePath := c.resolveRequestSource(updated)
	if sourcePath == "" {
		c.state.AddLog("Unable to locate requested file for transfer.")
		return
	}
	c.approveTransfer(updated, sourcePath)
}

// ApproveRequestWithSource approves a request with an explicitly chosen
// source file, which must exist.
func (c *Controller) ApproveRequestWithSource(requestID, sourcePath string) {
	request := c.findRequest(requestID)
	if request == nil {
		return
	}
	if _, err := os.Stat(sourcePath); err != nil {
		c.state.AddLog("Selected source file does not exist.")
		return
	}
	updated := c.updateRequestStatus(*request, model.RequestApproved)
	c.state.AddLog(fmt.Sprintf("Approved request: %s", updated.Path))
	c.approveTransfer(updated, sourcePath)
}

// approveTransfer records the chosen source and launches the transfer. A
// peer-originated request moves bytes over the network channel; a local
// request stays on the filesystem.
func (c *Controller) approveTransfer(request model.FileRequest, sourcePath string) {
	c.mu.Lock()
	c.requestSources[request.ID] = sourcePath
	c.mu.Unlock()

	c.startTransfer(transferSpec{
		sourcePath: sourcePath,
		destPath:   filepath.Join(c.hyperbox.Inbox, filepath.Base(sourcePath)),
		direction:  model.DirectionUpload,
		requestID:  request.ID,
		network:    request.Requester != model.RequesterLocal,
	})
}

// RequestSource returns the source file chosen when a request was
// approved, if any. Front-ends use it to show what actually served a
// request path.
func (c *Controller) RequestSource(requestID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	source, ok := c.requestSources[requestID]
	return source, ok
}

// DeclineRequest advances a pending request to declined.
func (c *Controller) DeclineRequest(requestID string) {
	request := c.findRequest(requestID)
	if request == nil {
		return
	}
	updated := c.updateRequestStatus(*request, model.RequestDeclined)
	c.state.AddLog(fmt.Sprintf("Declined request: %s", updated.Path))
	if c.metrics != nil {
		c.metrics.IncFileRequest(model.RequestDeclined)
	}
}

// RequestHistory returns the request history for the active session, or
// across all sessions when none is active.
func (c *Controller) RequestHistory() []model.FileRequest {
	sessionID := ""
	if session := c.state.Session(); session != nil {
		sessionID = session.ID
	}
	history, err := c.store.ListRequestHistory(sessionID)
	if err != nil {
		c.logger.Warn("list request history", slog.String("error", err.Error()))
		return nil
	}
	return history
}

// RequestHistoryAll returns the request history across all sessions.
func (c *Controller) RequestHistoryAll() []model.FileRequest {
	history, err := c.store.ListRequestHistory("")
	if err != nil {
		c.logger.Warn("list request history", slog.String("error", err.Error()))
		return nil
	}
	return history
}

// SessionIndex maps every known session id to its peer's display name.
func (c *Controller) SessionIndex() map[string]string {
	peers, err := c.store.ListSessionsWithPeers()
	if err != nil {
		c.logger.Warn("list sessions", slog.String("error", err.Error()))
		return nil
	}
	index := make(map[string]string, len(peers))
	for _, peer := range peers {
		index[peer.SessionID] = peer.PeerName
	}
	return index
}

// resolveRequestSource resolves a request path to a concrete file:
// absolute-if-exists, then relative to the hyperbox root, then the demo
// payload.
func (c *Controller) resolveRequestSource(request model.FileRequest) string {
	if filepath.IsAbs(request.Path) {
		if _, err := os.Stat(request.Path); err == nil {
			return request.Path
		}
	}
	candidate := filepath.Join(c.hyperbox.Root, request.Path)
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	demo, err := c.hyperbox.EnsureDemoFile()
	if err != nil {
		c.logger.Warn("ensure demo file", slog.String("error", err.Error()))
		return ""
	}
	c.state.AddLog(fmt.Sprintf("Using demo file for request: %s", request.Path))
	return demo
}

// createRequest persists and publishes a new pending request.
func (c *Controller) createRequest(sessionID, path, requester string) model.FileRequest {
	request := model.FileRequest{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Path:      path,
		Requester: requester,
		Status:    model.RequestPending,
		CreatedAt: time.Now().UTC(),
	}
	c.persist(func() error { return c.store.RecordRequest(request) })
	c.publishRequests(sessionID)
	return request
}

// updateRequestStatus persists and publishes a request status advance.
func (c *Controller) updateRequestStatus(request model.FileRequest, status string) model.FileRequest {
	request.Status = status
	c.persist(func() error { return c.store.RecordRequest(request) })
	c.publishRequests(request.SessionID)
	return request
}

// findRequest locates a request in the published list by id.
func (c *Controller) findRequest(requestID string) *model.FileRequest {
	for _, request := range c.state.Requests() {
		if request.ID == requestID {
			return &request
		}
	}
	return nil
}

// publishRequests refreshes the published request list for a session.
func (c *Controller) publishRequests(sessionID string) {
	requests, err := c.store.ListRequests(sessionID)
	if err != nil {
		c.logger.Warn("list requests", slog.String("error", err.Error()))
		return
	}
	c.state.SetRequests(requests)
}

// -------------------------------------------------------------------------
// Helpers
// -------------------------------------------------------------------------

// persist runs a store write unless shutdown is in progress. Runtime write
// errors are logged and swallowed; in-memory state stays authoritative.
func (c *Controller) persist(write func() error) {
	if c.closing.Load() {
		return
	}
	if err := write(); err != nil {
		if !c.closing.Load() {
			c.logger.Warn("persistence write failed", slog.String("error", err.Error()))
		}
	}
}
