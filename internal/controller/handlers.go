package controller

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/idiehl/hyperdesk/internal/hyperbox"
	"github.com/idiehl/hyperdesk/internal/model"
	"github.com/idiehl/hyperdesk/internal/pairing"
	"github.com/idiehl/hyperdesk/internal/protocol"
)

// -------------------------------------------------------------------------
// Inbound Control Messages
// -------------------------------------------------------------------------

// handleControlMessage dispatches one decoded control frame. Invoked
// sequentially by the control server.
func (c *Controller) handleControlMessage(msg protocol.Message) {
	c.state.AddLog(fmt.Sprintf("Control message received: %s", msg.Type))
	if c.metrics != nil {
		c.metrics.IncControlMessage(string(msg.Type))
	}

	switch msg.Type {
	case protocol.TypePairingRequest:
		c.handlePairingRequest(msg)
	case protocol.TypeSessionUpdate:
		c.handleSessionUpdate(msg)
	case protocol.TypeTransferStatus:
		c.handleTransferStatus(msg)
	case protocol.TypeTransferRequest:
		c.handleTransferRequest(msg)
	default:
		c.logger.Debug("ignoring control message", slog.String("type", string(msg.Type)))
	}
}

// handlePairingRequest promotes a matching pairing code into a session and
// answers with PAIRING_ACCEPT plus a SESSION_UPDATE. A code mismatch sends
// no reply; the pending pairing stays available for a retry.
func (c *Controller) handlePairingRequest(msg protocol.Message) {
	code := msg.String("pair_code", "")
	deviceID := msg.String("device_id", "")
	if code == "" || deviceID == "" {
		c.state.AddLog("Pairing request missing code or device id.")
		return
	}

	c.mu.Lock()
	pending := c.pendingPairing
	c.mu.Unlock()

	var p model.PairingSession
	switch {
	case pending != nil:
		p = *pending
	default:
		found, ok := c.pairing.FindByCode(code)
		if !ok {
			c.state.AddLog("No active pairing session found for code.")
			if c.metrics != nil {
				c.metrics.IncPairingOutcome("not_found")
			}
			return
		}
		p = found
	}

	peer := peerDeviceFromPayload(msg)
	mode, conflictRule := c.GetDeviceSyncPreset(peer.ID)
	params := pairing.DefaultSessionParams()
	params.Mode = mode
	params.ConflictRule = conflictRule

	session, err := c.pairing.ConfirmPairing(p, code, peer, params)
	if err != nil {
		// Wrong code: log at audit level and wait for the peer to retry.
		c.state.AddLog(fmt.Sprintf("Pairing code mismatch from %s.", peer.Name))
		if c.metrics != nil {
			c.metrics.IncPairingOutcome("code_mismatch")
		}
		return
	}

	c.mu.Lock()
	c.pendingPairing = nil
	c.mu.Unlock()
	c.state.SetPairingCode("")

	c.adoptSession(session, peer)
	c.state.AddLog(fmt.Sprintf("Peer linked: %s.", peer.Name))
	c.broadcastPairingAccept(session)
	c.broadcastSessionUpdate(session.Status, session.Policy)
}

// handleSessionUpdate applies policy deltas from the peer onto the live
// session. Absent fields keep their current values.
func (c *Controller) handleSessionUpdate(msg protocol.Message) {
	session := c.state.Session()
	if session == nil {
		return
	}

	status := msg.String("status", session.Status)
	policy := session.Policy
	policy.Mode = msg.String("mode", policy.Mode)
	policy.ApprovalRequired = msg.Bool("approval_required", policy.ApprovalRequired)
	policy.ConflictRule = msg.String("conflict_rule", policy.ConflictRule)
	policy.AllowBrowse = msg.Bool("allow_browse", policy.AllowBrowse)
	policy.AllowRequests = msg.Bool("allow_requests", policy.AllowRequests)
	policy.AllowEdits = msg.Bool("allow_edits", policy.AllowEdits)
	policy.EditMode = msg.String("edit_mode", policy.EditMode)
	policy.AllowClientShare = msg.Bool("allow_client_share", policy.AllowClientShare)

	updated := c.pairing.UpdateSession(*session, status, policy)
	c.state.SetSession(&updated)
	c.persist(func() error { return c.store.RecordSession(updated) })
}

// handleTransferStatus hydrates a peer-reported job and publishes it.
func (c *Controller) handleTransferStatus(msg protocol.Message) {
	jobID := msg.String("job_id", "")
	if jobID == "" {
		return
	}

	job := model.TransferJob{
		ID:          jobID,
		Path:        msg.String("path", ""),
		Direction:   msg.String("direction", model.DirectionDownload),
		Status:      msg.String("status", "unknown"),
		Size:        msg.Int64("size", 0),
		BytesCopied: msg.Int64("bytes_copied", 0),
		Progress:    msg.Float64("progress", 0),
		Checksum:    msg.String("checksum", ""),
		RateMBps:    msg.Float64("rate_mbps", 0),
	}
	c.state.UpdateTransfer(job)

	if session := c.state.Session(); session != nil {
		c.persist(func() error { return c.store.RecordTransfer(session.ID, job) })
	}
}

// handleTransferRequest records a peer-originated file request. The
// direction and size fields are advisory; only the path matters here.
func (c *Controller) handleTransferRequest(msg protocol.Message) {
	session := c.state.Session()
	if session == nil {
		return
	}
	path := msg.String("path", "")
	requester := msg.String("requester", model.RequesterPeer)
	request := c.createRequest(session.ID, path, requester)
	c.state.AddLog(fmt.Sprintf("Transfer requested: %s", request.Path))
}

// peerDeviceFromPayload builds the peer's device record from a
// PAIRING_REQUEST payload.
func peerDeviceFromPayload(msg protocol.Message) model.Device {
	deviceID := msg.String("device_id", "")
	if deviceID == "" {
		deviceID = uuid.NewString()
	}
	return model.Device{
		ID:           deviceID,
		Name:         msg.String("device_name", "Peer"),
		IP:           msg.String("device_ip", "0.0.0.0"),
		Status:       model.StatusOnline,
		Capabilities: msg.Strings("capabilities"),
	}
}

// -------------------------------------------------------------------------
// Hyperbox Events
// -------------------------------------------------------------------------

// handleHyperboxEvent routes a watcher event by subtree, gated on the live
// policy. Events on a path that transferred within the debounce window are
// ignored.
func (c *Controller) handleHyperboxEvent(eventType, path string) {
	session := c.state.Session()
	if session == nil {
		return
	}
	relative, err := filepath.Rel(c.hyperbox.Root, path)
	if err != nil || strings.HasPrefix(relative, "..") {
		return
	}

	mode := session.Policy.Mode
	now := time.Now()
	c.mu.Lock()
	last, seen := c.lastTransferByPath[path]
	c.mu.Unlock()
	if seen && now.Sub(last) < debounceWindow {
		return
	}

	switch {
	case isUnder(c.hyperbox.Requests, path):
		if mode == model.ModeApproval {
			request := c.createRequest(session.ID, relative, model.RequesterLocal)
			c.state.AddLog(fmt.Sprintf("Request file detected: %s", request.Path))
		} else {
			c.state.AddLog(fmt.Sprintf("Request ignored (mode=%s): %s", mode, relative))
		}

	case isUnder(c.hyperbox.Outbox, path):
		autoSync := mode == model.ModeMirror || mode == model.ModeCopy
		if autoSync && (eventType == hyperbox.EventCreated || eventType == hyperbox.EventModified) {
			c.mu.Lock()
			c.lastTransferByPath[path] = now
			c.mu.Unlock()
			c.state.AddLog(fmt.Sprintf("Auto-sync outbox file: %s", relative))
			c.startTransfer(transferSpec{
				sourcePath: path,
				destPath:   filepath.Join(c.hyperbox.Inbox, filepath.Base(path)),
				direction:  model.DirectionUpload,
			})
		} else {
			c.state.AddLog(fmt.Sprintf("Outbox file detected: %s", relative))
		}

	case isUnder(c.hyperbox.Inbox, path):
		if mode == model.ModeMirror && (eventType == hyperbox.EventCreated || eventType == hyperbox.EventModified) {
			c.state.AddLog(fmt.Sprintf("Inbox updated (mirror sync): %s", relative))
		} else {
			c.state.AddLog(fmt.Sprintf("Inbox file received: %s", relative))
		}
	}
}

// isUnder reports whether path lies strictly below dir.
func isUnder(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != "." && !strings.HasPrefix(rel, "..")
}

// -------------------------------------------------------------------------
// Outbound Broadcasts
// -------------------------------------------------------------------------

// broadcast encodes and fans out one control message to all peers.
func (c *Controller) broadcast(t protocol.MessageType, payload map[string]any) {
	frame, err := protocol.Encode(t, payload, "")
	if err != nil {
		c.logger.Error("encode broadcast", slog.String("type", string(t)), slog.String("error", err.Error()))
		return
	}
	c.server.Broadcast(frame)
	if c.metrics != nil {
		c.metrics.IncControlBroadcast(string(t))
	}
}

// policyPayload renders a policy into the shared SESSION_UPDATE /
// PAIRING_OFFER field set.
func policyPayload(policy model.PermissionPolicy) map[string]any {
	return map[string]any{
		"mode":               policy.Mode,
		"approval_required":  policy.ApprovalRequired,
		"conflict_rule":      policy.ConflictRule,
		"allow_browse":       policy.AllowBrowse,
		"allow_requests":     policy.AllowRequests,
		"allow_edits":        policy.AllowEdits,
		"edit_mode":          policy.EditMode,
		"allow_client_share": policy.AllowClientShare,
	}
}

// broadcastSessionUpdate announces the live session's status and policy.
func (c *Controller) broadcastSessionUpdate(status string, policy model.PermissionPolicy) {
	session := c.state.Session()
	if session == nil {
		return
	}
	payload := policyPayload(policy)
	payload["session_id"] = session.ID
	payload["status"] = status
	c.broadcast(protocol.TypeSessionUpdate, payload)
}

// broadcastDisconnected announces the terminal SESSION_UPDATE after the
// local session reference is already gone.
func (c *Controller) broadcastDisconnected(sessionID string) {
	payload := policyPayload(model.PermissionPolicy{
		Mode:         "",
		ConflictRule: model.ConflictKeepBoth,
		EditMode:     "",
	})
	payload["session_id"] = sessionID
	payload["status"] = model.SessionDisconnected
	c.broadcast(protocol.TypeSessionUpdate, payload)
}

// broadcastPairingAccept hands the peer its session id and token.
func (c *Controller) broadcastPairingAccept(session model.Session) {
	c.broadcast(protocol.TypePairingAccept, map[string]any{
		"session_id":    session.ID,
		"device_id":     c.localDevice.ID,
		"session_token": session.Token,
	})
}

// broadcastTransferStatus announces a job status change.
func (c *Controller) broadcastTransferStatus(job model.TransferJob) {
	if c.state.Session() == nil {
		return
	}
	c.broadcast(protocol.TypeTransferStatus, map[string]any{
		"job_id":   job.ID,
		"status":   job.Status,
		"progress": job.Progress,
		"checksum": job.Checksum,
	})
}

// broadcastTransferOffer announces where the bulk bytes can be fetched.
func (c *Controller) broadcastTransferOffer(jobID, filename string, size int64, host string, port int) {
	session := c.state.Session()
	if session == nil {
		return
	}
	c.broadcast(protocol.TypeTransferOffer, map[string]any{
		"session_id":    session.ID,
		"job_id":        jobID,
		"filename":      filename,
		"size":          size,
		"host":          host,
		"port":          port,
		"conflict_rule": session.Policy.ConflictRule,
	})
}
