package controller

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/idiehl/hyperdesk/internal/config"
	"github.com/idiehl/hyperdesk/internal/model"
	"github.com/idiehl/hyperdesk/internal/transfer"
)

// transferSpec describes one transfer to launch.
type transferSpec struct {
	sourcePath string
	destPath   string
	direction  string
	requestID  string
	network    bool
}

// SimulateTransfer starts a local copy of the demo payload into the inbox,
// for exercising the pipeline without a peer.
func (c *Controller) SimulateTransfer() {
	if c.state.Session() == nil {
		c.state.AddLog("Link a device before starting a transfer.")
		return
	}
	sourcePath, err := c.hyperbox.EnsureDemoFile()
	if err != nil {
		c.state.AddLog("Failed to prepare demo payload.")
		c.logger.Error("ensure demo file", slog.String("error", err.Error()))
		return
	}
	c.startTransfer(transferSpec{
		sourcePath: sourcePath,
		destPath:   filepath.Join(c.hyperbox.Inbox, filepath.Base(sourcePath)),
		direction:  model.DirectionUpload,
	})
}

// startTransfer creates the job, applies the local conflict rule, persists
// the initial row, and hands the copy to a worker goroutine.
func (c *Controller) startTransfer(spec transferSpec) {
	session := c.state.Session()
	if session == nil {
		return
	}
	if spec.requestID != "" {
		c.setRequestStatusByID(spec.requestID, model.RequestInProgress)
	}

	var size int64
	if info, err := os.Stat(spec.sourcePath); err == nil {
		size = info.Size()
	}

	if !spec.network {
		dest, skipped := c.applyConflictRule(spec.destPath)
		if skipped {
			c.state.AddLog("Transfer skipped due to conflict policy.")
			job := model.TransferJob{
				ID:        uuid.NewString(),
				Path:      spec.sourcePath,
				Direction: spec.direction,
				Status:    model.TransferSkipped,
				Size:      size,
			}
			c.state.UpdateTransfer(job)
			sessionID := session.ID
			c.persist(func() error { return c.store.RecordTransfer(sessionID, job) })
			c.broadcastTransferStatus(job)
			if spec.requestID != "" {
				c.finalizeRequest(spec.requestID, model.RequestSkipped)
			}
			if c.metrics != nil {
				c.metrics.TransferFinished(spec.direction, model.TransferSkipped, 0)
			}
			return
		}
		spec.destPath = dest
	}

	job := model.TransferJob{
		ID:        uuid.NewString(),
		Path:      spec.sourcePath,
		Direction: spec.direction,
		Status:    model.TransferTransferring,
		Size:      size,
	}
	c.state.UpdateTransfer(job)
	sessionID := session.ID
	c.persist(func() error { return c.store.RecordTransfer(sessionID, job) })

	c.mu.Lock()
	c.jobStartTimes[job.ID] = time.Now()
	c.mu.Unlock()

	go c.runTransferJob(sessionID, job, spec)
}

// applyConflictRule resolves a destination collision for local copies.
// Only mirror mode arbitrates; other modes write to the given destination.
// Returns (path, skipped).
func (c *Controller) applyConflictRule(destPath string) (string, bool) {
	session := c.state.Session()
	if session == nil || session.Policy.Mode != model.ModeMirror {
		return destPath, false
	}
	if _, err := os.Stat(destPath); err != nil {
		return destPath, false
	}

	switch session.Policy.ConflictRule {
	case model.ConflictPreferHost:
		return destPath, false
	case model.ConflictPreferPeer:
		return "", true
	case model.ConflictKeepBoth:
		return transfer.ConflictName(destPath, time.Now()), false
	default:
		return destPath, false
	}
}

// runTransferJob executes one transfer on its worker goroutine, reporting
// progress, terminal status, broadcasts, and request finalization.
func (c *Controller) runTransferJob(sessionID string, job model.TransferJob, spec transferSpec) {
	settings := c.TransferSettings()
	maxBandwidth, err := transfer.ParseBandwidth(settings.MaxBandwidth)
	if err != nil {
		c.failTransfer(sessionID, job, spec, err)
		return
	}

	onProgress := c.progressFunc(sessionID, job)

	var result transfer.Result
	if spec.network {
		result, err = c.sendOverNetwork(job, spec.sourcePath, settings, maxBandwidth, onProgress)
	} else {
		result, err = transfer.CopyWithChecksum(spec.sourcePath, spec.destPath, transfer.Options{
			ChunkSize:    int64(settings.ChunkSizeMB) * 1024 * 1024,
			Resume:       true,
			OnProgress:   onProgress,
			MaxBandwidth: maxBandwidth,
			RetryPolicy:  settings.RetryPolicy,
			MaxRetries:   settings.MaxRetries,
		})
	}
	if err != nil {
		c.failTransfer(sessionID, job, spec, err)
		return
	}

	finished := job
	finished.Status = model.TransferComplete
	finished.BytesCopied = result.BytesCopied
	finished.Progress = 1.0
	finished.Checksum = result.Checksum
	finished.RateMBps = 0

	c.state.UpdateTransfer(finished)
	c.persist(func() error { return c.store.RecordTransfer(sessionID, finished) })
	c.broadcastTransferStatus(finished)
	c.recordBandwidthSample(job.ID, result.BytesCopied, maxBandwidth)
	if spec.requestID != "" {
		c.finalizeRequest(spec.requestID, model.RequestCompleted)
	}
	if c.metrics != nil {
		c.metrics.TransferFinished(job.Direction, model.TransferComplete, result.BytesCopied)
	}
}

// failTransfer marks a job failed and propagates the failure to its request.
func (c *Controller) failTransfer(sessionID string, job model.TransferJob, spec transferSpec, err error) {
	failed := job
	failed.Status = model.TransferFailed
	failed.RateMBps = 0

	c.mu.Lock()
	delete(c.transferRates, job.ID)
	delete(c.jobStartTimes, job.ID)
	c.mu.Unlock()

	c.state.UpdateTransfer(failed)
	c.persist(func() error { return c.store.RecordTransfer(sessionID, failed) })
	c.state.AddLog(fmt.Sprintf("Transfer failed: %v", err))
	c.broadcastTransferStatus(failed)
	if spec.requestID != "" {
		c.finalizeRequest(spec.requestID, model.RequestFailed)
	}
	if c.metrics != nil {
		c.metrics.TransferFinished(job.Direction, model.TransferFailed, 0)
	}
}

// progressFunc builds the per-chunk callback: publishes the running job and
// computes the instantaneous rate from the previous sample.
func (c *Controller) progressFunc(sessionID string, job model.TransferJob) transfer.ProgressFunc {
	return func(bytesCopied, totalSize int64) {
		now := time.Now()

		c.mu.Lock()
		last, ok := c.transferRates[job.ID]
		if !ok {
			last = rateSample{bytes: 0, at: now}
		}
		deltaBytes := bytesCopied - last.bytes
		deltaTime := now.Sub(last.at).Seconds()
		if deltaTime < 0.0001 {
			deltaTime = 0.0001
		}
		rateMBps := float64(deltaBytes) / deltaTime / (1024 * 1024)
		c.transferRates[job.ID] = rateSample{bytes: bytesCopied, at: now}
		c.mu.Unlock()

		progress := 1.0
		if totalSize > 0 {
			progress = float64(bytesCopied) / float64(totalSize)
		}

		running := job
		running.Status = model.TransferTransferring
		running.Size = totalSize
		running.BytesCopied = bytesCopied
		running.Progress = progress
		running.RateMBps = rateMBps

		c.state.UpdateTransfer(running)
		c.persist(func() error { return c.store.RecordTransfer(sessionID, running) })
	}
}

// sendOverNetwork serves the file on an ephemeral TCP port, announces the
// offer on the control bus, and streams to the first peer that connects.
func (c *Controller) sendOverNetwork(
	job model.TransferJob,
	sourcePath string,
	settings TransferSettings,
	maxBandwidth int64,
	onProgress transfer.ProgressFunc,
) (transfer.Result, error) {
	sender := transfer.NewSender("0.0.0.0", int64(settings.ChunkSizeMB)*1024*1024)
	port, err := sender.Open()
	if err != nil {
		return transfer.Result{}, err
	}
	defer sender.Close()

	hostIP := c.localDevice.IP
	if hostIP == "" {
		hostIP = "127.0.0.1"
	}
	var size int64
	if info, statErr := os.Stat(sourcePath); statErr == nil {
		size = info.Size()
	}
	c.broadcastTransferOffer(job.ID, filepath.Base(sourcePath), size, hostIP, port)

	return sender.SendFile(sourcePath, onProgress, maxBandwidth)
}

// setRequestStatusByID advances a request found in the published list.
func (c *Controller) setRequestStatusByID(requestID, status string) {
	request := c.findRequest(requestID)
	if request == nil {
		return
	}
	c.updateRequestStatus(*request, status)
}

// finalizeRequest records a request's terminal status.
func (c *Controller) finalizeRequest(requestID, status string) {
	c.setRequestStatusByID(requestID, status)
	if c.metrics != nil {
		c.metrics.IncFileRequest(status)
	}
}

// -------------------------------------------------------------------------
// Transfer Settings
// -------------------------------------------------------------------------

// TransferSettings is the bounded user-tunable transfer configuration,
// backed by the preference store.
type TransferSettings struct {
	ChunkSizeMB  int
	MaxBandwidth string
	RetryPolicy  string
	MaxRetries   int
	Encryption   bool
}

// TransferSettings returns the live settings: stored preferences over the
// configured defaults.
func (c *Controller) TransferSettings() TransferSettings {
	defaults := c.cfg.Transfer
	return TransferSettings{
		ChunkSizeMB:  c.store.GetPreferenceInt("transfer.chunk_size_mb", defaults.ChunkSizeMB),
		MaxBandwidth: c.store.GetPreference("transfer.max_bandwidth", defaults.MaxBandwidth),
		RetryPolicy:  c.store.GetPreference("transfer.retry_policy", defaults.RetryPolicy),
		MaxRetries:   c.store.GetPreferenceInt("transfer.max_retries", defaults.MaxRetries),
		Encryption:   c.store.GetPreferenceBool("transfer.encryption", defaults.Encryption),
	}
}

// SaveTransferSettings validates and persists the settings. Encryption is
// refused: no encrypted bulk channel is wired, and silently accepting the
// flag would misrepresent what goes over the network.
func (c *Controller) SaveTransferSettings(settings TransferSettings) error {
	if settings.Encryption {
		return config.ErrEncryptionUnsupported
	}
	switch settings.RetryPolicy {
	case transfer.RetryExponential, transfer.RetryLinear, transfer.RetryNone:
	default:
		return fmt.Errorf("retry_policy %q: %w", settings.RetryPolicy, config.ErrInvalidRetryPolicy)
	}
	if _, err := transfer.ParseBandwidth(settings.MaxBandwidth); err != nil {
		return err
	}

	c.persist(func() error {
		return c.store.SetPreference("transfer.chunk_size_mb", fmt.Sprint(settings.ChunkSizeMB))
	})
	c.persist(func() error {
		return c.store.SetPreference("transfer.max_bandwidth", settings.MaxBandwidth)
	})
	c.persist(func() error {
		return c.store.SetPreference("transfer.retry_policy", settings.RetryPolicy)
	})
	c.persist(func() error {
		return c.store.SetPreference("transfer.max_retries", fmt.Sprint(settings.MaxRetries))
	})
	c.persist(func() error {
		return c.store.SetPreference("transfer.encryption", "False")
	})
	c.state.AddLog("Transfer settings updated.")
	return nil
}

// TransferLimitMBps returns the configured bandwidth limit in MB/s, or 0
// when unlimited.
func (c *Controller) TransferLimitMBps() float64 {
	limit, err := transfer.ParseBandwidth(c.TransferSettings().MaxBandwidth)
	if err != nil || limit == 0 {
		return 0
	}
	return float64(limit) / (1024 * 1024)
}

// -------------------------------------------------------------------------
// Bandwidth History
// -------------------------------------------------------------------------

// recordBandwidthSample appends the finished transfer's average rate to the
// history surfaced to front-ends.
func (c *Controller) recordBandwidthSample(jobID string, bytesCopied, limitBytes int64) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.transferRates, jobID)
	start := c.jobStartTimes[jobID]
	delete(c.jobStartTimes, jobID)

	sample := BandwidthSample{
		At:       now,
		RateMBps: averageRateMBps(bytesCopied, start, now),
	}
	if limitBytes > 0 {
		sample.LimitMBps = float64(limitBytes) / (1024 * 1024)
	}
	c.bandwidthHistory = append(c.bandwidthHistory, sample)
}

// BandwidthHistory returns the recorded (time, rate, limit) samples.
func (c *Controller) BandwidthHistory() []BandwidthSample {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]BandwidthSample{}, c.bandwidthHistory...)
}

// averageRateMBps computes a whole-transfer average rate.
func averageRateMBps(bytes int64, start time.Time, end time.Time) float64 {
	if start.IsZero() {
		return 0
	}
	seconds := end.Sub(start).Seconds()
	if seconds < 0.0001 {
		seconds = 0.0001
	}
	return float64(bytes) / seconds / (1024 * 1024)
}
