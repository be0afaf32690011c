// Package model defines the domain value types shared across the daemon:
// devices, sessions and their permission policies, pairing sessions,
// transfer jobs, and file requests.
//
// Session, PairingSession, PermissionPolicy, and FileRequest are treated as
// immutable values: any "mutation" constructs a new value. TransferJob is
// mutated only by the worker that owns it; everyone else sees snapshots.
package model

import "time"

// -------------------------------------------------------------------------
// Device
// -------------------------------------------------------------------------

// Presence status values for a Device.
const (
	StatusLocal   = "local"
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Capability tags advertised by devices.
const (
	CapabilityHyperbox = "hyperbox"
	CapabilityRequests = "requests"
)

// Device describes a participant on the LAN. Devices are created on
// discovery or local startup and upserted on every re-observation; they are
// never deleted.
type Device struct {
	// ID is a stable opaque identifier.
	ID string

	// Name is the human-readable device name (usually the hostname).
	Name string

	// IP is the device's IPv4 address in dotted-quad form.
	IP string

	// Status is the presence status: "local", "online", or "offline".
	Status string

	// Capabilities is the set of capability tags ("hyperbox", "requests").
	Capabilities []string
}

// -------------------------------------------------------------------------
// Permission Policy
// -------------------------------------------------------------------------

// Sync modes for a session policy.
const (
	ModeMirror   = "mirror"
	ModeCopy     = "copy"
	ModeApproval = "approval"
)

// Conflict rules governing destination-exists collisions.
const (
	ConflictKeepBoth   = "keep_both"
	ConflictPreferHost = "prefer_host"
	ConflictPreferPeer = "prefer_peer"
)

// Edit modes for the extended policy flags.
const (
	EditModeCopyOnEdit = "copy_on_edit"
	EditModeInPlace    = "in_place"
)

// PermissionPolicy is the per-session sync policy.
//
// Invariant: ApprovalRequired is true iff Mode == ModeApproval. The pairing
// manager enforces this on every construction path.
type PermissionPolicy struct {
	Mode             string
	ApprovalRequired bool
	ConflictRule     string

	AllowBrowse      bool
	AllowRequests    bool
	AllowEdits       bool
	EditMode         string
	AllowClientShare bool
}

// DefaultPolicy returns the policy applied when no per-device preset exists:
// approval-gated with keep_both conflict handling.
func DefaultPolicy() PermissionPolicy {
	return PermissionPolicy{
		Mode:             ModeApproval,
		ApprovalRequired: true,
		ConflictRule:     ConflictKeepBoth,
		AllowBrowse:      true,
		AllowRequests:    true,
		AllowEdits:       false,
		EditMode:         EditModeCopyOnEdit,
		AllowClientShare: true,
	}
}

// -------------------------------------------------------------------------
// Session
// -------------------------------------------------------------------------

// Session status values. Disconnected is terminal and sticky for audit; a
// new handshake always creates a new session identifier.
const (
	SessionConnected    = "connected"
	SessionDisconnected = "disconnected"
)

// Session is an authenticated pairing between the local host device and one
// peer device. The Token is an opaque URL-safe random identifier minted at
// pairing confirmation.
type Session struct {
	ID         string
	HostDevice Device
	PeerDevice Device
	Status     string
	Policy     PermissionPolicy
	Token      string
	CreatedAt  time.Time
}

// PairingSession is the transient precursor to a Session: a one-time
// six-digit code bound to the originating host device. Lives in memory only
// and is consumed on confirmation or abandoned.
type PairingSession struct {
	ID         string
	Code       string
	HostDevice Device
	CreatedAt  time.Time
}

// -------------------------------------------------------------------------
// Transfer Job
// -------------------------------------------------------------------------

// Transfer directions.
const (
	DirectionUpload   = "upload"
	DirectionDownload = "download"
)

// TransferJob status values. "receiving" and "sending" are peer-reported
// synonyms of "transferring" used for display; persistence writes whichever
// arrives.
const (
	TransferTransferring = "transferring"
	TransferReceiving    = "receiving"
	TransferSending      = "sending"
	TransferComplete     = "complete"
	TransferFailed       = "failed"
	TransferSkipped      = "skipped"
)

// TransferJob tracks one chunked file copy, local or networked.
type TransferJob struct {
	ID          string
	Path        string
	Direction   string
	Status      string
	Size        int64
	BytesCopied int64

	// Progress is in [0.0, 1.0].
	Progress float64

	// Checksum is the lowercase hex SHA-256 of the transferred bytes; empty
	// until completion.
	Checksum string

	// RateMBps is the instantaneous transfer rate in MB/s.
	RateMBps float64
}

// -------------------------------------------------------------------------
// File Request
// -------------------------------------------------------------------------

// FileRequest requester origins.
const (
	RequesterLocal = "local"
	RequesterPeer  = "peer"
)

// FileRequest status values. Status advances monotonically; the terminal
// statuses (declined, completed, failed, skipped) are immutable.
const (
	RequestPending    = "pending"
	RequestApproved   = "approved"
	RequestDeclined   = "declined"
	RequestInProgress = "in_progress"
	RequestCompleted  = "completed"
	RequestFailed     = "failed"
	RequestSkipped    = "skipped"
)

// FileRequest is a policy-gated ask for a file transfer within a session.
type FileRequest struct {
	ID        string
	SessionID string
	Path      string
	Requester string
	Status    string
	CreatedAt time.Time
}

// AuditEvent is an append-only audit record attached to a session.
type AuditEvent struct {
	SessionID string
	EventType string
	Details   string
	CreatedAt time.Time
}
