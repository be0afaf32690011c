// Package pairing manages one-time pairing codes and the promotion of a
// confirmed code into an authenticated session.
//
// The manager keeps two in-memory indexes over outstanding pairing
// sessions, by id and by code. Pairing sessions never touch the store; a
// confirmed pairing is consumed and the resulting Session is handed to the
// caller for persistence. All returned values are immutable; mutation is by
// replacement.
package pairing

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/idiehl/hyperdesk/internal/model"
)

// Sentinel errors for pairing operations.
var (
	// ErrCodeMismatch indicates the supplied code does not match the
	// pairing session's code.
	ErrCodeMismatch = errors.New("invalid pairing code")
)

// tokenBytes is the entropy of a minted session token. 16 random bytes
// encoded URL-safe yields a 22-character opaque identifier.
const tokenBytes = 16

// codeSpace bounds the numeric pairing code: 000000-999999.
const codeSpace = 1_000_000

// SessionParams carries the policy inputs for confirming a pairing.
// ApprovalRequired is not an input: it is derived from Mode on every
// construction path so the policy invariant cannot be violated.
type SessionParams struct {
	Mode             string
	ConflictRule     string
	AllowBrowse      bool
	AllowRequests    bool
	AllowEdits       bool
	EditMode         string
	AllowClientShare bool

	// SessionID and Token override the generated values when non-empty.
	// Used when adopting a session id negotiated on the wire.
	SessionID string
	Token     string
}

// DefaultSessionParams returns the approval-gated defaults applied when no
// per-device preset exists.
func DefaultSessionParams() SessionParams {
	return SessionParams{
		Mode:             model.ModeApproval,
		ConflictRule:     model.ConflictKeepBoth,
		AllowBrowse:      true,
		AllowRequests:    true,
		AllowEdits:       false,
		EditMode:         model.EditModeCopyOnEdit,
		AllowClientShare: true,
	}
}

// Manager tracks outstanding pairing sessions.
type Manager struct {
	mu     sync.Mutex
	byID   map[string]model.PairingSession
	byCode map[string]model.PairingSession
}

// NewManager creates an empty pairing manager.
func NewManager() *Manager {
	return &Manager{
		byID:   make(map[string]model.PairingSession),
		byCode: make(map[string]model.PairingSession),
	}
}

// CreatePairing mints a uniformly random six-digit code bound to the host
// device and indexes the resulting pairing session.
func (m *Manager) CreatePairing(host model.Device) (model.PairingSession, error) {
	code, err := newCode()
	if err != nil {
		return model.PairingSession{}, fmt.Errorf("generate pairing code: %w", err)
	}

	pairing := model.PairingSession{
		ID:         uuid.NewString(),
		Code:       code,
		HostDevice: host,
		CreatedAt:  time.Now().UTC(),
	}

	m.mu.Lock()
	m.byID[pairing.ID] = pairing
	m.byCode[pairing.Code] = pairing
	m.mu.Unlock()

	return pairing, nil
}

// FindByCode returns the outstanding pairing session for the code, if any.
func (m *Manager) FindByCode(code string) (model.PairingSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pairing, ok := m.byCode[code]
	return pairing, ok
}

// Discard abandons an outstanding pairing session, removing both indexes.
func (m *Manager) Discard(pairing model.PairingSession) {
	m.mu.Lock()
	delete(m.byID, pairing.ID)
	delete(m.byCode, pairing.Code)
	m.mu.Unlock()
}

// ConfirmPairing validates the code against the pairing session and, on
// match, consumes the pairing and returns a connected Session with a
// freshly minted token. On mismatch the pairing remains outstanding and
// ErrCodeMismatch is returned.
func (m *Manager) ConfirmPairing(
	pairing model.PairingSession,
	code string,
	peer model.Device,
	params SessionParams,
) (model.Session, error) {
	if pairing.Code != code {
		return model.Session{}, ErrCodeMismatch
	}

	session, err := newSession(pairing.HostDevice, peer, params)
	if err != nil {
		return model.Session{}, err
	}

	m.mu.Lock()
	delete(m.byID, pairing.ID)
	delete(m.byCode, pairing.Code)
	m.mu.Unlock()

	return session, nil
}

// AcceptPairing confirms a pairing with its own code, for the local flow
// where the host links directly to a chosen device.
func (m *Manager) AcceptPairing(
	pairing model.PairingSession,
	peer model.Device,
	params SessionParams,
) (model.Session, error) {
	return m.ConfirmPairing(pairing, pairing.Code, peer, params)
}

// UpdateSession returns a copy of the session carrying the supplied status
// and policy. The session identity (id, devices, token, creation time) is
// preserved; the store receives the replacement value.
func (m *Manager) UpdateSession(
	session model.Session,
	status string,
	policy model.PermissionPolicy,
) model.Session {
	return model.Session{
		ID:         session.ID,
		HostDevice: session.HostDevice,
		PeerDevice: session.PeerDevice,
		Status:     status,
		Policy:     policy,
		Token:      session.Token,
		CreatedAt:  session.CreatedAt,
	}
}

// -------------------------------------------------------------------------
// Internal constructors
// -------------------------------------------------------------------------

func newSession(host, peer model.Device, params SessionParams) (model.Session, error) {
	token := params.Token
	if token == "" {
		minted, err := newToken()
		if err != nil {
			return model.Session{}, fmt.Errorf("mint session token: %w", err)
		}
		token = minted
	}

	id := params.SessionID
	if id == "" {
		id = uuid.NewString()
	}

	policy := model.PermissionPolicy{
		Mode:             params.Mode,
		ApprovalRequired: params.Mode == model.ModeApproval,
		ConflictRule:     params.ConflictRule,
		AllowBrowse:      params.AllowBrowse,
		AllowRequests:    params.AllowRequests,
		AllowEdits:       params.AllowEdits,
		EditMode:         params.EditMode,
		AllowClientShare: params.AllowClientShare,
	}

	return model.Session{
		ID:         id,
		HostDevice: host,
		PeerDevice: peer,
		Status:     model.SessionConnected,
		Policy:     policy,
		Token:      token,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// newCode draws a uniform six-digit zero-padded code from crypto/rand.
func newCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(codeSpace))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// newToken mints an opaque URL-safe session token.
func newToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
