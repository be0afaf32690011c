// Package controller binds every subsystem together: it converts filesystem
// events and inbound control messages into state updates, transfers, and
// outbound broadcasts, writing through to the store on each mutation.
package controller

import (
	"sync"

	"github.com/idiehl/hyperdesk/internal/model"
)

// State is the observer surface front-ends subscribe to. Every mutation
// notifies the registered listeners; workers on any goroutine may publish,
// so all access is serialized internally. Listeners run on the publishing
// goroutine and must not block.
type State struct {
	mu          sync.Mutex
	devices     []model.Device
	session     *model.Session
	pairingCode string
	logs        []string
	transfers   []model.TransferJob
	requests    []model.FileRequest

	onDevices   []func([]model.Device)
	onSession   []func(*model.Session)
	onPairing   []func(string)
	onLog       []func(string)
	onTransfers []func([]model.TransferJob)
	onRequests  []func([]model.FileRequest)
}

// NewState creates an empty state.
func NewState() *State {
	return &State{}
}

// -------------------------------------------------------------------------
// Listener Registration
// -------------------------------------------------------------------------

// OnDevicesChanged registers a listener for device list updates.
func (s *State) OnDevicesChanged(fn func([]model.Device)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDevices = append(s.onDevices, fn)
}

// OnSessionChanged registers a listener for session updates; nil means no
// active session.
func (s *State) OnSessionChanged(fn func(*model.Session)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSession = append(s.onSession, fn)
}

// OnPairingChanged registers a listener for pairing code updates.
func (s *State) OnPairingChanged(fn func(string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPairing = append(s.onPairing, fn)
}

// OnLogAdded registers a listener for log lines.
func (s *State) OnLogAdded(fn func(string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onLog = append(s.onLog, fn)
}

// OnTransfersChanged registers a listener for transfer list updates.
func (s *State) OnTransfersChanged(fn func([]model.TransferJob)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTransfers = append(s.onTransfers, fn)
}

// OnRequestsChanged registers a listener for request list updates.
func (s *State) OnRequestsChanged(fn func([]model.FileRequest)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRequests = append(s.onRequests, fn)
}

// -------------------------------------------------------------------------
// Publication
// -------------------------------------------------------------------------

// SetDevices replaces the device list.
func (s *State) SetDevices(devices []model.Device) {
	s.mu.Lock()
	s.devices = devices
	listeners := append([]func([]model.Device){}, s.onDevices...)
	snapshot := append([]model.Device{}, devices...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(snapshot)
	}
}

// SetSession replaces the active session; nil clears it.
func (s *State) SetSession(session *model.Session) {
	s.mu.Lock()
	s.session = session
	listeners := append([]func(*model.Session){}, s.onSession...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(session)
	}
}

// SetPairingCode publishes the outstanding pairing code; empty clears it.
func (s *State) SetPairingCode(code string) {
	s.mu.Lock()
	s.pairingCode = code
	listeners := append([]func(string){}, s.onPairing...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(code)
	}
}

// AddLog appends a log line.
func (s *State) AddLog(message string) {
	s.mu.Lock()
	s.logs = append(s.logs, message)
	listeners := append([]func(string){}, s.onLog...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(message)
	}
}

// SetTransfers replaces the transfer list.
func (s *State) SetTransfers(transfers []model.TransferJob) {
	s.mu.Lock()
	s.transfers = transfers
	listeners := append([]func([]model.TransferJob){}, s.onTransfers...)
	snapshot := append([]model.TransferJob{}, transfers...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(snapshot)
	}
}

// UpdateTransfer upserts one job into the transfer list by id.
func (s *State) UpdateTransfer(job model.TransferJob) {
	s.mu.Lock()
	replaced := false
	for i, existing := range s.transfers {
		if existing.ID == job.ID {
			s.transfers[i] = job
			replaced = true
			break
		}
	}
	if !replaced {
		s.transfers = append(s.transfers, job)
	}
	listeners := append([]func([]model.TransferJob){}, s.onTransfers...)
	snapshot := append([]model.TransferJob{}, s.transfers...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(snapshot)
	}
}

// SetRequests replaces the request list.
func (s *State) SetRequests(requests []model.FileRequest) {
	s.mu.Lock()
	s.requests = requests
	listeners := append([]func([]model.FileRequest){}, s.onRequests...)
	snapshot := append([]model.FileRequest{}, requests...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(snapshot)
	}
}

// -------------------------------------------------------------------------
// Accessors
// -------------------------------------------------------------------------

// Devices returns the current device list.
func (s *State) Devices() []model.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Device{}, s.devices...)
}

// Session returns the active session, or nil.
func (s *State) Session() *model.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

// PairingCode returns the published pairing code, or empty.
func (s *State) PairingCode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pairingCode
}

// Logs returns the accumulated log lines.
func (s *State) Logs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.logs...)
}

// Transfers returns the current transfer list.
func (s *State) Transfers() []model.TransferJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.TransferJob{}, s.transfers...)
}

// Requests returns the current request list.
func (s *State) Requests() []model.FileRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.FileRequest{}, s.requests...)
}
