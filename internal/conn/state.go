// Package conn supervises the zone controller's cloud link. It owns the
// shared link-state record, the worker task that drives the uplink client,
// and the control-loop side: the backstop connectivity poll and the
// synchronized-gate that guards cloud-visible input mirrors.
package conn

import (
	"sync/atomic"
	"time"
)

// State is the shared link-state record. The link handlers are its only
// writers; the control loop only reads. Fields are individually atomic
// because the handlers run on the worker goroutine while the control loop
// reads from its own.
type State struct {
	offline      atomic.Bool
	connected    atomic.Bool
	synchronized atomic.Bool
	lastConnect  atomic.Int64 // UnixNano of the most recent successful connect
	attempts     atomic.Uint32
}

// NewState returns a record holding the offline-first boot defaults. The
// device starts offline regardless of what the transport is doing.
func NewState() *State {
	s := &State{}
	s.offline.Store(true)
	return s
}

// MarkConnected records a successful connection. Store order matters: a
// reader must never observe offline=false while connected=false, so
// connected is raised before offline is cleared.
func (s *State) MarkConnected(now time.Time) {
	s.synchronized.Store(false)
	s.connected.Store(true)
	s.offline.Store(false)
	s.lastConnect.Store(now.UnixNano())
	s.attempts.Store(0)
}

// MarkSynchronized records completion of the initial state reconciliation.
// A sync event without an active connection is a protocol violation by the
// transport; it is refused so synchronized can never be observed without
// connected.
func (s *State) MarkSynchronized() bool {
	if !s.connected.Load() {
		return false
	}
	s.synchronized.Store(true)
	return true
}

// MarkDisconnected resets the record to its offline values. offline is
// raised before connected is cleared, for the same reader-ordering reason
// as MarkConnected. Calling it on an already-offline record is a no-op.
func (s *State) MarkDisconnected() {
	s.synchronized.Store(false)
	s.offline.Store(true)
	s.connected.Store(false)
	s.attempts.Store(0)
}

// RecordAttempt counts one reconnection attempt and returns the new total.
func (s *State) RecordAttempt() uint32 {
	return s.attempts.Add(1)
}

// Offline reports whether no usable cloud link exists.
func (s *State) Offline() bool {
	return s.offline.Load()
}

// Connected reports whether the transport-level connection is established.
func (s *State) Connected() bool {
	return s.connected.Load()
}

// Synchronized reports whether the initial cloud state reconciliation has
// completed on the current connection.
func (s *State) Synchronized() bool {
	return s.synchronized.Load()
}

// ReadyToMirror reports whether cloud-visible variables may be written.
// The uplink library is unsafe to feed before synchronization completes.
func (s *State) ReadyToMirror() bool {
	return s.connected.Load() && s.synchronized.Load()
}

// LastConnectionTime returns the time of the most recent successful
// connect, or the zero time if the device has never connected.
func (s *State) LastConnectionTime() time.Time {
	nanos := s.lastConnect.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

// Attempts returns the reconnection attempt count since the last connect
// or disconnect.
func (s *State) Attempts() uint32 {
	return s.attempts.Load()
}
