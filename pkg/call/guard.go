// Copyright 2025 MatchTalk, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// 	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package call

import (
	"sync"

	"github.com/matchtalk/callkit/pkg/signal"
)

// GuardState is a snapshot of the single-active-call invariant.
type GuardState struct {
	Active   bool
	Type     signal.CallType
	CallID   string
	Outgoing bool
}

// Guard enforces that at most one call session is active in the process.
// Without it, two overlapping signal deliveries (a stale retransmitted
// initiate, say) would spin up two controllers fighting over the same
// camera and microphone.
type Guard struct {
	mu sync.Mutex
	st GuardState
}

func NewGuard() *Guard {
	return &Guard{}
}

// CanAcceptIncoming reports whether an incoming call with the given id may be
// opened. Re-delivery of the signal for the currently active call is allowed;
// the caller is expected to treat it as a no-op. A pending claim (empty id)
// conflicts with everything.
func (g *Guard) CanAcceptIncoming(callID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.st.Active || (callID != "" && g.st.CallID == callID)
}

// SetActive marks a call active. Idempotent for the same call id.
func (g *Guard) SetActive(t signal.CallType, callID string, outgoing bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.st = GuardState{Active: true, Type: t, CallID: callID, Outgoing: outgoing}
}

// SetInactive clears the active call. Idempotent.
func (g *Guard) SetInactive() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.st = GuardState{}
}

func (g *Guard) Snapshot() GuardState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.st
}

// acquire atomically checks for a conflict and claims the guard. It returns
// false when any call is already active, except a re-claim for the same
// non-empty call id, which succeeds and is a no-op. An outgoing claim whose
// record id is still pending (empty callID) conflicts with everything,
// including another pending claim; two empty ids are two different calls.
func (g *Guard) acquire(t signal.CallType, callID string, outgoing bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.st.Active && (callID == "" || g.st.CallID != callID) {
		return false
	}
	g.st = GuardState{Active: true, Type: t, CallID: callID, Outgoing: outgoing}
	return true
}

// setCallID fills in the record-assigned id once an outgoing call's record
// exists. The guard is claimed before the first network round trip, when the
// id is still pending.
func (g *Guard) setCallID(callID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.st.Active {
		g.st.CallID = callID
	}
}
