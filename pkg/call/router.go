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
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/livekit/protocol/logger"

	"github.com/matchtalk/callkit/pkg/signal"
	"github.com/matchtalk/callkit/pkg/stats"
)

// recentInitiates bounds the duplicate-suppression cache. Initiate signals
// may be retransmitted by the push gateway well after the call ended.
const recentInitiates = 128

// RouteTarget handles claimed incoming-call signals for one call type.
type RouteTarget interface {
	// Claims reports whether this target handles the given call type.
	Claims(t signal.CallType) bool
	// HandleInitiate opens an incoming call for a signal this target claimed.
	HandleInitiate(msg signal.Message)
}

// Router delivers each incoming-call signal to exactly one target. Dispatch
// order is explicit: the audio target is consulted before the video target,
// which also claims untagged legacy signals. A signal is never processed
// twice; duplicates are dropped by call id.
type Router struct {
	log         logger.Logger
	mon         *stats.Monitor
	guard       *Guard
	localUserID string

	seen    *lru.Cache[string, time.Time]
	targets []RouteTarget
}

func NewRouter(log logger.Logger, mon *stats.Monitor, guard *Guard, localUserID string) *Router {
	if log == nil {
		log = logger.GetLogger()
	}
	seen, err := lru.New[string, time.Time](recentInitiates)
	if err != nil {
		panic(err) // only fails for non-positive size
	}
	return &Router{
		log:         log,
		mon:         mon,
		guard:       guard,
		localUserID: localUserID,
		seen:        seen,
	}
}

// AddTarget appends a target to the dispatch list. Order matters; add the
// audio target first.
func (r *Router) AddTarget(t RouteTarget) {
	r.targets = append(r.targets, t)
}

// Route dispatches one initiate signal. It is called from the signal
// channel's read goroutine, so deliveries are serialized.
func (r *Router) Route(msg signal.Message) {
	// Admission gate: once shutdown began, no new call is opened.
	if !r.mon.CanAccept() {
		r.drop(msg, "shutdown")
		return
	}
	if msg.Type != signal.KindInitiate {
		r.drop(msg, "not-initiate")
		return
	}
	if msg.ToUserID != r.localUserID {
		r.drop(msg, "wrong-target")
		return
	}
	if _, dup := r.seen.Get(msg.CallID); dup {
		r.drop(msg, "duplicate")
		return
	}

	t := msg.CallType.Normalize()
	var target RouteTarget
	for _, cand := range r.targets {
		if cand.Claims(t) {
			target = cand
			break
		}
	}
	if target == nil {
		r.drop(msg, "no-handler")
		return
	}

	if st := r.guard.Snapshot(); st.Active {
		switch {
		case st.CallID == msg.CallID:
			// Re-delivery of the signal for the call we already opened.
			r.drop(msg, "duplicate")
			return
		case st.Outgoing:
			r.drop(msg, "outgoing-active")
			return
		case st.Type != t:
			// A call of the other type is active; the conflict is rejected
			// here, before a controller is even created.
			r.drop(msg, "conflict")
			return
		}
		// Same type, different call: last-signal-wins. The target tears the
		// existing call down before opening the new one.
	}

	r.seen.Add(msg.CallID, time.Now())
	target.HandleInitiate(msg)
}

func (r *Router) drop(msg signal.Message, reason string) {
	r.log.Debugw("dropping incoming call signal",
		"reason", reason, "callID", msg.CallID, "callType", msg.CallType, "from", msg.FromUserID)
	r.mon.SignalDropped(reason)
}

// typeTarget routes claimed signals into the service for one call type.
type typeTarget struct {
	svc *Service
	typ signal.CallType
}

func (h *typeTarget) Claims(t signal.CallType) bool {
	if h.typ == signal.CallAudio {
		return t == signal.CallAudio
	}
	// The video target claims on normal propagation but explicitly rejects
	// audio-tagged signals.
	return t != signal.CallAudio
}

func (h *typeTarget) HandleInitiate(msg signal.Message) {
	h.svc.openIncoming(msg, h.typ)
}
