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
	"context"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/google/uuid"

	"github.com/livekit/protocol/logger"

	"github.com/matchtalk/callkit/pkg/config"
	"github.com/matchtalk/callkit/pkg/errors"
	"github.com/matchtalk/callkit/pkg/media"
	"github.com/matchtalk/callkit/pkg/records"
	"github.com/matchtalk/callkit/pkg/signal"
	"github.com/matchtalk/callkit/pkg/stats"
)

// setupTimeout bounds the record-service round trips made while opening a
// call (create for outgoing, fetch for incoming).
const setupTimeout = 15 * time.Second

// Service owns the per-user call plumbing: the signal channel subscription,
// the router for incoming calls, the single-active-call guard, and the
// currently active session.
type Service struct {
	log          logger.Logger
	conf         *config.Config
	rec          *records.Client
	sig          signal.Channel
	guard        *Guard
	mon          *stats.Monitor
	router       *Router
	events       Events
	newTransport media.Factory

	mu           sync.Mutex
	active       *Session
	lastTeardown time.Time

	closed core.Fuse
}

func NewService(conf *config.Config, sig signal.Channel, mon *stats.Monitor, events Events, f media.Factory) *Service {
	log := logger.GetLogger().WithValues("userID", conf.UserID)
	s := &Service{
		log:          log,
		conf:         conf,
		rec:          records.NewClient(log, conf.RecordServiceURL, conf.RecordServiceToken),
		sig:          sig,
		guard:        NewGuard(),
		mon:          mon,
		newTransport: f,
	}
	if s.newTransport == nil {
		s.newTransport = media.NewRoom
	}
	s.events = s.wrapEvents(events)
	s.router = NewRouter(log, mon, s.guard, conf.UserID)
	// Audio first: an audio-tagged signal must never reach the video target.
	s.router.AddTarget(&typeTarget{svc: s, typ: signal.CallAudio})
	s.router.AddTarget(&typeTarget{svc: s, typ: signal.CallVideo})
	return s
}

// wrapEvents interposes the service's own bookkeeping on session close: clear
// the active slot and remember the teardown time, which feeds the settle
// delay of the next join.
func (s *Service) wrapEvents(ev Events) Events {
	userClosed := ev.OnClosed
	ev.OnClosed = func(sess *Session) {
		s.mu.Lock()
		if s.active == sess {
			s.active = nil
		}
		s.lastTeardown = time.Now()
		s.mu.Unlock()
		if userClosed != nil {
			userClosed(sess)
		}
	}
	return ev
}

// Start subscribes to the signal channel. The channel must already be
// connected.
func (s *Service) Start() error {
	if s.closed.IsBroken() {
		return errors.ErrSessionClosed
	}
	s.sig.SetHandler(s.onSignal)
	s.log.Infow("call service started")
	return nil
}

// Stop hangs up the active call, waits for its cleanup, and closes the
// signal channel.
func (s *Service) Stop() {
	s.closed.Once(func() {
		if sess := s.ActiveCall(); sess != nil {
			sess.HangUp()
			select {
			case <-sess.Done():
			case <-time.After(s.conf.CleanupWatchdog + time.Second):
				s.log.Warnw("active call did not close in time during shutdown", nil)
			}
		}
		if err := s.sig.Close(); err != nil {
			s.log.Warnw("cannot close signal channel", err)
		}
		s.log.Infow("call service stopped")
	})
}

// ActiveCall returns the currently active session, or nil.
func (s *Service) ActiveCall() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// onSignal runs on the signal channel's read goroutine. Initiate signals go
// through the router; everything else is matched to the active session by
// call id.
func (s *Service) onSignal(msg signal.Message) {
	s.mon.SignalReceived(string(msg.Type))
	if msg.Type == signal.KindInitiate {
		s.router.Route(msg)
		return
	}
	sess := s.ActiveCall()
	if sess == nil || sess.CallID() != msg.CallID {
		s.log.Debugw("dropping signal for unknown call", "type", msg.Type, "callID", msg.CallID)
		s.mon.SignalDropped("unknown-call")
		return
	}
	sess.handleSignal(msg)
}

// StartCall opens an outgoing call to the given match. It fails with
// ErrCallConflict if another call is active; callers are expected to hang
// that one up first.
func (s *Service) StartCall(ctx context.Context, matchID, remoteUserID string, typ signal.CallType) (*Session, error) {
	if s.closed.IsBroken() {
		return nil, errors.ErrSessionClosed
	}
	if !s.mon.CanAccept() {
		return nil, errors.ErrShuttingDown
	}
	typ = typ.Normalize()
	// The guard is claimed before the record exists; the id is filled in
	// once the record service assigns one.
	if !s.guard.acquire(typ, "", true) {
		return nil, errors.ErrCallConflict
	}
	sess := s.newSession(DirOutgoing, typ, signal.Message{
		MatchID:    matchID,
		FromUserID: remoteUserID,
	})
	if err := sess.startOutgoing(ctx, "call-"+uuid.NewString()); err != nil {
		return nil, err
	}
	return sess, nil
}

// openIncoming is called by the router once a target claimed the signal. If a
// same-type call is still active, it is torn down first and the new one opens
// after its cleanup finished.
func (s *Service) openIncoming(msg signal.Message, typ signal.CallType) {
	if s.closed.IsBroken() {
		return
	}
	old := s.ActiveCall()
	if old == nil {
		s.open(msg, typ)
		return
	}
	if old.CallID() == msg.CallID {
		return
	}
	s.log.Infow("replacing active call with newer incoming signal",
		"oldCallID", old.CallID(), "callID", msg.CallID)
	old.HangUp()
	// Off the signal read goroutine: cleanup can take up to the watchdog
	// interval and other signals must keep flowing meanwhile.
	go func() {
		select {
		case <-old.Done():
		case <-time.After(s.conf.CleanupWatchdog + time.Second):
		case <-s.closed.Watch():
			return
		}
		s.open(msg, typ)
	}()
}

func (s *Service) open(msg signal.Message, typ signal.CallType) {
	if s.closed.IsBroken() {
		return
	}
	if !s.guard.acquire(typ, msg.CallID, false) {
		s.log.Infow("rejecting incoming call, another is active", "callID", msg.CallID)
		s.mon.SignalDropped("conflict")
		return
	}
	sess := s.newSession(DirIncoming, typ, msg)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), setupTimeout)
		defer cancel()
		_ = sess.claimIncoming(ctx)
	}()
}

func (s *Service) newSession(dir Direction, typ signal.CallType, msg signal.Message) *Session {
	s.mu.Lock()
	settleUntil := s.lastTeardown.Add(s.conf.SettleDelay)
	s.mu.Unlock()
	sess := newSession(sessionParams{
		log:          s.log,
		conf:         s.conf,
		rec:          s.rec,
		sig:          s.sig,
		guard:        s.guard,
		mon:          s.mon.NewCall(dir.callDir(), string(typ)),
		events:       s.events,
		newTransport: s.newTransport,
		dir:          dir,
		typ:          typ,
		matchID:      msg.MatchID,
		localUserID:  s.conf.UserID,
		remoteUserID: msg.FromUserID,
		callID:       msg.CallID,
		settleUntil:  settleUntil,
	})
	s.mu.Lock()
	s.active = sess
	s.mu.Unlock()
	if f := s.events.OnCallOpened; f != nil {
		f(sess)
	}
	return sess
}
