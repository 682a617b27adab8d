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
	"sync/atomic"
	"time"

	"github.com/frostbyte73/core"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/livekit/protocol/logger"

	"github.com/matchtalk/callkit/pkg/config"
	"github.com/matchtalk/callkit/pkg/errors"
	"github.com/matchtalk/callkit/pkg/media"
	"github.com/matchtalk/callkit/pkg/records"
	"github.com/matchtalk/callkit/pkg/signal"
	"github.com/matchtalk/callkit/pkg/stats"
)

// teardownTimeout bounds the async half of cleanup: leaving the media
// transport, patching the record, and emitting the outward signal.
const teardownTimeout = 10 * time.Second

type Status string

const (
	StatusConnecting = Status("connecting")
	StatusRinging    = Status("ringing")
	StatusConnected  = Status("connected")
	StatusEnded      = Status("ended")
	StatusCancelled  = Status("cancelled")
	StatusDeclined   = Status("declined")
	StatusFailed     = Status("failed")
)

func (s Status) Terminal() bool {
	switch s {
	case StatusEnded, StatusCancelled, StatusDeclined, StatusFailed:
		return true
	}
	return false
}

type Direction bool

const (
	DirIncoming = Direction(false)
	DirOutgoing = Direction(true)
)

func (d Direction) String() string {
	if d == DirIncoming {
		return "incoming"
	}
	return "outgoing"
}

func (d Direction) callDir() stats.CallDir {
	if d == DirOutgoing {
		return stats.Outgoing
	}
	return stats.Incoming
}

// Events notify the call surface (the UI layer embedding this library).
// Callbacks run on session goroutines and must not block.
type Events struct {
	// OnCallOpened fires when a session is created, in StatusConnecting,
	// before any status transition. The surface mounts the call UI here.
	OnCallOpened func(s *Session)
	// OnStateChanged fires on every status transition.
	OnStateChanged func(s *Session, st Status)
	// OnElapsed fires once per second while the call is connected.
	OnElapsed func(s *Session, seconds int)
	// OnClosed fires exactly once, when cleanup finished (or the watchdog
	// forced it) and the surface should close.
	OnClosed func(s *Session)
	// OnFailure fires for user-facing errors. Expected aborts (cancel or
	// decline racing with a join) are suppressed and never reach it.
	OnFailure func(s *Session, err error)
}

type sessionParams struct {
	log          logger.Logger
	conf         *config.Config
	rec          *records.Client
	sig          signal.Channel
	guard        *Guard
	mon          *stats.CallMonitor
	events       Events
	newTransport media.Factory

	dir          Direction
	typ          signal.CallType
	matchID      string
	localUserID  string
	remoteUserID string
	callID       string // set for incoming calls, pending for outgoing
	settleUntil  time.Time
}

// Session is the call-session controller: one instance per active call, the
// sole owner of its state, timers, and cleanup.
type Session struct {
	log          logger.Logger
	conf         *config.Config
	rec          *records.Client
	sig          signal.Channel
	guard        *Guard
	mon          *stats.CallMonitor
	events       Events
	newTransport media.Factory

	dir          Direction
	typ          signal.CallType
	localUserID  string
	openedAt     time.Time
	settleUntil  time.Time
	span         trace.Span

	mu           sync.Mutex
	status       Status
	callID       string
	matchID      string
	remoteUserID string
	joinConf     *records.JoinConfig
	participants map[string]struct{}
	mt           media.Transport
	ringTimer    *time.Timer
	callDurDone  func() time.Duration
	ringDurDone  func() time.Duration

	elapsedSec    atomic.Int64
	joinAttempted atomic.Bool
	connected     atomic.Bool

	// closing is the cleanup-in-flight guard: once broken, no new join,
	// accept, or signal send may be issued. stopped breaks when cleanup
	// finished and the surface was told to close.
	closing core.Fuse
	stopped core.Fuse
}

func newSession(p sessionParams) *Session {
	log := p.log.WithValues("direction", p.dir.String(), "callType", string(p.typ), "matchID", p.matchID)
	_, span := Tracer.Start(context.Background(), "call.session",
		trace.WithAttributes(
			attribute.String("call.direction", p.dir.String()),
			attribute.String("call.type", string(p.typ)),
		))
	s := &Session{
		log:          log,
		conf:         p.conf,
		rec:          p.rec,
		sig:          p.sig,
		guard:        p.guard,
		mon:          p.mon,
		events:       p.events,
		newTransport: p.newTransport,
		dir:          p.dir,
		typ:          p.typ,
		localUserID:  p.localUserID,
		openedAt:     time.Now(),
		settleUntil:  p.settleUntil,
		span:         span,
		// Sessions are born connecting; Status never reports a value
		// outside the enum, even while the record fetch is in flight.
		status:       StatusConnecting,
		callID:       p.callID,
		matchID:      p.matchID,
		remoteUserID: p.remoteUserID,
		participants: make(map[string]struct{}),
	}
	if p.callID != "" {
		s.log = s.log.WithValues("callID", p.callID)
	}
	s.ringDurDone = p.mon.RingDur()
	return s
}

func (s *Session) CallID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callID
}

func (s *Session) MatchID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.matchID
}

func (s *Session) RemoteUserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteUserID
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) CallType() signal.CallType { return s.typ }

func (s *Session) Direction() Direction { return s.dir }

// Elapsed returns the connected wall-clock time in seconds. Zero until the
// call connects.
func (s *Session) Elapsed() int { return int(s.elapsedSec.Load()) }

// Participants lists remote parties currently joined to the media transport.
// Empty until the remote side actually joins, which is distinct from the
// accept signal having arrived.
func (s *Session) Participants() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.participants))
	for id := range s.participants {
		out = append(out, id)
	}
	return out
}

// Done fires when cleanup completed and the surface may be discarded.
func (s *Session) Done() <-chan struct{} { return s.stopped.Watch() }

func (s *Session) setStatus(st Status) {
	s.mu.Lock()
	// A terminal status is final; late transitions from slow setup paths
	// must not resurrect the session.
	if s.status == st || (s.status.Terminal() && !st.Terminal()) {
		s.mu.Unlock()
		return
	}
	s.status = st
	s.mu.Unlock()
	s.span.AddEvent(string(st))
	s.log.Debugw("call status changed", "status", st)
	if f := s.events.OnStateChanged; f != nil {
		f(s, st)
	}
}

// startOutgoing drives the caller side: create the record, announce the call,
// and join the media transport eagerly while waiting for the remote accept.
func (s *Session) startOutgoing(ctx context.Context, channel string) error {
	s.mon.CallStart()
	setupDone := s.mon.SetupDur()

	rec, jc, err := s.rec.Create(ctx, records.CreateRequest{
		MatchID:     s.matchID,
		InitiatorID: s.localUserID,
		ReceiverID:  s.remoteUserID,
		Channel:     channel,
		Status:      records.StatusPending,
		CallType:    s.typ,
	})
	if err != nil {
		s.log.Warnw("cannot create call record", err)
		s.failSetup(err)
		return err
	}
	setupDone()

	s.mu.Lock()
	s.callID = rec.ID
	s.joinConf = jc
	s.mu.Unlock()
	s.log = s.log.WithValues("callID", rec.ID)
	s.guard.setCallID(rec.ID)
	s.span.SetAttributes(attribute.String("call.id", rec.ID))

	roomName := channel
	if jc != nil && jc.Channel != "" {
		roomName = jc.Channel
	}
	if err := s.sendSignal(ctx, signal.KindInitiate, roomName); err != nil {
		s.log.Warnw("cannot send initiate signal", err)
		s.failSetup(err)
		return err
	}

	s.armRingTimer()

	// Join in parallel with waiting for the remote accept. The receiver's
	// join is deferred to Accept instead; eager acquisition there would
	// grab the camera before the user consented.
	go func() {
		if err := s.joinMedia(context.WithoutCancel(ctx)); err != nil {
			s.transportError(err)
		}
	}()
	return nil
}

// claimIncoming drives the receiver side after the router claimed the
// initiate signal. The media transport is deliberately not joined here.
func (s *Session) claimIncoming(ctx context.Context) error {
	s.mon.CallStart()
	setupDone := s.mon.SetupDur()

	rec, jc, err := s.rec.Get(ctx, s.CallID())
	if err != nil {
		s.log.Warnw("cannot fetch call record", err)
		s.failSetup(err)
		return err
	}
	setupDone()

	s.mu.Lock()
	s.joinConf = jc
	if s.matchID == "" {
		s.matchID = rec.MatchID
	}
	if s.remoteUserID == "" {
		s.remoteUserID = rec.InitiatorID
	}
	s.mu.Unlock()
	s.span.SetAttributes(attribute.String("call.id", rec.ID))

	// Ringing is reported only once the join config is in hand, so an
	// immediate accept cannot race an unfinished setup.
	s.setStatus(StatusRinging)
	s.armRingTimer()
	return nil
}

// Accept answers an incoming ringing call: join the media transport, notify
// the caller, and start the elapsed timer.
func (s *Session) Accept(ctx context.Context) error {
	if s.closing.IsBroken() {
		return errors.ErrSessionClosed
	}
	s.mu.Lock()
	// The join config arrives with the record fetch; until then the session
	// is connecting but not yet answerable.
	if s.dir != DirIncoming || s.joinConf == nil ||
		(s.status != StatusRinging && s.status != StatusConnecting) {
		s.mu.Unlock()
		return errors.ErrBadTransition
	}
	s.mu.Unlock()
	s.setStatus(StatusConnecting)

	if err := s.joinMedia(ctx); err != nil {
		s.transportError(err)
		return err
	}
	if s.closing.IsBroken() {
		return errors.ErrSessionClosed
	}
	if err := s.sendSignal(ctx, signal.KindAccept, ""); err != nil {
		s.log.Warnw("cannot send accept signal", err)
		s.closeWith(StatusFailed, "signal-failed", false)
		return err
	}
	s.markConnected()
	return nil
}

// Decline rejects an incoming call before it connects.
func (s *Session) Decline() error {
	s.mu.Lock()
	ok := s.dir == DirIncoming && (s.status == StatusRinging || s.status == StatusConnecting)
	s.mu.Unlock()
	if !ok {
		return errors.ErrBadTransition
	}
	s.closeWith(StatusDeclined, "declined", true)
	return nil
}

// Cancel withdraws an outgoing call before the remote side answered.
func (s *Session) Cancel() error {
	s.mu.Lock()
	ok := s.dir == DirOutgoing && s.status == StatusConnecting
	s.mu.Unlock()
	if !ok {
		return errors.ErrBadTransition
	}
	s.closeWith(StatusCancelled, "cancelled", true)
	return nil
}

// End hangs up a connected call.
func (s *Session) End() error {
	s.mu.Lock()
	ok := s.status == StatusConnected
	s.mu.Unlock()
	if !ok {
		return errors.ErrBadTransition
	}
	s.closeWith(StatusEnded, "ended", true)
	return nil
}

// HangUp performs whichever local terminal transition the current state
// allows: end when connected, decline for a ringing incoming call, cancel for
// an unanswered outgoing one.
func (s *Session) HangUp() {
	s.mu.Lock()
	st := s.status
	s.mu.Unlock()
	switch {
	case st.Terminal():
	case st == StatusConnected:
		_ = s.End()
	case s.dir == DirIncoming:
		_ = s.Decline()
	default:
		_ = s.Cancel()
	}
}

// CloseFromSurface is the unmount-driven teardown trigger. Inside the
// stabilization window after an incoming call is opened it is ignored, so a
// transient re-render cannot tear down a call that has not finished setting
// up.
func (s *Session) CloseFromSurface() {
	if s.dir == DirIncoming && !s.connected.Load() &&
		time.Since(s.openedAt) < s.conf.StabilizationWindow {
		s.log.Debugw("ignoring surface close inside stabilization window")
		return
	}
	s.HangUp()
}

// SetMuted toggles the local microphone on a connected call.
func (s *Session) SetMuted(muted bool) error {
	return s.toggle(func(mt media.Transport) error { return mt.ToggleAudio(!muted) })
}

// SetCameraEnabled toggles the local camera on a connected video call.
func (s *Session) SetCameraEnabled(enabled bool) error {
	if s.typ != signal.CallVideo {
		return errors.ErrBadTransition
	}
	return s.toggle(func(mt media.Transport) error { return mt.ToggleVideo(enabled) })
}

func (s *Session) toggle(f func(media.Transport) error) error {
	if s.closing.IsBroken() {
		return errors.ErrSessionClosed
	}
	s.mu.Lock()
	mt := s.mt
	connected := s.status == StatusConnected
	s.mu.Unlock()
	if !connected || mt == nil {
		return errors.ErrNotConnected
	}
	return f(mt)
}

// handleSignal processes a remote signal already matched to this session's
// call id. Duplicates are no-ops; transitions are commutative where safe.
func (s *Session) handleSignal(msg signal.Message) {
	switch msg.Type {
	case signal.KindAccept:
		if s.dir != DirOutgoing {
			return
		}
		s.remoteAccepted()
	case signal.KindDecline:
		s.closeWith(StatusDeclined, "remote-declined", false)
	case signal.KindCancel:
		s.closeWith(StatusCancelled, "remote-cancelled", false)
	case signal.KindEnd:
		s.closeWith(StatusEnded, "remote-ended", false)
	}
}

func (s *Session) remoteAccepted() {
	if s.closing.IsBroken() {
		return
	}
	s.mu.Lock()
	st := s.status
	s.mu.Unlock()
	if st != StatusConnecting {
		// Duplicate accept after connect, or a stray accept for a call
		// that never got past ringing. Either way a no-op.
		return
	}
	s.markConnected()
}

func (s *Session) markConnected() {
	if !s.connected.CompareAndSwap(false, true) {
		return
	}
	s.cancelRingTimer()
	s.mu.Lock()
	ringDone := s.ringDurDone
	s.ringDurDone = nil
	s.callDurDone = s.mon.CallDur()
	s.mu.Unlock()
	if ringDone != nil {
		ringDone()
	}
	s.setStatus(StatusConnected)
	s.log.Infow("call connected")
	go s.runElapsedTicker()
}

func (s *Session) runElapsedTicker() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.closing.Watch():
			return
		case <-ticker.C:
			n := int(s.elapsedSec.Add(1))
			if f := s.events.OnElapsed; f != nil {
				f(s, n)
			}
		}
	}
}

// joinMedia acquires the devices and joins the transport channel at most once
// per session. It re-checks the cleanup guard after every suspension point;
// cleanup triggered by a remote signal can interleave with an in-flight join,
// in which case the join result is discarded and the devices released.
func (s *Session) joinMedia(ctx context.Context) error {
	s.mu.Lock()
	jc := s.joinConf
	s.mu.Unlock()
	if jc == nil {
		return errors.ErrBadTransition
	}
	if !s.joinAttempted.CompareAndSwap(false, true) {
		return nil
	}

	// Settle delay after a prior call's teardown: the OS may not have
	// released the devices yet.
	if wait := time.Until(s.settleUntil); wait > 0 {
		s.log.Debugw("delaying media join for device settle", "wait", wait)
		select {
		case <-time.After(wait):
		case <-s.closing.Watch():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.closing.IsBroken() {
		return nil
	}

	mt := s.newTransport(s.log, media.Callbacks{
		OnParticipantJoined: s.participantJoined,
		OnParticipantLeft:   s.participantLeft,
		OnTrackSubscribed:   s.trackSubscribed,
		OnError:             s.transportError,
	})
	s.mu.Lock()
	s.mt = mt
	s.mu.Unlock()

	err := mt.Join(ctx, media.JoinRequest{
		WsURL:       s.conf.WsUrl,
		Token:       jc.Token,
		Channel:     jc.Channel,
		Identity:    s.localUserID,
		EnableAudio: true,
		EnableVideo: s.typ == signal.CallVideo,
	})
	if s.closing.IsBroken() {
		// Cleanup won the race. Discard the join result either way.
		mt.ForceStopAllMedia()
		_ = mt.Leave()
		return nil
	}
	if err != nil {
		return err
	}
	s.log.Debugw("media transport joined", "channel", jc.Channel)
	return nil
}

func (s *Session) participantJoined(p media.ParticipantInfo) {
	s.mu.Lock()
	s.participants[p.Identity] = struct{}{}
	s.mu.Unlock()
	s.log.Infow("remote participant joined", "participant", p.Identity)
}

func (s *Session) participantLeft(p media.ParticipantInfo) {
	s.mu.Lock()
	delete(s.participants, p.Identity)
	remaining := len(s.participants)
	s.mu.Unlock()
	s.log.Infow("remote participant left", "participant", p.Identity)
	if remaining == 0 && s.connected.Load() {
		// The peer dropped off the media plane; their end signal may have
		// been lost. Duplicate end delivery on their side is a no-op.
		s.closeWith(StatusEnded, "remote-left", true)
	}
}

func (s *Session) trackSubscribed(p media.ParticipantInfo, t media.TrackInfo) {
	s.log.Debugw("subscribed to remote track", "participant", p.Identity, "trackID", t.ID, "kind", t.Kind)
}

// transportError routes media failures to cleanup. Errors caused by a
// user-driven cancellation racing with join or leave are suppressed from the
// user; anything else surfaces a failure notice first.
func (s *Session) transportError(err error) {
	if err == nil {
		return
	}
	if s.closing.IsBroken() || media.IsExpectedAbort(err) {
		s.log.Debugw("suppressing media transport error during teardown", "error", err)
		s.closeWith(StatusFailed, "transport-abort", false)
		return
	}
	s.log.Errorw("media transport error", err)
	if f := s.events.OnFailure; f != nil {
		f(s, err)
	}
	s.closeWith(StatusFailed, "transport-error", false)
}

// failSetup aborts the session on record-service or signal-send failure
// before any media was joined.
func (s *Session) failSetup(err error) {
	if f := s.events.OnFailure; f != nil {
		f(s, err)
	}
	s.closeWith(StatusFailed, "setup-failed", false)
}

func (s *Session) armRingTimer() {
	if s.closing.IsBroken() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ringTimer != nil {
		return
	}
	s.ringTimer = time.AfterFunc(s.conf.RingTimeout, s.onRingTimeout)
}

func (s *Session) cancelRingTimer() {
	s.mu.Lock()
	t := s.ringTimer
	s.ringTimer = nil
	s.mu.Unlock()
	if t != nil {
		t.Stop()
	}
}

func (s *Session) onRingTimeout() {
	if s.closing.IsBroken() {
		return
	}
	s.mu.Lock()
	st := s.status
	s.mu.Unlock()
	if st != StatusConnecting && st != StatusRinging {
		return
	}
	if s.dir == DirIncoming {
		// Missed call: treated as a local decline.
		s.log.Infow("no answer within ring timeout, declining")
		s.closeWith(StatusDeclined, "no-answer", true)
	} else {
		s.log.Infow("remote did not answer within ring timeout, cancelling")
		s.closeWith(StatusCancelled, "no-answer", true)
	}
}

// closeWith runs the terminal transition exactly once:
//  1. devices are force-released synchronously, never waiting on the network;
//  2. timers are cancelled;
//  3. the async half leaves the transport, patches the record, and emits the
//     outward signal (skipped when the transition was caused by a remote
//     signal, to avoid echoing it back);
//  4. the guard is released and the surface notified, watched by a watchdog
//     that force-closes if cleanup hangs.
func (s *Session) closeWith(st Status, reason string, sendSignal bool) {
	s.closing.Once(func() {
		s.setStatus(st)
		s.log.Infow("closing call session", "status", st, "reason", reason)
		s.mon.CallTerminate(reason)

		s.mu.Lock()
		mt := s.mt
		ringDone := s.ringDurDone
		s.ringDurDone = nil
		s.mu.Unlock()
		if mt != nil {
			mt.ForceStopAllMedia()
		}
		if ringDone != nil {
			ringDone()
		}
		s.cancelRingTimer()

		go s.teardown(st, reason, sendSignal)
		go s.watchdog()
	})
}

func (s *Session) teardown(st Status, reason string, sendSignal bool) {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	s.mu.Lock()
	mt := s.mt
	s.mu.Unlock()
	if mt != nil {
		if err := mt.Leave(); err != nil && !media.IsExpectedAbort(err) {
			s.log.Warnw("media transport leave failed", err)
		}
	}

	if id := s.CallID(); id != "" {
		if rst, ok := recordStatus(st); ok {
			if err := s.rec.PatchStatus(ctx, id, rst); err != nil {
				s.log.Warnw("cannot patch call record", err, "status", rst)
			}
		}
	}

	if sendSignal {
		if kind, ok := signalKind(st); ok {
			if err := s.sendTeardownSignal(ctx, kind); err != nil {
				s.log.Warnw("cannot send teardown signal", err, "kind", kind)
			}
		}
	}

	s.finish()
}

// finish releases the guard and notifies the surface exactly once, whether
// reached from teardown or from the watchdog.
func (s *Session) finish() {
	s.stopped.Once(func() {
		s.mu.Lock()
		callDone := s.callDurDone
		s.callDurDone = nil
		s.mu.Unlock()
		if callDone != nil {
			callDone()
		}
		s.guard.SetInactive()
		s.mon.CallEnd()
		s.span.End()
		if f := s.events.OnClosed; f != nil {
			f(s)
		}
	})
}

func (s *Session) watchdog() {
	select {
	case <-s.stopped.Watch():
	case <-time.After(s.conf.CleanupWatchdog):
		s.log.Warnw("cleanup watchdog fired, forcing session closed", nil)
		s.finish()
	}
}

// sendSignal emits an outward signal while the session is live. Teardown
// signals go through sendTeardownSignal instead, which ignores the cleanup
// guard on purpose.
func (s *Session) sendSignal(ctx context.Context, kind signal.Kind, roomName string) error {
	if s.closing.IsBroken() {
		return errors.ErrSessionClosed
	}
	return s.send(ctx, kind, roomName)
}

func (s *Session) sendTeardownSignal(ctx context.Context, kind signal.Kind) error {
	return s.send(ctx, kind, "")
}

func (s *Session) send(ctx context.Context, kind signal.Kind, roomName string) error {
	s.mu.Lock()
	msg := signal.Message{
		Type:       kind,
		CallID:     s.callID,
		MatchID:    s.matchID,
		CallType:   s.typ,
		FromUserID: s.localUserID,
		ToUserID:   s.remoteUserID,
		RoomName:   roomName,
	}
	s.mu.Unlock()
	if err := s.sig.Send(ctx, msg); err != nil {
		return err
	}
	s.mon.SignalSent(string(kind))
	return nil
}

func recordStatus(st Status) (records.Status, bool) {
	switch st {
	case StatusEnded:
		return records.StatusCompleted, true
	case StatusCancelled:
		return records.StatusCancelled, true
	case StatusDeclined:
		return records.StatusDeclined, true
	case StatusFailed:
		// The record must not stay pending; cancelled is the closest
		// terminal status the service accepts.
		return records.StatusCancelled, true
	}
	return "", false
}

func signalKind(st Status) (signal.Kind, bool) {
	switch st {
	case StatusEnded:
		return signal.KindEnd, true
	case StatusCancelled:
		return signal.KindCancel, true
	case StatusDeclined:
		return signal.KindDecline, true
	}
	return "", false
}
