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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/frostbyte73/core"
	"github.com/stretchr/testify/require"

	"github.com/livekit/protocol/logger"

	"github.com/matchtalk/callkit/pkg/config"
	"github.com/matchtalk/callkit/pkg/media"
	"github.com/matchtalk/callkit/pkg/records"
	"github.com/matchtalk/callkit/pkg/signal"
	"github.com/matchtalk/callkit/pkg/stats"
)

const (
	waitTimeout = 3 * time.Second

	localUser  = "alice"
	remoteUser = "bob"
	testMatch  = "match-1"
)

func waitFor(t testing.TB, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Fail(t, msg)
}

// fakeTransport implements media.Transport with everything observable.
type fakeTransport struct {
	cb media.Callbacks

	mu         sync.Mutex
	joinCalls  int
	joinReq    media.JoinRequest
	joinErr    error
	joinDelay  time.Duration
	leaveCalls int
	forceStops int
	leaveBlock chan struct{} // if set, Leave blocks until closed
	audio      bool
	video      bool

	closed core.Fuse
}

func (f *fakeTransport) Join(ctx context.Context, req media.JoinRequest) error {
	f.mu.Lock()
	f.joinCalls++
	f.joinReq = req
	delay := f.joinDelay
	err := f.joinErr
	f.audio = req.EnableAudio
	f.video = req.EnableVideo
	f.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *fakeTransport) Leave() error {
	f.mu.Lock()
	f.leaveCalls++
	block := f.leaveBlock
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	f.closed.Break()
	return nil
}

func (f *fakeTransport) ToggleAudio(enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio = enabled
	return nil
}

func (f *fakeTransport) ToggleVideo(enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.video = enabled
	return nil
}

func (f *fakeTransport) ForceStopAllMedia() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forceStops++
	f.audio = false
	f.video = false
}

func (f *fakeTransport) Closed() <-chan struct{} { return f.closed.Watch() }

func (f *fakeTransport) JoinCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.joinCalls
}

func (f *fakeTransport) ForceStopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.forceStops
}

func (f *fakeTransport) LeaveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.leaveCalls
}

// testSignal is an in-memory signal.Channel that records sends and lets the
// test inject remote messages.
type testSignal struct {
	mu      sync.Mutex
	sent    []signal.Message
	sendErr error
	handler signal.Handler
}

func (c *testSignal) Send(ctx context.Context, msg signal.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *testSignal) SetHandler(h signal.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

func (c *testSignal) Close() error { return nil }

// Deliver injects a remote message, as if it arrived on the wire.
func (c *testSignal) Deliver(msg signal.Message) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h(msg)
	}
}

func (c *testSignal) Sent() []signal.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]signal.Message, len(c.sent))
	copy(out, c.sent)
	return out
}

func (c *testSignal) SentOfKind(kind signal.Kind) []signal.Message {
	var out []signal.Message
	for _, m := range c.Sent() {
		if m.Type == kind {
			out = append(out, m)
		}
	}
	return out
}

func (c *testSignal) WaitSent(t testing.TB, kind signal.Kind) signal.Message {
	t.Helper()
	waitFor(t, func() bool { return len(c.SentOfKind(kind)) > 0 }, "expected "+string(kind)+" signal to be sent")
	return c.SentOfKind(kind)[0]
}

// recordServer fakes the call-record REST backend.
type recordServer struct {
	srv *httptest.Server

	mu      sync.Mutex
	nextID  int
	recs    map[string]records.CallRecord
	patches map[string][]records.Status
	failAll bool
	held    chan struct{} // if set, requests wait until it is closed
}

func newRecordServer(t testing.TB) *recordServer {
	rs := &recordServer{
		recs:    make(map[string]records.CallRecord),
		patches: make(map[string][]records.Status),
	}
	rs.srv = httptest.NewServer(http.HandlerFunc(rs.handle))
	t.Cleanup(rs.srv.Close)
	return rs
}

func (rs *recordServer) handle(w http.ResponseWriter, r *http.Request) {
	rs.mu.Lock()
	held := rs.held
	rs.mu.Unlock()
	if held != nil {
		<-held
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.failAll {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/agora-calls":
		var req records.CreateRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		rs.nextID++
		rec := records.CallRecord{
			ID:          "rec-" + strconv.Itoa(rs.nextID),
			MatchID:     req.MatchID,
			InitiatorID: req.InitiatorID,
			ReceiverID:  req.ReceiverID,
			Channel:     req.Channel,
			Status:      req.Status,
			CallType:    req.CallType,
		}
		rs.recs[rec.ID] = rec
		rs.writeEnvelope(w, rec)
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/agora-calls/"):
		id := strings.TrimPrefix(r.URL.Path, "/agora-calls/")
		rec, ok := rs.recs[id]
		if !ok {
			http.NotFound(w, r)
			return
		}
		rs.writeEnvelope(w, rec)
	case r.Method == http.MethodPatch && strings.HasSuffix(r.URL.Path, "/status"):
		id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/agora-calls/"), "/status")
		rec, ok := rs.recs[id]
		if !ok {
			http.NotFound(w, r)
			return
		}
		var req struct {
			Status records.Status `json:"status"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		rec.Status = req.Status
		rs.recs[id] = rec
		rs.patches[id] = append(rs.patches[id], req.Status)
		w.WriteHeader(http.StatusNoContent)
	default:
		http.NotFound(w, r)
	}
}

func (rs *recordServer) writeEnvelope(w http.ResponseWriter, rec records.CallRecord) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"call": rec,
		"agoraConfig": records.JoinConfig{
			AppID:   "test-app",
			Token:   "tok-" + rec.ID,
			Channel: rec.Channel,
		},
	})
}

// Hold stalls every request until the returned channel is closed, keeping a
// round trip in flight for as long as the test needs.
func (rs *recordServer) Hold() chan struct{} {
	ch := make(chan struct{})
	rs.mu.Lock()
	rs.held = ch
	rs.mu.Unlock()
	return ch
}

// Seed registers a record as if the remote caller already created it.
func (rs *recordServer) Seed(rec records.CallRecord) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.recs[rec.ID] = rec
}

func (rs *recordServer) Patches(id string) []records.Status {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	out := make([]records.Status, len(rs.patches[id]))
	copy(out, rs.patches[id])
	return out
}

func (rs *recordServer) WaitPatched(t testing.TB, id string, st records.Status) {
	t.Helper()
	waitFor(t, func() bool {
		for _, p := range rs.Patches(id) {
			if p == st {
				return true
			}
		}
		return false
	}, "expected record "+id+" patched to "+string(st))
}

type testEnv struct {
	t    *testing.T
	conf *config.Config
	rs   *recordServer
	sig  *testSignal
	svc  *Service
	mon  *stats.Monitor

	mu         sync.Mutex
	transports []*fakeTransport
	nextJoin   func(*fakeTransport) // applied to each new transport
	states     []Status
	closed     int
	failures   []error
}

func newTestEnv(t *testing.T) *testEnv {
	rs := newRecordServer(t)
	env := &testEnv{
		t:   t,
		rs:  rs,
		sig: &testSignal{},
		conf: &config.Config{
			RecordServiceURL:    rs.srv.URL,
			SignalURL:           "ws://signal.invalid",
			WsUrl:               "ws://media.invalid",
			UserID:              localUser,
			RingTimeout:         250 * time.Millisecond,
			SettleDelay:         20 * time.Millisecond,
			StabilizationWindow: 150 * time.Millisecond,
			CleanupWatchdog:     400 * time.Millisecond,
			ServiceName:         "callkit-test",
		},
	}
	env.mon = stats.NewMonitor("TEST")
	require.NoError(t, env.mon.Start())
	t.Cleanup(env.mon.Stop)
	env.svc = NewService(env.conf, env.sig, env.mon, Events{
		OnStateChanged: func(s *Session, st Status) {
			env.mu.Lock()
			env.states = append(env.states, st)
			env.mu.Unlock()
		},
		OnClosed: func(s *Session) {
			env.mu.Lock()
			env.closed++
			env.mu.Unlock()
		},
		OnFailure: func(s *Session, err error) {
			env.mu.Lock()
			env.failures = append(env.failures, err)
			env.mu.Unlock()
		},
	}, env.newTransport)
	require.NoError(t, env.svc.Start())
	t.Cleanup(env.svc.Stop)
	return env
}

func (env *testEnv) newTransport(log logger.Logger, cb media.Callbacks) media.Transport {
	f := &fakeTransport{cb: cb}
	env.mu.Lock()
	if env.nextJoin != nil {
		env.nextJoin(f)
	}
	env.transports = append(env.transports, f)
	env.mu.Unlock()
	return f
}

func (env *testEnv) Transport() *fakeTransport {
	env.t.Helper()
	var f *fakeTransport
	waitFor(env.t, func() bool {
		env.mu.Lock()
		defer env.mu.Unlock()
		if len(env.transports) == 0 {
			return false
		}
		f = env.transports[len(env.transports)-1]
		return true
	}, "expected a media transport to be created")
	return f
}

func (env *testEnv) TransportCount() int {
	env.mu.Lock()
	defer env.mu.Unlock()
	return len(env.transports)
}

func (env *testEnv) ClosedCount() int {
	env.mu.Lock()
	defer env.mu.Unlock()
	return env.closed
}

func (env *testEnv) Failures() []error {
	env.mu.Lock()
	defer env.mu.Unlock()
	out := make([]error, len(env.failures))
	copy(out, env.failures)
	return out
}

func (env *testEnv) States() []Status {
	env.mu.Lock()
	defer env.mu.Unlock()
	out := make([]Status, len(env.states))
	copy(out, env.states)
	return out
}

// initiateMsg builds a remote initiate for an incoming call whose record is
// seeded on the record server.
func (env *testEnv) initiateMsg(callID string, typ signal.CallType) signal.Message {
	env.rs.Seed(records.CallRecord{
		ID:          callID,
		MatchID:     testMatch,
		InitiatorID: remoteUser,
		ReceiverID:  localUser,
		Channel:     "room-" + callID,
		Status:      records.StatusPending,
		CallType:    typ,
	})
	return signal.Message{
		Type:       signal.KindInitiate,
		CallID:     callID,
		MatchID:    testMatch,
		CallType:   typ,
		FromUserID: remoteUser,
		ToUserID:   localUser,
		RoomName:   "room-" + callID,
	}
}

func (env *testEnv) remote(kind signal.Kind, callID string) signal.Message {
	return signal.Message{
		Type:       kind,
		CallID:     callID,
		MatchID:    testMatch,
		FromUserID: remoteUser,
		ToUserID:   localUser,
	}
}
