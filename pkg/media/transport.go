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

// Package media defines the transport contract the call session consumes:
// join/leave a named channel, enable/disable local audio and video, and a
// synchronous force-stop that releases local devices even while an async
// leave is still in flight. The media plane itself (codecs, NAT traversal,
// track delivery) lives behind this interface.
package media

import (
	"context"
	"errors"
	"strings"

	"github.com/livekit/protocol/logger"
)

type ParticipantInfo struct {
	Identity string
	Name     string
}

type TrackInfo struct {
	ID   string
	Kind string // "audio" or "video"
}

// Callbacks are invoked from the transport's own goroutines. Handlers must
// not block and must tolerate delivery after the session started cleanup.
type Callbacks struct {
	OnParticipantJoined func(ParticipantInfo)
	OnParticipantLeft   func(ParticipantInfo)
	OnTrackSubscribed   func(ParticipantInfo, TrackInfo)
	OnError             func(error)
}

type JoinRequest struct {
	WsURL    string
	Token    string
	Channel  string
	Identity string

	// Which local devices to acquire and publish.
	EnableAudio bool
	EnableVideo bool
}

type Transport interface {
	// Join connects to the named channel and acquires the requested local
	// devices. At most one Join per Transport instance.
	Join(ctx context.Context, req JoinRequest) error
	// Leave disconnects from the channel. May block on the network.
	Leave() error
	ToggleAudio(enabled bool) error
	ToggleVideo(enabled bool) error
	// ForceStopAllMedia releases local devices synchronously, best-effort.
	// Must not wait on any network round trip.
	ForceStopAllMedia()
	// Closed fires once the transport is disconnected, locally or remotely.
	Closed() <-chan struct{}
}

// Factory builds a fresh Transport per call session.
type Factory func(log logger.Logger, cb Callbacks) Transport

// IsExpectedAbort reports whether a transport error was caused by a
// user-driven cancellation racing with join or leave. Such errors are
// suppressed from the user and routed silently to cleanup.
func IsExpectedAbort(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"cancel",
		"abort",
		"closed by user",
		"client initiated",
		"leave requested",
		"use of closed network connection",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
