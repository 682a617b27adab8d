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

package media

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/frostbyte73/core"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"

	"github.com/livekit/protocol/livekit"
	"github.com/livekit/protocol/logger"
	lksdk "github.com/livekit/server-sdk-go/v2"
)

// Room is the LiveKit-backed Transport. One instance serves one call session.
type Room struct {
	log logger.Logger
	cb  Callbacks

	joinAttempted atomic.Bool
	ready         core.Fuse
	stopped       core.Fuse // disconnected from the media server
	closed        core.Fuse // Leave was requested locally

	mu       sync.Mutex
	room     *lksdk.Room
	audioPub *lksdk.LocalTrackPublication
	videoPub *lksdk.LocalTrackPublication

	devicesStopped atomic.Bool
}

func NewRoom(log logger.Logger, cb Callbacks) Transport {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Room{log: log, cb: cb}
}

func (r *Room) Join(ctx context.Context, req JoinRequest) error {
	if !r.joinAttempted.CompareAndSwap(false, true) {
		return errors.New("join already attempted on this transport")
	}
	if req.WsURL == "" || req.Token == "" {
		return errors.New("media transport join config is incomplete")
	}
	roomCallback := &lksdk.RoomCallback{
		OnParticipantConnected: func(rp *lksdk.RemoteParticipant) {
			r.log.Debugw("participant joined", "participant", rp.Identity())
			if f := r.cb.OnParticipantJoined; f != nil {
				f(ParticipantInfo{Identity: rp.Identity(), Name: rp.Name()})
			}
		},
		OnParticipantDisconnected: func(rp *lksdk.RemoteParticipant) {
			r.log.Debugw("participant left", "participant", rp.Identity())
			if f := r.cb.OnParticipantLeft; f != nil {
				f(ParticipantInfo{Identity: rp.Identity(), Name: rp.Name()})
			}
		},
		ParticipantCallback: lksdk.ParticipantCallback{
			OnTrackSubscribed: func(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				r.log.Debugw("track subscribed", "participant", rp.Identity(), "trackID", track.ID(), "kind", pub.Kind())
				if f := r.cb.OnTrackSubscribed; f != nil {
					f(ParticipantInfo{Identity: rp.Identity(), Name: rp.Name()},
						TrackInfo{ID: track.ID(), Kind: string(pub.Kind())})
				}
			},
		},
		OnDisconnected: func() {
			r.stopped.Break()
			if f := r.cb.OnError; f != nil && !r.closed.IsBroken() {
				f(errors.New("media transport disconnected"))
			}
		},
	}

	room := lksdk.NewRoom(roomCallback)
	if err := room.JoinWithToken(req.WsURL, req.Token, lksdk.WithAutoSubscribe(true)); err != nil {
		r.stopped.Break()
		return err
	}

	r.mu.Lock()
	r.room = room
	r.mu.Unlock()

	if err := r.publishLocalTracks(req); err != nil {
		r.log.Warnw("cannot publish local tracks", err)
		_ = r.Leave()
		return err
	}

	r.log = r.log.WithValues("room", room.Name())
	r.log.Infow("joined media transport", "identity", req.Identity)
	r.ready.Break()
	return nil
}

func (r *Room) publishLocalTracks(req JoinRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	lp := r.room.LocalParticipant
	if req.EnableAudio {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "microphone")
		if err != nil {
			return err
		}
		pub, err := lp.PublishTrack(track, &lksdk.TrackPublicationOptions{Name: "microphone"})
		if err != nil {
			return err
		}
		r.audioPub = pub
	}
	if req.EnableVideo {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "camera")
		if err != nil {
			return err
		}
		pub, err := lp.PublishTrack(track, &lksdk.TrackPublicationOptions{Name: "camera"})
		if err != nil {
			return err
		}
		r.videoPub = pub
	}
	return nil
}

func (r *Room) ToggleAudio(enabled bool) error {
	return r.setMuted(r.pub(&r.audioPub), !enabled)
}

func (r *Room) ToggleVideo(enabled bool) error {
	return r.setMuted(r.pub(&r.videoPub), !enabled)
}

func (r *Room) pub(p **lksdk.LocalTrackPublication) *lksdk.LocalTrackPublication {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *p
}

func (r *Room) setMuted(pub *lksdk.LocalTrackPublication, muted bool) error {
	if pub == nil {
		return errors.New("no such local track")
	}
	if r.devicesStopped.Load() && !muted {
		return errors.New("local devices are stopped")
	}
	pub.SetMuted(muted)
	return nil
}

// ForceStopAllMedia mutes and detaches the local tracks without touching the
// network. Safe to call while Leave is still in flight.
func (r *Room) ForceStopAllMedia() {
	if !r.devicesStopped.CompareAndSwap(false, true) {
		return
	}
	r.mu.Lock()
	audio, video := r.audioPub, r.videoPub
	r.mu.Unlock()
	for _, pub := range []*lksdk.LocalTrackPublication{audio, video} {
		if pub != nil {
			pub.SetMuted(true)
		}
	}
	r.log.Debugw("local media force-stopped")
}

func (r *Room) Leave() error {
	r.closed.Once(func() {
		r.mu.Lock()
		room := r.room
		r.room = nil
		r.mu.Unlock()
		if room != nil {
			room.DisconnectWithReason(livekit.DisconnectReason_CLIENT_INITIATED)
		}
		r.stopped.Break()
	})
	return nil
}

func (r *Room) Closed() <-chan struct{} {
	if r == nil {
		return nil
	}
	return r.stopped.Watch()
}
