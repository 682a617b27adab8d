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

// Package signal carries the call control plane: short intent messages
// (initiate, accept, decline, cancel, end) exchanged between the two peers of
// a call, independent of the media transport and of the call-record service.
//
// The channel gives no delivery guarantees. Messages may be lost, duplicated,
// or arrive out of order; the call state machine is designed to stay safe
// under all three, keyed by the call ID.
package signal

import (
	"context"
	"errors"
)

type Kind string

const (
	KindInitiate = Kind("initiate")
	KindAccept   = Kind("accept")
	KindDecline  = Kind("decline")
	KindCancel   = Kind("cancel")
	KindEnd      = Kind("end")
)

func (k Kind) Valid() bool {
	switch k {
	case KindInitiate, KindAccept, KindDecline, KindCancel, KindEnd:
		return true
	}
	return false
}

type CallType string

const (
	CallAudio = CallType("audio")
	CallVideo = CallType("video")
)

// Normalize maps the legacy untagged wire value to video, the
// backward-compatible default.
func (t CallType) Normalize() CallType {
	if t == CallAudio {
		return CallAudio
	}
	return CallVideo
}

// Message is the shape shared by all five signal kinds. Initiate additionally
// carries the media room name.
type Message struct {
	Type       Kind     `json:"type"`
	CallID     string   `json:"callId"`
	MatchID    string   `json:"matchId"`
	CallType   CallType `json:"callType,omitempty"`
	FromUserID string   `json:"fromUserId"`
	ToUserID   string   `json:"toUserId"`
	RoomName   string   `json:"roomName,omitempty"`
}

func (m Message) Validate() error {
	if !m.Type.Valid() {
		return errors.New("unknown signal type")
	}
	if m.FromUserID == "" || m.ToUserID == "" {
		return errors.New("signal missing sender or target user")
	}
	if m.Type != KindInitiate && m.CallID == "" {
		return errors.New("signal missing call id")
	}
	return nil
}

type Handler func(msg Message)

// Channel is a bidirectional signal transport. Send is best-effort;
// at-most-once delivery with no ordering guarantee beyond what the underlying
// connection happens to provide.
type Channel interface {
	Send(ctx context.Context, msg Message) error
	SetHandler(h Handler)
	Close() error
}
