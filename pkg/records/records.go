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

// Package records talks to the call-record service: the durably persisted
// representation of a call's lifecycle, independent of the live media
// connection. Paths and payload shapes are fixed by the existing backend.
package records

import (
	"github.com/matchtalk/callkit/pkg/signal"
)

type Status string

const (
	StatusPending   = Status("pending")
	StatusCompleted = Status("completed")
	StatusCancelled = Status("cancelled")
	StatusDeclined  = Status("declined")
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusDeclined:
		return true
	}
	return false
}

type CallRecord struct {
	ID          string          `json:"id"`
	MatchID     string          `json:"matchId"`
	InitiatorID string          `json:"initiatorId"`
	ReceiverID  string          `json:"receiverId"`
	Channel     string          `json:"channel"`
	Status      Status          `json:"status"`
	CallType    signal.CallType `json:"callType,omitempty"`
}

// JoinConfig is the media-transport join configuration returned alongside the
// record. Token may be absent when the media service signs tokens on join.
type JoinConfig struct {
	AppID   string `json:"appId"`
	Token   string `json:"token,omitempty"`
	Channel string `json:"channel"`
}

type CreateRequest struct {
	MatchID     string          `json:"matchId"`
	InitiatorID string          `json:"initiatorId"`
	ReceiverID  string          `json:"receiverId"`
	Channel     string          `json:"channel"`
	Status      Status          `json:"status"`
	CallType    signal.CallType `json:"callType"`
}

type callEnvelope struct {
	Call       CallRecord  `json:"call"`
	JoinConfig *JoinConfig `json:"agoraConfig"`
}

type patchStatusRequest struct {
	Status Status `json:"status"`
}
