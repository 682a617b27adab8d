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

package errors

import (
	"github.com/livekit/psrpc"
)

var (
	ErrNoConfig      = psrpc.NewErrorf(psrpc.InvalidArgument, "missing config")
	ErrCallConflict  = psrpc.NewErrorf(psrpc.FailedPrecondition, "another call is already active")
	ErrUnknownCall   = psrpc.NewErrorf(psrpc.NotFound, "unknown call")
	ErrSessionClosed = psrpc.NewErrorf(psrpc.FailedPrecondition, "call session is closed")
	ErrNotConnected  = psrpc.NewErrorf(psrpc.FailedPrecondition, "call is not connected")
	ErrBadTransition = psrpc.NewErrorf(psrpc.FailedPrecondition, "transition not allowed in this state")
	ErrShuttingDown  = psrpc.NewErrorf(psrpc.Unavailable, "service is shutting down")

	ErrSignalNotConnected = psrpc.NewErrorf(psrpc.FailedPrecondition, "signal channel is not connected")
)

func ErrCouldNotParseConfig(err error) psrpc.Error {
	return psrpc.NewErrorf(psrpc.InvalidArgument, "could not parse config: %v", err)
}

// ErrRecordService wraps record-service failures. Setup errors of this kind
// abort the session before any media is joined.
func ErrRecordService(err error) psrpc.Error {
	return psrpc.NewError(psrpc.Unavailable, err)
}

func ErrSignalSend(err error) psrpc.Error {
	return psrpc.NewError(psrpc.Unavailable, err)
}
