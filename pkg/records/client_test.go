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

package records

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/livekit/psrpc"

	ckerrors "github.com/matchtalk/callkit/pkg/errors"

	"github.com/matchtalk/callkit/pkg/signal"
)

func TestClientCreate(t *testing.T) {
	var gotAuth string
	var gotBody CreateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/agora-calls", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"call": CallRecord{
				ID:          "rec-1",
				MatchID:     "m1",
				InitiatorID: "alice",
				ReceiverID:  "bob",
				Channel:     "room-1",
				Status:      StatusPending,
				CallType:    signal.CallVideo,
			},
			"agoraConfig": JoinConfig{AppID: "app", Token: "tok", Channel: "room-1"},
		})
	}))
	defer srv.Close()

	c := NewClient(nil, srv.URL, "secret")
	rec, jc, err := c.Create(context.Background(), CreateRequest{
		MatchID:     "m1",
		InitiatorID: "alice",
		ReceiverID:  "bob",
		Channel:     "room-1",
		CallType:    signal.CallVideo,
	})
	require.NoError(t, err)
	require.Equal(t, "Bearer secret", gotAuth)
	require.Equal(t, StatusPending, gotBody.Status) // defaulted by the client
	require.Equal(t, "rec-1", rec.ID)
	require.NotNil(t, jc)
	require.Equal(t, "tok", jc.Token)
}

func TestClientCreateRequiresID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"call": CallRecord{}})
	}))
	defer srv.Close()

	c := NewClient(nil, srv.URL, "")
	_, _, err := c.Create(context.Background(), CreateRequest{MatchID: "m1"})
	require.Error(t, err)
}

func TestClientGetUnknownCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(http.NotFound))
	defer srv.Close()

	c := NewClient(nil, srv.URL, "")
	_, _, err := c.Get(context.Background(), "nope")
	require.ErrorIs(t, err, ckerrors.ErrUnknownCall)
}

func TestClientPatchStatus(t *testing.T) {
	var gotPath string
	var gotStatus Status
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPatch, r.Method)
		gotPath = r.URL.Path
		var req struct {
			Status Status `json:"status"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotStatus = req.Status
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(nil, srv.URL, "")
	require.NoError(t, c.PatchStatus(context.Background(), "rec-1", StatusCompleted))
	require.Equal(t, "/agora-calls/rec-1/status", gotPath)
	require.Equal(t, StatusCompleted, gotStatus)
}

func TestClientPatchRejectsNonTerminal(t *testing.T) {
	c := NewClient(nil, "http://record.invalid", "")
	require.Error(t, c.PatchStatus(context.Background(), "rec-1", StatusPending))
}

func TestClientServerErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(nil, srv.URL, "")
	_, _, err := c.Get(context.Background(), "rec-1")
	require.Error(t, err)
	var e psrpc.Error
	require.True(t, errors.As(err, &e))
	require.Equal(t, psrpc.Unavailable, e.Code())
}

func TestStatusTerminal(t *testing.T) {
	require.False(t, StatusPending.Terminal())
	require.True(t, StatusCompleted.Terminal())
	require.True(t, StatusCancelled.Terminal())
	require.True(t, StatusDeclined.Terminal())
}
