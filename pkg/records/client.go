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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/livekit/protocol/logger"

	ckerrors "github.com/matchtalk/callkit/pkg/errors"
)

const defaultRequestTimeout = 10 * time.Second

type Client struct {
	log     logger.Logger
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(log logger.Logger, baseURL, token string) *Client {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Client{
		log:     log,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: defaultRequestTimeout},
	}
}

// Create persists a new pending call record and returns it together with the
// media-transport join configuration.
func (c *Client) Create(ctx context.Context, req CreateRequest) (*CallRecord, *JoinConfig, error) {
	if req.Status == "" {
		req.Status = StatusPending
	}
	var env callEnvelope
	if err := c.do(ctx, http.MethodPost, "/agora-calls", req, &env); err != nil {
		return nil, nil, err
	}
	if env.Call.ID == "" {
		return nil, nil, ckerrors.ErrRecordService(errors.New("record service returned no call id"))
	}
	return &env.Call, env.JoinConfig, nil
}

// Get fetches an existing record by id, typically for an incoming call whose
// record the caller already created.
func (c *Client) Get(ctx context.Context, id string) (*CallRecord, *JoinConfig, error) {
	var env callEnvelope
	if err := c.do(ctx, http.MethodGet, "/agora-calls/"+id, nil, &env); err != nil {
		return nil, nil, err
	}
	return &env.Call, env.JoinConfig, nil
}

// PatchStatus moves the record to a terminal status. The backend treats
// repeated patches to the same terminal status as a no-op.
func (c *Client) PatchStatus(ctx context.Context, id string, st Status) error {
	if !st.Terminal() {
		return errors.Errorf("cannot patch record to non-terminal status %q", st)
	}
	return c.do(ctx, http.MethodPatch, "/agora-calls/"+id+"/status", patchStatusRequest{Status: st}, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return ckerrors.ErrRecordService(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return ckerrors.ErrUnknownCall
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return ckerrors.ErrRecordService(fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data))))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return ckerrors.ErrRecordService(errors.Wrap(err, "decoding record service response"))
		}
	}
	return nil
}
