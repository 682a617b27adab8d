// Copyright 2025 MatchTalk, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/livekit/protocol/logger"
	"github.com/livekit/protocol/utils"
	lksdk "github.com/livekit/server-sdk-go/v2"

	"github.com/matchtalk/callkit/pkg/errors"
)

const (
	// DefaultRingTimeout bounds how long an unanswered call may ring.
	// One policy for both audio and video calls.
	DefaultRingTimeout = 45 * time.Second
	// DefaultSettleDelay is inserted before a join that follows a prior
	// call's teardown, so the OS has released the devices.
	DefaultSettleDelay = 500 * time.Millisecond
	// DefaultStabilizationWindow suppresses surface-driven teardown right
	// after an incoming call is opened.
	DefaultStabilizationWindow = 2 * time.Second
	// DefaultCleanupWatchdog force-closes the call surface if cleanup hangs.
	DefaultCleanupWatchdog = 5 * time.Second
)

type Config struct {
	RecordServiceURL   string `yaml:"record_service_url"`   // required (env MATCHTALK_RECORD_URL)
	RecordServiceToken string `yaml:"record_service_token"` // bearer token (env MATCHTALK_RECORD_TOKEN)
	SignalURL          string `yaml:"signal_url"`           // required (env MATCHTALK_SIGNAL_URL)
	WsUrl              string `yaml:"ws_url"`               // media transport fallback URL (env LIVEKIT_WS_URL)
	UserID             string `yaml:"user_id"`              // local user identity

	RingTimeout         time.Duration `yaml:"ring_timeout"`
	SettleDelay         time.Duration `yaml:"settle_delay"`
	StabilizationWindow time.Duration `yaml:"stabilization_window"`
	CleanupWatchdog     time.Duration `yaml:"cleanup_watchdog"`

	PrometheusPort int `yaml:"prometheus_port"`

	Logging logger.Config `yaml:"logging"`

	// internal
	ServiceName string `yaml:"-"`
	NodeID      string // Do not provide, will be overwritten
}

func NewConfig(confString string) (*Config, error) {
	conf := &Config{
		RecordServiceURL:   os.Getenv("MATCHTALK_RECORD_URL"),
		RecordServiceToken: os.Getenv("MATCHTALK_RECORD_TOKEN"),
		SignalURL:          os.Getenv("MATCHTALK_SIGNAL_URL"),
		WsUrl:              os.Getenv("LIVEKIT_WS_URL"),
		ServiceName:        "callkit",
	}
	if confString != "" {
		if err := yaml.Unmarshal([]byte(confString), conf); err != nil {
			return nil, errors.ErrCouldNotParseConfig(err)
		}
	}
	conf.applyDefaults()

	if conf.RecordServiceURL == "" || conf.SignalURL == "" {
		return nil, errors.ErrNoConfig
	}

	return conf, nil
}

func (conf *Config) applyDefaults() {
	if conf.RingTimeout <= 0 {
		conf.RingTimeout = DefaultRingTimeout
	}
	if conf.SettleDelay <= 0 {
		conf.SettleDelay = DefaultSettleDelay
	}
	if conf.StabilizationWindow <= 0 {
		conf.StabilizationWindow = DefaultStabilizationWindow
	}
	if conf.CleanupWatchdog <= 0 {
		conf.CleanupWatchdog = DefaultCleanupWatchdog
	}
}

func (conf *Config) Init() error {
	conf.NodeID = utils.NewGuid("CK_")

	if err := conf.InitLogger(); err != nil {
		return err
	}

	return nil
}

func (c *Config) InitLogger(values ...interface{}) error {
	zl, err := logger.NewZapLogger(&c.Logging)
	if err != nil {
		return err
	}

	values = append(c.GetLoggerValues(), values...)
	l := zl.WithValues(values...)
	logger.SetLogger(l, c.ServiceName)
	lksdk.SetLogger(l)

	return nil
}

// To use with zap logger
func (c *Config) GetLoggerValues() []interface{} {
	return []interface{}{"nodeID", c.NodeID}
}
