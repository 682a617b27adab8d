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

package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	ossignal "os/signal"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v3"

	"github.com/livekit/protocol/logger"

	"github.com/matchtalk/callkit/pkg/call"
	"github.com/matchtalk/callkit/pkg/config"
	"github.com/matchtalk/callkit/pkg/errors"
	"github.com/matchtalk/callkit/pkg/signal"
	"github.com/matchtalk/callkit/pkg/stats"
	"github.com/matchtalk/callkit/version"
)

func main() {
	cmd := &cli.Command{
		Name:        "callkit",
		Usage:       "MatchTalk CallKit",
		Version:     version.Version,
		Description: "1:1 call session coordination for MatchTalk",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "CallKit yaml config file",
				Sources: cli.EnvVars("CALLKIT_CONFIG_FILE"),
			},
			&cli.StringFlag{
				Name:    "config-body",
				Usage:   "CallKit yaml config body",
				Sources: cli.EnvVars("CALLKIT_CONFIG_BODY"),
			},
		},
		Action: runAgent,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Println(err)
	}
}

// runAgent runs a headless call agent: it subscribes to the signal channel
// for the configured user, answers incoming calls, and serves metrics. Used
// for soak testing against a real backend.
func runAgent(ctx context.Context, c *cli.Command) error {
	conf, err := getConfig(c, true)
	if err != nil {
		return err
	}
	log := logger.GetLogger()

	mon := stats.NewMonitor(conf.NodeID)
	if err = mon.Start(); err != nil {
		return err
	}
	defer mon.Stop()

	if conf.PrometheusPort > 0 {
		ln, err := net.Listen("tcp", ":"+strconv.Itoa(conf.PrometheusPort))
		if err != nil {
			return err
		}
		defer ln.Close()
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			_ = http.Serve(ln, mux)
		}()
	}

	hdr := http.Header{}
	if conf.RecordServiceToken != "" {
		hdr.Set("Authorization", "Bearer "+conf.RecordServiceToken)
	}
	sig := signal.NewWSChannel(log, conf.SignalURL, hdr)
	if err = sig.Connect(ctx); err != nil {
		return err
	}

	svc := call.NewService(conf, sig, mon, call.Events{
		OnStateChanged: func(s *call.Session, st call.Status) {
			log.Infow("call state changed", "callID", s.CallID(), "status", st)
		},
		OnClosed: func(s *call.Session) {
			log.Infow("call closed", "callID", s.CallID(), "status", s.Status())
		},
		OnFailure: func(s *call.Session, err error) {
			log.Warnw("call failed", err, "callID", s.CallID())
		},
	}, nil)
	if err = svc.Start(); err != nil {
		return err
	}

	stopChan := make(chan os.Signal, 1)
	ossignal.Notify(stopChan, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGINT)

	s := <-stopChan
	log.Infow("exit requested, hanging up and shutting down", "signal", s)
	// Stop admitting new calls before hanging up the active one.
	mon.Shutdown()
	svc.Stop()
	return nil
}

func getConfig(c *cli.Command, initialize bool) (*config.Config, error) {
	configFile := c.String("config")
	configBody := c.String("config-body")
	if configBody == "" {
		if configFile == "" {
			return nil, errors.ErrNoConfig
		}
		content, err := os.ReadFile(configFile)
		if err != nil {
			return nil, err
		}
		configBody = string(content)
	}

	conf, err := config.NewConfig(configBody)
	if err != nil {
		return nil, err
	}

	if initialize {
		err = conf.Init()
		if err != nil {
			return nil, err
		}
	}

	return conf, nil
}
