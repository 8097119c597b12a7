/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// zgdemo runs a single ZG peer with one tiny key/value database attached,
// so the replication and seniority-election machinery can be watched
// across a handful of hosts (or a handful of processes bound to
// localhost) without bringing in a real application.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/zgreplica/zg/database"
	"github.com/zgreplica/zg/netiface"
	"github.com/zgreplica/zg/peer"
)

func main() {
	cfg := peer.DefaultConfig()

	var loglevel string
	var monitoringPort int
	var keyValue string
	var portBase uint

	flag.StringVar(&cfg.Signature, "signature", "zgdemo", "ZG system signature")
	flag.StringVar(&cfg.SystemName, "system-name", "default", "ZG system name")
	flag.BoolVar(&cfg.SystemIsLocalhostOnly, "localhost-only", false, "restrict to the loopback interface, for single-host testing")
	flag.StringVar(&cfg.TCPListenAddr, "tcp-listen", ":0", "address for the unicast back-order/request listener")
	flag.UintVar(&portBase, "port-base", uint(netiface.DefaultPortBase), "first of the two well-known UDP ports this system uses")
	flag.IntVar(&monitoringPort, "monitoring-port", 8889, "port to serve /metrics on")
	flag.StringVar(&loglevel, "loglevel", "info", "log level: debug, info, warning, error")
	flag.StringVar(&keyValue, "set", "", "optional key=value to request once fully attached, to watch a senior apply happen")
	flag.Parse()
	cfg.PortBase = uint16(portBase)

	switch loglevel {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warning":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.Fatalf("unrecognized log level: %v", loglevel)
	}

	store := newKVStore()
	p, err := peer.New(cfg, []database.Object{store})
	if err != nil {
		log.Fatalf("constructing peer: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := p.Start(ctx); err != nil {
		log.Fatalf("starting peer: %v", err)
	}
	defer p.Stop()

	log.Infof("zgdemo: peer %s started, signature=%q system=%q", p.LocalPeerID(), cfg.Signature, cfg.SystemName)

	go serveMetrics(p, monitoringPort)
	go watchAttachment(ctx, p)
	if keyValue != "" {
		go requestOnceAttached(ctx, p, keyValue)
	}

	<-ctx.Done()
	log.Info("zgdemo: shutting down")
}

func serveMetrics(p *peer.Peer, port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(p.Registry(), promhttp.HandlerOpts{}))
	addr := fmt.Sprintf(":%d", port)
	log.Warning(http.ListenAndServe(addr, mux))
}

func watchAttachment(ctx context.Context, p *peer.Peer) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	notified := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if notified || !p.FullyAttached() {
				continue
			}
			notified = true
			if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
				log.Warningf("zgdemo: sd_notify failed: %v", err)
			} else if sent {
				log.Info("zgdemo: notified systemd readiness")
			}
			if senior, ok := p.Senior(); ok {
				log.Infof("zgdemo: fully attached, current senior is %s", senior)
			}
		}
	}
}

// requestOnceAttached polls until the peer is fully attached and at least
// one database exists, then submits a single update request. Demo-only:
// a real caller would issue RequestUpdate as soon as it has work, not on a
// polling loop.
func requestOnceAttached(ctx context.Context, p *peer.Peer, kv string) {
	i := strings.IndexByte(kv, '=')
	if i < 0 {
		log.Warningf("zgdemo: -set value %q must be key=value, ignoring", kv)
		return
	}
	payload := append([]byte(kv[:i]+"\x00"), kv[i+1:]...)

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !p.FullyAttached() {
				continue
			}
			dbs := p.Databases()
			if len(dbs) == 0 {
				return
			}
			if err := dbs[0].RequestUpdate(payload); err != nil {
				log.Debugf("zgdemo: -set request not yet accepted: %v", err)
				continue
			}
			log.Infof("zgdemo: requested %s", kv)
			return
		}
	}
}
