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

package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/zgreplica/zg/codec"
	"github.com/zgreplica/zg/peer"
)

func init() {
	RootCmd.AddCommand(peersCmd)
}

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "Join a ZG system as a silent observer and report who else is on it",
	RunE:  runPeers,
}

// joinAsObserver starts a junior-only, database-less peer for the
// duration of one diagnostic command. It never contributes a vote beyond
// its own heartbeat and can never become senior.
func joinAsObserver() (*peer.Peer, error) {
	cfg := peer.DefaultConfig()
	cfg.Signature = rootSignatureFlag
	cfg.SystemName = rootSystemNameFlag
	cfg.SystemIsLocalhostOnly = rootLocalhostOnlyFlag
	cfg.PeerType = codec.PeerTypeJuniorOnly

	p, err := peer.New(cfg, nil)
	if err != nil {
		return nil, fmt.Errorf("constructing observer peer: %w", err)
	}
	return p, nil
}

func runPeers(_ *cobra.Command, _ []string) error {
	ConfigureVerbosity()

	p, err := joinAsObserver()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), rootObserveDurationFlag+time.Second)
	defer cancel()

	if err := p.Start(ctx); err != nil {
		return fmt.Errorf("starting observer peer: %w", err)
	}
	defer p.Stop()

	log.Infof("zgcheck: joined as %s, listening for %s", p.LocalPeerID(), rootObserveDurationFlag)
	select {
	case <-time.After(rootObserveDurationFlag):
	case <-ctx.Done():
	}

	view := p.View()
	order := view.Order()
	senior, haveSenior := view.Senior()
	peers := view.Peers()

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("SENIORITY", "PEER", "TYPE", "ATTACHED", "UPTIME", "ADDR")
	for i, id := range order {
		info, ok := peers[id]
		if !ok {
			continue
		}
		rank := fmt.Sprintf("%d", i+1)
		if haveSenior && id == senior {
			rank += " (senior)"
		}
		peerType := "full"
		if info.PeerType == codec.PeerTypeJuniorOnly {
			peerType = "junior-only"
		}
		if err := table.Append(
			rank,
			id.String(),
			peerType,
			fmt.Sprintf("%v", info.FullyAttached),
			fmt.Sprintf("%ds", info.UptimeSeconds),
			info.Addr.String(),
		); err != nil {
			log.Warningf("zgcheck: rendering row for %s: %v", id, err)
		}
	}
	if err := table.Render(); err != nil {
		return fmt.Errorf("rendering table: %w", err)
	}
	if len(order) == 0 {
		fmt.Println("no other peers observed")
	}
	return nil
}
