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

package peer

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry builds a Prometheus registry exposing this peer's counters and
// gauges: per-database current_state_id/log_bytes/back_order_count, and
// transport fragment counts, grounded on the teacher's
// ptp/sptp/stats.PrometheusExporter pattern of registering GaugeFunc/
// CounterFunc collectors that read live state on every scrape rather than
// pushing updates through a separate channel.
func (p *Peer) Registry() *prometheus.Registry {
	reg := prometheus.NewRegistry()

	for i, db := range p.dbs {
		reg.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: fmt.Sprintf("zg_database_%d_current_state_id", i), Help: "current_id of database " + fmt.Sprint(i)},
			func() float64 { return float64(db.Snapshot().CurrentStateID) },
		))
		reg.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: fmt.Sprintf("zg_database_%d_log_bytes", i), Help: "retained log bytes for database " + fmt.Sprint(i)},
			func() float64 { return float64(db.Snapshot().LogBytes) },
		))
		reg.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: fmt.Sprintf("zg_database_%d_back_orders_outstanding", i), Help: "outstanding back-order requests for database " + fmt.Sprint(i)},
			func() float64 { return float64(db.Snapshot().BackOrderCount) },
		))
		reg.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: fmt.Sprintf("zg_database_%d_trim_count", i), Help: "log records ever dropped by trim for database " + fmt.Sprint(i)},
			func() float64 { return float64(db.Snapshot().TrimCount) },
		))
	}

	if p.multicast != nil {
		reg.MustRegister(prometheus.NewCounterFunc(
			prometheus.CounterOpts{Name: "zg_multicast_fragments_sent", Help: "multicast data-channel fragments sent"},
			func() float64 { return float64(p.multicast.SentFragments()) },
		))
		reg.MustRegister(prometheus.NewCounterFunc(
			prometheus.CounterOpts{Name: "zg_multicast_fragments_received", Help: "multicast data-channel fragments received"},
			func() float64 { return float64(p.multicast.ReceivedFragments()) },
		))
		reg.MustRegister(prometheus.NewCounterFunc(
			prometheus.CounterOpts{Name: "zg_multicast_fragments_dropped_duplicate", Help: "multicast fragments dropped as duplicates"},
			func() float64 { return float64(p.multicast.DroppedDuplicates()) },
		))
	}

	reg.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: "zg_network_time_offset_micros", Help: "current network-time offset in microseconds"},
		func() float64 { return float64(p.NetworkTimeOffset()) },
	))

	return reg
}
