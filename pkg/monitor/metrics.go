// Copyright 2022-2023 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	messagesReceived  *prometheus.CounterVec
	samplesForwarded  prometheus.Counter
	callCountsFlushed prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		messagesReceived: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "halomon_monitor_messages_received_total",
			Help: "Total number of inbound server messages handled, by kind.",
		}, []string{"kind"}),
		samplesForwarded: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "halomon_monitor_samples_forwarded_total",
			Help: "Total number of decoded hardware samples forwarded to the server.",
		}),
		callCountsFlushed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "halomon_monitor_call_counts_flushed_total",
			Help: "Total number of patched-slot call count entries flushed to the server.",
		}),
	}
}
