// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// darkrelayNamespace 是当前项目所有 Prometheus 指标使用的命名空间。
	darkrelayNamespace = "darkrelay"

	relaySubsystem   = "relay"
	networkSubsystem = "network"

	transportLabelName = "transport"
	resultLabelName    = "result"
	kindLabelName      = "kind"

	SuccessLabel = "success"
	FailLabel    = "fail"
)

var (
	// sizeBuckets 为消息大小的桶划分，单位为字节，覆盖 64B ~ 64KiB。
	sizeBuckets = prometheus.ExponentialBuckets(64, 2, 11)

	ConnectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: darkrelayNamespace,
			Subsystem: networkSubsystem,
			Name:      "connections_total",
			Help:      "accepted connections by transport",
		}, []string{transportLabelName})

	ConnectionsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: darkrelayNamespace,
			Subsystem: networkSubsystem,
			Name:      "connections_rejected_total",
			Help:      "connections rejected because the server is at capacity",
		}, []string{transportLabelName})

	ConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: darkrelayNamespace,
			Subsystem: networkSubsystem,
			Name:      "connections_active",
			Help:      "currently open connections",
		})

	ProtocolErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: darkrelayNamespace,
			Subsystem: networkSubsystem,
			Name:      "protocol_errors_total",
			Help:      "connections terminated because of a protocol error",
		}, []string{kindLabelName})

	AuthResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: darkrelayNamespace,
			Subsystem: relaySubsystem,
			Name:      "auth_results_total",
			Help:      "handshake outcomes",
		}, []string{resultLabelName})

	SessionsOnline = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: darkrelayNamespace,
			Subsystem: relaySubsystem,
			Name:      "sessions_online",
			Help:      "logged in sessions",
		})

	ChannelsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: darkrelayNamespace,
			Subsystem: relaySubsystem,
			Name:      "channels",
			Help:      "channels currently known to the server",
		})

	BroadcastsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: darkrelayNamespace,
			Subsystem: relaySubsystem,
			Name:      "broadcasts_total",
			Help:      "messages accepted for broadcast",
		})

	BroadcastPayloadSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: darkrelayNamespace,
			Subsystem: relaySubsystem,
			Name:      "broadcast_payload_bytes",
			Help:      "payload size of accepted broadcasts",
			Buckets:   sizeBuckets,
		})

	DeliveryFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: darkrelayNamespace,
			Subsystem: relaySubsystem,
			Name:      "delivery_failures_total",
			Help:      "per recipient delivery failures",
		}, []string{kindLabelName})

	HistoryEvictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: darkrelayNamespace,
			Subsystem: relaySubsystem,
			Name:      "history_evictions_total",
			Help:      "envelopes evicted from channel history",
		})

	registerOnce     sync.Once
	metricRegisterer prometheus.Registerer
)

// GetRegisterer 返回全局 Prometheus Registerer。
// 如果尚未通过 Register 显式设置，则返回 prometheus.DefaultRegisterer。
func GetRegisterer() prometheus.Registerer {
	if metricRegisterer == nil {
		return prometheus.DefaultRegisterer
	}
	return metricRegisterer
}

// Register 注册当前定义的所有指标，重复调用只生效一次。
func Register(r prometheus.Registerer) {
	registerOnce.Do(func() {
		r.MustRegister(ConnectionsTotal)
		r.MustRegister(ConnectionsRejected)
		r.MustRegister(ConnectionsActive)
		r.MustRegister(ProtocolErrors)
		r.MustRegister(AuthResults)
		r.MustRegister(SessionsOnline)
		r.MustRegister(ChannelsTotal)
		r.MustRegister(BroadcastsTotal)
		r.MustRegister(BroadcastPayloadSize)
		r.MustRegister(DeliveryFailures)
		r.MustRegister(HistoryEvictions)
		RegisterLoggingMetrics(r)
		metricRegisterer = r
	})
}
