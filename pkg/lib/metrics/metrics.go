// Package metrics 用 Prometheus 客户端实现 interfaces.Metrics。
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dep2p/mtpcore/pkg/interfaces"
)

// Collector 是 interfaces.Metrics 的 Prometheus 实现，可以注册进任意
// prometheus.Registerer。
type Collector struct {
	requestsSent    *prometheus.CounterVec
	requestLatency  *prometheus.HistogramVec
	inFlight        prometheus.Gauge
	errorsTotal     *prometheus.CounterVec
}

var _ interfaces.Metrics = (*Collector)(nil)

// New 创建并在 reg 上注册一组 MTProto 编排器指标。
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		requestsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mtpcore",
			Name:      "requests_sent_total",
			Help:      "Number of RPC requests handed to a session, by destination DC.",
		}, []string{"dc"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mtpcore",
			Name:      "request_latency_seconds",
			Help:      "Latency between sending a request and receiving its result, by DC.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"dc"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mtpcore",
			Name:      "requests_in_flight",
			Help:      "Number of requests currently registered and awaiting a response.",
		}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mtpcore",
			Name:      "errors_total",
			Help:      "Number of RPC errors handled by the error policy engine, by kind.",
		}, []string{"kind"}),
	}
	reg.MustRegister(c.requestsSent, c.requestLatency, c.inFlight, c.errorsTotal)
	return c
}

// IncRequestsSent 为目标 DC 的已发送请求计数加一。
func (c *Collector) IncRequestsSent(dcId interfaces.DcId) {
	c.requestsSent.WithLabelValues(strconv.Itoa(int(dcId))).Inc()
}

// ObserveRequestLatency 记录一次请求的端到端延迟。
func (c *Collector) ObserveRequestLatency(dcId interfaces.DcId, d time.Duration) {
	c.requestLatency.WithLabelValues(strconv.Itoa(int(dcId))).Observe(d.Seconds())
}

// SetInFlightRequests 设置当前在途请求数。
func (c *Collector) SetInFlightRequests(n int) {
	c.inFlight.Set(float64(n))
}

// IncErrors 按调用方给出的错误种类字符串计数；错误策略引擎传入的是服务器
// 错误类型 RPCError.Type（如 FLOOD_WAIT_2）。
func (c *Collector) IncErrors(kind string) {
	c.errorsTotal.WithLabelValues(kind).Inc()
}
