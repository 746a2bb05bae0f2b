// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// セッション管理、レコードストア、ワークスペース、HTTP層から利用する。
type MetricsCollector interface {
	RecordAuthEvent(event string)
	RecordAuthFailure(event, code string)
	RecordStoreSuccess(op string)
	RecordStoreFailure(op string)
	RecordStoreLatency(op string, duration time.Duration)
	RecordSnapshot(collection string, size int)
	RecordHTTPStatus(statusCode int)
	SetActiveWorkspaces(n int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	authEvents       *prometheus.CounterVec
	authFailures     *prometheus.CounterVec
	storeOps         *prometheus.CounterVec
	storeLatency     *prometheus.HistogramVec
	snapshots        *prometheus.CounterVec
	snapshotSize     *prometheus.GaugeVec
	httpStatus       *prometheus.CounterVec
	activeWorkspaces prometheus.Gauge
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		authEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devlog_auth_events_total",
			Help: "成功した認証操作の合計数",
		}, []string{"event"}),
		authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devlog_auth_failures_total",
			Help: "失敗した認証操作の合計数（プロバイダーのエラーコード別）",
		}, []string{"event", "code"}),
		storeOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devlog_store_operations_total",
			Help: "ドキュメントストア操作の合計数",
		}, []string{"op", "result"}),
		storeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "devlog_store_latency_seconds",
			Help:    "ドキュメントストア操作のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devlog_snapshots_total",
			Help: "受信したライブスナップショットの合計数",
		}, []string{"collection"}),
		snapshotSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "devlog_snapshot_documents",
			Help: "直近に受信したスナップショットのドキュメント数",
		}, []string{"collection"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devlog_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		activeWorkspaces: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "devlog_active_workspaces",
			Help: "メモリ上のワークスペース数",
		}),
	}

	reg.MustRegister(
		c.authEvents,
		c.authFailures,
		c.storeOps,
		c.storeLatency,
		c.snapshots,
		c.snapshotSize,
		c.httpStatus,
		c.activeWorkspaces,
	)

	return c
}

// RecordAuthEvent は認証操作の成功を記録する。
func (c *Collector) RecordAuthEvent(event string) {
	c.authEvents.WithLabelValues(event).Inc()
}

// RecordAuthFailure は認証操作の失敗を記録する。
func (c *Collector) RecordAuthFailure(event, code string) {
	c.authFailures.WithLabelValues(event, code).Inc()
}

// RecordStoreSuccess はストア操作の成功を記録する。
func (c *Collector) RecordStoreSuccess(op string) {
	c.storeOps.WithLabelValues(op, "success").Inc()
}

// RecordStoreFailure はストア操作の失敗を記録する。
func (c *Collector) RecordStoreFailure(op string) {
	c.storeOps.WithLabelValues(op, "failure").Inc()
}

// RecordStoreLatency はストア操作のレイテンシを記録する。
func (c *Collector) RecordStoreLatency(op string, duration time.Duration) {
	c.storeLatency.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordSnapshot はスナップショットの受信を記録する。
func (c *Collector) RecordSnapshot(collection string, size int) {
	c.snapshots.WithLabelValues(collection).Inc()
	c.snapshotSize.WithLabelValues(collection).Set(float64(size))
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// SetActiveWorkspaces はワークスペース数を設定する。
func (c *Collector) SetActiveWorkspaces(n int) {
	c.activeWorkspaces.Set(float64(n))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}

// compile-time interface check
var _ MetricsCollector = (*Collector)(nil)
