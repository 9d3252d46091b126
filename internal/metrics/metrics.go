// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hitoshi/inboxsync/internal/model"
)

const namespace = "inboxsync"

// Collector はPrometheusメトリクスを収集する。
// アクターの計測とHTTPミドルウェアの計測の両方を受け持つ。
type Collector struct {
	activeActors  prometheus.Gauge
	operationTime *prometheus.HistogramVec
	ingestItems   *prometheus.CounterVec
	mutations     *prometheus.CounterVec
	resyncs       prometheus.Counter
	pullPatches   prometheus.Histogram
	migrations    prometheus.Counter
	refreshes     *prometheus.CounterVec
	httpRequests  *prometheus.CounterVec
}

// NewCollector はCollectorを生成し、regに登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		activeActors: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_actors",
			Help:      "起動中のユーザーアクター数",
		}),
		operationTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "actor_operation_duration_seconds",
			Help:      "アクター操作の処理時間（秒）",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op", "result"}),
		ingestItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_items_total",
			Help:      "取り込んだアイテム数",
		}, []string{"outcome"}),
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_mutations_total",
			Help:      "pushで処理したミューテーション数",
		}, []string{"outcome"}),
		resyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resync_required_total",
			Help:      "ミューテーションIDの欠番でresyncを要求した回数",
		}),
		pullPatches: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pull_patches",
			Help:      "1回のpullで返したパッチ数",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}),
		migrations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "migrations_applied_total",
			Help:      "適用したマイグレーション数",
		}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_refresh_total",
			Help:      "ソース更新の実行数",
		}, []string{"result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTPステータスコード別のリクエスト数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.activeActors,
		c.operationTime,
		c.ingestItems,
		c.mutations,
		c.resyncs,
		c.pullPatches,
		c.migrations,
		c.refreshes,
		c.httpRequests,
	)
	return c
}

// ActorStarted はアクターの起動を記録する。
func (c *Collector) ActorStarted() { c.activeActors.Inc() }

// ActorStopped はアクターの停止を記録する。
func (c *Collector) ActorStopped() { c.activeActors.Dec() }

// ObserveOperation はアクター操作の処理時間を記録する。
func (c *Collector) ObserveOperation(op string, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
		if apiErr, ok := model.AsAPIError(err); ok && apiErr.Category == model.CategoryValidation {
			result = "rejected"
		}
	}
	c.operationTime.WithLabelValues(op, result).Observe(d.Seconds())
}

// RecordIngest は取り込み結果を記録する。
func (c *Collector) RecordIngest(res *model.IngestResult) {
	if res == nil {
		return
	}
	c.ingestItems.WithLabelValues("touched").Add(float64(len(res.UserItemIDs)))
	c.ingestItems.WithLabelValues("skipped").Add(float64(res.Skipped))
	c.ingestItems.WithLabelValues("invalid").Add(float64(len(res.Errors)))
}

// RecordMigrations は適用したマイグレーション数を記録する。
func (c *Collector) RecordMigrations(n int) {
	if n > 0 {
		c.migrations.Add(float64(n))
	}
}

// RecordMutation はミューテーションの処理結果を記録する。
func (c *Collector) RecordMutation(outcome string) {
	c.mutations.WithLabelValues(outcome).Inc()
}

// RecordResync はresync要求を記録する。
func (c *Collector) RecordResync() { c.resyncs.Inc() }

// ObservePullPatches はpullのパッチ数を記録する。
func (c *Collector) ObservePullPatches(n int) {
	c.pullPatches.Observe(float64(n))
}

// RecordRefresh はソース更新の結果を記録する。
func (c *Collector) RecordRefresh(err error) {
	result := "ok"
	if err != nil {
		result = "failed"
	}
	c.refreshes.WithLabelValues(result).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpRequests.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
