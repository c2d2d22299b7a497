// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// サービス層、ブロードキャスター、HTTPミドルウェアから利用する。
type MetricsCollector interface {
	RecordVote(operation, result string)
	RecordSelection(result string)
	RecordItemSubmitted(result string)
	RecordBroadcast(kind string)
	RecordBroadcastDropped(reason string)
	AddRoomMembers(delta int)
	RecordStoreLatency(operation string, duration time.Duration)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	votes          *prometheus.CounterVec
	selections     *prometheus.CounterVec
	itemsSubmitted *prometheus.CounterVec
	broadcasts     *prometheus.CounterVec
	dropped        *prometheus.CounterVec
	roomMembers    prometheus.Gauge
	storeLatency   *prometheus.HistogramVec
	httpStatus     *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		votes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "votebox_votes_total",
			Help: "投票操作の合計数（操作種別・結果別）",
		}, []string{"operation", "result"}),
		selections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "votebox_selections_total",
			Help: "再生アイテム選択の合計数（結果別）",
		}, []string{"result"}),
		itemsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "votebox_items_submitted_total",
			Help: "アイテム投稿の合計数（結果別）",
		}, []string{"result"}),
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "votebox_broadcast_events_total",
			Help: "ルームに配信したイベントの合計数（種別別）",
		}, []string{"kind"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "votebox_broadcast_dropped_total",
			Help: "配信できずに破棄したイベントの合計数（理由別）",
		}, []string{"reason"}),
		roomMembers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "votebox_room_members",
			Help: "接続中のルームメンバー数",
		}),
		storeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "votebox_store_latency_seconds",
			Help:    "ストア呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "votebox_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.votes,
		c.selections,
		c.itemsSubmitted,
		c.broadcasts,
		c.dropped,
		c.roomMembers,
		c.storeLatency,
		c.httpStatus,
	)

	return c
}

// RecordVote は投票操作を記録する。
func (c *Collector) RecordVote(operation, result string) {
	c.votes.WithLabelValues(operation, result).Inc()
}

// RecordSelection は再生アイテム選択を記録する。
func (c *Collector) RecordSelection(result string) {
	c.selections.WithLabelValues(result).Inc()
}

// RecordItemSubmitted はアイテム投稿を記録する。
func (c *Collector) RecordItemSubmitted(result string) {
	c.itemsSubmitted.WithLabelValues(result).Inc()
}

// RecordBroadcast は配信したイベントを記録する。
func (c *Collector) RecordBroadcast(kind string) {
	c.broadcasts.WithLabelValues(kind).Inc()
}

// RecordBroadcastDropped は破棄したイベントを記録する。
func (c *Collector) RecordBroadcastDropped(reason string) {
	c.dropped.WithLabelValues(reason).Inc()
}

// AddRoomMembers は接続中メンバー数を増減する。
func (c *Collector) AddRoomMembers(delta int) {
	c.roomMembers.Add(float64(delta))
}

// RecordStoreLatency はストア呼び出しのレイテンシを記録する。
func (c *Collector) RecordStoreLatency(operation string, duration time.Duration) {
	c.storeLatency.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Discard は何も記録しないMetricsCollector。テストやメトリクス無効時に使う。
type Discard struct{}

func (Discard) RecordVote(string, string) {}
func (Discard) RecordSelection(string) {}
func (Discard) RecordItemSubmitted(string) {}
func (Discard) RecordBroadcast(string) {}
func (Discard) RecordBroadcastDropped(string) {}
func (Discard) AddRoomMembers(int) {}
func (Discard) RecordStoreLatency(string, time.Duration) {}
func (Discard) RecordHTTPStatus(int) {}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Discard{}
)

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Middleware はレスポンスのステータスコードをRecordHTTPStatusで記録するミドルウェアを返す。
func Middleware(c MetricsCollector) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			c.RecordHTTPStatus(rec.status)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack はWebSocketのアップグレードのために下位のコネクションを引き渡す。
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
