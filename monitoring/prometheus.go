package monitoring

import (
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/mezonai/combinedb/logx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type SessionOutcome string

var (
	SessionPushed   SessionOutcome = "push"
	SessionSquashed SessionOutcome = "squash"
	SessionUndone   SessionOutcome = "undo"
)

type dbPromMetrics struct {
	revision          prometheus.Gauge
	sessionCount      *prometheus.CounterVec
	commitCount       prometheus.Counter
	kvBytesWritten    prometheus.Counter
	kvLimitRejections *prometheus.CounterVec
	snapshotRows      *prometheus.CounterVec
	vaultProposals    *prometheus.CounterVec
	panicCount        prometheus.Counter
}

func newDBPromMetrics() *dbPromMetrics {
	return &dbPromMetrics{
		revision: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "combinedb_revision",
				Help: "Current revision shared by the object store and the kv undo stack",
			},
		),
		sessionCount: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "combinedb_session_total",
				Help: "Number of combined sessions terminated, by outcome",
			},
			[]string{"outcome"},
		),
		commitCount: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "combinedb_commit_total",
				Help: "Number of irreversible commits applied to both backends",
			},
		),
		kvBytesWritten: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "combinedb_kv_bytes_written_total",
				Help: "Key and value bytes written through kv contexts",
			},
		),
		kvLimitRejections: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "combinedb_kv_limit_rejections_total",
				Help: "Kv context operations rejected by a resource limit",
			},
			[]string{"limit"},
		),
		snapshotRows: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "combinedb_snapshot_rows_total",
				Help: "Rows written to or read from snapshots",
			},
			[]string{"direction"},
		),
		vaultProposals: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "combinedb_blockvault_proposals_total",
				Help: "Block vault proposals, by kind and result",
			},
			[]string{"kind", "result"},
		),
		panicCount: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "combinedb_panic_count",
				Help: "Number of recovered panics and fatal failures",
			},
		),
	}
}

var (
	metricsOnce sync.Once
	dbMetrics   *dbPromMetrics
)

// InitMetrics registers the metrics with the default registry. It is safe to call more than once.
func InitMetrics() {
	metricsOnce.Do(func() {
		dbMetrics = newDBPromMetrics()
	})
}

func metrics() *dbPromMetrics {
	InitMetrics()
	return dbMetrics
}

// RegisterMetrics serves the prometheus metrics and a liveness probe on router.
func RegisterMetrics(router *mux.Router) {
	logx.Info("MONITORING", "Registering prometheus metrics")
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
}

func SetRevision(revision int64) {
	metrics().revision.Set(float64(revision))
}

func RecordSession(outcome SessionOutcome) {
	metrics().sessionCount.With(prometheus.Labels{
		"outcome": string(outcome),
	}).Inc()
}

func IncreaseCommitCount() {
	metrics().commitCount.Inc()
}

func AddKVBytesWritten(n int) {
	metrics().kvBytesWritten.Add(float64(n))
}

func RecordKVLimitRejection(limit string) {
	metrics().kvLimitRejections.With(prometheus.Labels{
		"limit": limit,
	}).Inc()
}

func AddSnapshotRows(direction string, rows int) {
	metrics().snapshotRows.With(prometheus.Labels{
		"direction": direction,
	}).Add(float64(rows))
}

func RecordVaultProposal(kind string, accepted bool) {
	result := "rejected"
	if accepted {
		result = "accepted"
	}
	metrics().vaultProposals.With(prometheus.Labels{
		"kind":   kind,
		"result": result,
	}).Inc()
}

func IncreasePanicCount() {
	metrics().panicCount.Inc()
}
