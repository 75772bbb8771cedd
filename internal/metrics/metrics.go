package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RowsComputedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aura_attention_rows_total",
		Help: "Attention output rows computed, by arithmetic mode",
	}, []string{"mode"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "aura_stage_duration_seconds",
		Help:    "Wall time of pipeline stages",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})

	SoftmaxFloorTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aura_softmax_floor_total",
		Help: "Rows whose softmax denominator underflowed and was replaced by the floor",
	}, []string{"mode"})

	CodecBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aura_codec_bytes_total",
		Help: "Bytes read or written by the memory-format codec",
	}, []string{"op", "repr"})

	CodecDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "aura_codec_duration_seconds",
		Help:    "Time spent decoding or encoding a matrix file",
		Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
	}, []string{"op"})

	CodecErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aura_codec_errors_total",
		Help: "Codec failures by operation and error kind",
	}, []string{"op", "kind"})

	ValidationMetric = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "aura_validation_metric",
		Help: "Last computed value of each precision metric",
	}, []string{"metric"})

	ValidationChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aura_validation_checks_total",
		Help: "Per-metric threshold checks by outcome",
	}, []string{"metric", "result"})

	ValidationRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aura_validation_runs_total",
		Help: "Full comparisons by overall outcome",
	}, []string{"result"})

	ExportRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aura_export_records_total",
		Help: "Arrow records emitted, by sink",
	}, []string{"sink"})
)

func RecordRows(mode string, n int) {
	RowsComputedTotal.WithLabelValues(mode).Add(float64(n))
}

func RecordStage(stage string, d time.Duration) {
	StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func RecordSoftmaxFloor(mode string) {
	SoftmaxFloorTotal.WithLabelValues(mode).Inc()
}

// RecordCodec records one successful decode or encode.
func RecordCodec(op, repr string, bytes int64, d time.Duration) {
	CodecBytesTotal.WithLabelValues(op, repr).Add(float64(bytes))
	CodecDuration.WithLabelValues(op).Observe(d.Seconds())
}

func RecordCodecError(op, kind string) {
	CodecErrorsTotal.WithLabelValues(op, kind).Inc()
}

// RecordValidationCheck publishes a metric value and its threshold outcome.
func RecordValidationCheck(metric string, value float64, pass bool) {
	ValidationMetric.WithLabelValues(metric).Set(value)
	ValidationChecksTotal.WithLabelValues(metric, result(pass)).Inc()
}

func RecordValidationRun(pass bool) {
	ValidationRunsTotal.WithLabelValues(result(pass)).Inc()
}

func RecordExport(sink string, records int) {
	ExportRecordsTotal.WithLabelValues(sink).Add(float64(records))
}

func result(pass bool) string {
	if pass {
		return "pass"
	}
	return "fail"
}
