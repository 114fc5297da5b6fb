package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Pipeline metrics
	BatchesProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarry_batches_processed_total",
			Help: "Total number of batches processed by outcome",
		},
		[]string{"outcome"},
	)

	FilesProcessed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quarry_files_processed_total",
			Help: "Total number of files successfully indexed",
		},
	)

	FilesFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quarry_files_failed_total",
			Help: "Total number of files that failed indexing",
		},
	)

	ConsumerHalts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quarry_consumer_halts_total",
			Help: "Total number of consumer loop halts on system errors",
		},
	)

	// Stream metrics
	StreamLength = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quarry_stream_length",
			Help: "Current length of each stream",
		},
		[]string{"stream"},
	)

	StreamPending = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quarry_stream_pending",
			Help: "Unacknowledged messages per stream",
		},
		[]string{"stream"},
	)

	StreamPendingMaxIdle = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quarry_stream_pending_max_idle_seconds",
			Help: "Longest idle time among pending messages per stream",
		},
		[]string{"stream"},
	)

	// Job metrics
	JobsByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quarry_jobs",
			Help: "Live indexing jobs by lifecycle state",
		},
		[]string{"state"},
	)

	// Auto-save metrics
	ConversationsSaved = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quarry_conversations_saved_total",
			Help: "Total number of conversations saved",
		},
	)

	ConversationsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quarry_conversations_dropped_total",
			Help: "Total number of invalid conversation messages dropped",
		},
	)

	ConversationsLastHour = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quarry_conversations_last_hour",
			Help: "Conversations saved in the last hour",
		},
	)

	LastSaveAge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quarry_autosave_last_save_age_seconds",
			Help: "Seconds since the most recent conversation save",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(BatchesProcessed)
	prometheus.MustRegister(FilesProcessed)
	prometheus.MustRegister(FilesFailed)
	prometheus.MustRegister(ConsumerHalts)
	prometheus.MustRegister(StreamLength)
	prometheus.MustRegister(StreamPending)
	prometheus.MustRegister(StreamPendingMaxIdle)
	prometheus.MustRegister(JobsByState)
	prometheus.MustRegister(ConversationsSaved)
	prometheus.MustRegister(ConversationsDropped)
	prometheus.MustRegister(ConversationsLastHour)
	prometheus.MustRegister(LastSaveAge)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
