package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type (
	DBOperation  string
	MessageError string
)

const (
	DBOperationCreateTempTable DBOperation = "create_temp_table"
	DBOperationCopy            DBOperation = "copy"
	DBOperationInsert          DBOperation = "insert"
	DBOperationCommit          DBOperation = "commit"

	MessageErrorDecode MessageError = "decode"
	MessageErrorAck    MessageError = "ack"
)

const IngesterMetricsPrefix = "pgcopy_ingestor_"

type Metrics struct {
	messagesReceived prometheus.Counter
	batchesFlushed   prometheus.Counter
	rowsLoaded       prometheus.Counter
	loadErrors       prometheus.Counter
	deadLetters      *prometheus.CounterVec
	messageErrors    *prometheus.CounterVec
	dbErrors         *prometheus.CounterVec
}

func NewMetrics(prefix string) *Metrics {
	return &Metrics{
		messagesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: prefix + "messages_received",
			Help: "Number of messages received from the queue",
		}),
		batchesFlushed: promauto.NewCounter(prometheus.CounterOpts{
			Name: prefix + "batches_flushed",
			Help: "Number of batches handed to the bulk loader",
		}),
		rowsLoaded: promauto.NewCounter(prometheus.CounterOpts{
			Name: prefix + "rows_loaded",
			Help: "Number of rows durably committed by the bulk loader",
		}),
		loadErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: prefix + "load_errors",
			Help: "Number of failed bulk loads (whole batches left for redelivery)",
		}),
		deadLetters: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "dead_letters",
			Help: "Number of messages routed to the dead-letter destination grouped by reason",
		}, []string{"reason"}),
		messageErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "message_errors",
			Help: "Number of per-message errors grouped by error type",
		}, []string{"error"}),
		dbErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "db_errors",
			Help: "Number of database errors grouped by database operation",
		}, []string{"operation"}),
	}
}

func (m *Metrics) RecordMessagesReceived(n int) {
	if m == nil {
		return
	}
	m.messagesReceived.Add(float64(n))
}

func (m *Metrics) RecordBatchFlushed(rows int) {
	if m == nil {
		return
	}
	m.batchesFlushed.Inc()
	m.rowsLoaded.Add(float64(rows))
}

func (m *Metrics) RecordLoadError() {
	if m == nil {
		return
	}
	m.loadErrors.Inc()
}

func (m *Metrics) RecordDeadLetter(reason string) {
	if m == nil {
		return
	}
	m.deadLetters.With(map[string]string{"reason": reason}).Inc()
}

func (m *Metrics) RecordMessageError(error MessageError) {
	if m == nil {
		return
	}
	m.messageErrors.With(map[string]string{"error": string(error)}).Inc()
}

func (m *Metrics) RecordDBError(operation DBOperation) {
	if m == nil {
		return
	}
	m.dbErrors.With(map[string]string{"operation": string(operation)}).Inc()
}
