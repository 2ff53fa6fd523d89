// Package metrics turns ledger operation logs into Prometheus series.
package metrics

import (
	"context"
	"fmt"
	"sync"

	"github.com/MarkoPoloResearchLab/chargeledger/pkg/ledger"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "chargeledger"

	labelOperation = "operation"
	labelStatus    = "status"
)

// Recorder implements ledger.OperationLogger on a Prometheus registry.
type Recorder struct {
	registry         *prometheus.Registry
	operations       *prometheus.CounterVec
	records          *prometheus.CounterVec
	amount           *prometheus.CounterVec
	lastCompletedDay prometheus.Gauge

	mutex     sync.Mutex
	completed float64
}

// NewRecorder registers the ledger series on a fresh registry.
func NewRecorder() (*Recorder, error) {
	recorder := &Recorder{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Ledger operations by outcome.",
		}, []string{labelOperation, labelStatus}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Records handled by successful ledger operations.",
		}, []string{labelOperation}),
		amount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "amount_total",
			Help:      "Credit hours moved by successful ledger operations.",
		}, []string{labelOperation}),
		lastCompletedDay: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_completed_day_timestamp_seconds",
			Help:      "Start of the most recent day with a written snapshot.",
		}),
	}
	for _, collector := range []prometheus.Collector{recorder.operations, recorder.records, recorder.amount, recorder.lastCompletedDay} {
		if err := recorder.registry.Register(collector); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	return recorder, nil
}

// LogOperation implements ledger.OperationLogger.
func (recorder *Recorder) LogOperation(_ context.Context, entry ledger.OperationLog) {
	recorder.operations.WithLabelValues(entry.Operation, entry.Status).Inc()
	if entry.Status != ledger.OperationStatusOK {
		return
	}
	if entry.Count > 0 {
		recorder.records.WithLabelValues(entry.Operation).Add(float64(entry.Count))
	}
	if entry.Amount > 0 {
		recorder.amount.WithLabelValues(entry.Operation).Add(entry.Amount)
	}
	if entry.Operation == ledger.OperationSnapshot && !entry.Day.IsZero() {
		recorder.mutex.Lock()
		defer recorder.mutex.Unlock()
		if completed := float64(entry.Day.Start().Unix()); completed > recorder.completed {
			recorder.completed = completed
			recorder.lastCompletedDay.Set(completed)
		}
	}
}

// Registry exposes the registry for scraping or tests.
func (recorder *Recorder) Registry() *prometheus.Registry {
	return recorder.registry
}

// WriteTextfile writes the current series in the node exporter textfile format.
func (recorder *Recorder) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, recorder.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
