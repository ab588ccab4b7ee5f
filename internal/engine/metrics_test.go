package engine

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/seantiz/modelrun/internal/model"
)

func gatherFamily(t *testing.T, name string) *dto.MetricFamily {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, fam := range families {
		if fam.GetName() == name {
			return fam
		}
	}
	return nil
}

func TestMetricsRegistered(t *testing.T) {
	// Vec metrics only show up once a series exists.
	runDuration.WithLabelValues(model.ModeSerial).Observe(0.5)

	expected := []string{
		"modelrun_runs_total",
		"modelrun_run_duration_seconds",
		"modelrun_batch_duration_seconds",
		"modelrun_samples_evaluated_total",
		"modelrun_active_workers",
		"modelrun_log_lines_dropped_total",
	}
	for _, name := range expected {
		if gatherFamily(t, name) == nil {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestRunsTotalPreinitialized(t *testing.T) {
	fam := gatherFamily(t, "modelrun_runs_total")
	if fam == nil {
		t.Fatal("runs_total metric family not found")
	}
	if len(fam.GetMetric()) < 4 {
		t.Errorf("expected at least 4 series (2 modes x 2 statuses), got %d", len(fam.GetMetric()))
	}
}

func TestActiveWorkersGauge(t *testing.T) {
	activeWorkers.Set(0)
	activeWorkers.Inc()
	activeWorkers.Inc()
	activeWorkers.Dec()

	fam := gatherFamily(t, "modelrun_active_workers")
	if fam == nil || len(fam.GetMetric()) == 0 {
		t.Fatal("active_workers gauge not found")
	}
	if v := fam.GetMetric()[0].GetGauge().GetValue(); v != 1 {
		t.Errorf("active_workers = %f, want 1", v)
	}
	activeWorkers.Set(0)
}

func TestSlowSubscriberDropsAreCounted(t *testing.T) {
	counterValue := func() float64 {
		fam := gatherFamily(t, "modelrun_log_lines_dropped_total")
		if fam == nil || len(fam.GetMetric()) == 0 {
			t.Fatal("log_lines_dropped_total not found")
		}
		return fam.GetMetric()[0].GetCounter().GetValue()
	}
	before := counterValue()

	b := NewLogBroker()
	_, unsub := b.Subscribe("run-1")
	defer unsub()
	for i := 0; i < subscriberBufferSize+10; i++ {
		b.Publish("run-1", "line")
	}

	if got := counterValue() - before; got != 10 {
		t.Errorf("dropped lines counted = %f, want 10", got)
	}
}
