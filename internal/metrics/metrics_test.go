package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/DataDog/datadog-go/v5/statsd"

	"github.com/meow-stack/toolflow/internal/config"
)

type recordedMetric struct {
	kind  string
	name  string
	tags  []string
	value float64
}

// fakeClient records calls; everything else falls through to NoOpClient.
type fakeClient struct {
	statsd.NoOpClient
	mu      sync.Mutex
	metrics []recordedMetric
}

func (f *fakeClient) Incr(name string, tags []string, _ float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metrics = append(f.metrics, recordedMetric{kind: "incr", name: name, tags: tags, value: 1})
	return nil
}

func (f *fakeClient) Timing(name string, value time.Duration, tags []string, _ float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metrics = append(f.metrics, recordedMetric{kind: "timing", name: name, tags: tags, value: float64(value)})
	return nil
}

func (f *fakeClient) Gauge(name string, value float64, tags []string, _ float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metrics = append(f.metrics, recordedMetric{kind: "gauge", name: name, tags: tags, value: value})
	return nil
}

func TestRecorder(t *testing.T) {
	fake := &fakeClient{}
	r := NewWithClient(fake, nil)

	r.Incr(ServerStart, Tag(TagServer, "evidence"))
	r.Timing(RPCCallLatency, 250*time.Millisecond, Tag(TagMethod, "tools/call"))
	r.Gauge(ExecutionsLive, 3)
	r.TimingSince(ExecutionTime, time.Now().Add(-time.Second))

	if len(fake.metrics) != 4 {
		t.Fatalf("recorded %d metrics, want 4", len(fake.metrics))
	}
	if m := fake.metrics[0]; m.kind != "incr" || m.name != ServerStart || m.tags[0] != "server:evidence" {
		t.Errorf("incr = %+v", m)
	}
	if m := fake.metrics[1]; m.kind != "timing" || m.value != float64(250*time.Millisecond) {
		t.Errorf("timing = %+v", m)
	}
	if m := fake.metrics[2]; m.kind != "gauge" || m.value != 3 {
		t.Errorf("gauge = %+v", m)
	}
	if m := fake.metrics[3]; m.value < float64(time.Second) {
		t.Errorf("TimingSince value = %v, want >= 1s", time.Duration(m.value))
	}
}

func TestRecorder_Nil(t *testing.T) {
	var r *Recorder
	r.Incr(ServerCrash)
	r.Timing(RPCCallLatency, time.Second)
	r.Gauge(ExecutionsLive, 1)
	if err := r.Close(); err != nil {
		t.Errorf("Close() on nil recorder = %v", err)
	}
}

func TestNew_Disabled(t *testing.T) {
	r, err := New(config.MetricsConfig{Enabled: false}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, ok := r.client.(*statsd.NoOpClient); !ok {
		t.Errorf("disabled metrics should use NoOpClient, got %T", r.client)
	}
	r.Incr(ServerStart)
	if err := r.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestNew_Enabled(t *testing.T) {
	// statsd over UDP does not need a listening agent.
	r, err := New(config.MetricsConfig{Enabled: true, Address: "127.0.0.1:8125", Tags: []string{"env:test"}}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	r.Incr(ExecutionCount, Tag(TagStatus, "completed"))
	if err := r.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}
