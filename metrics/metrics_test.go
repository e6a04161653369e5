package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNopSatisfiesHookWithoutPanicking(t *testing.T) {
	var h Hook = Nop{}
	h.DispatcherStarted(nil)
	h.DispatcherCQError("drop", errors.New("boom"), nil)
	h.SendFailed(errors.New("boom"), nil)
	h.ConnStateChanged("CONNECTING", "CONNECTED", nil)
	h.CTBumped(true, false, nil)
}

func TestPrometheusRegistersAndCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	p, err := NewPrometheus(PrometheusOptions{Registerer: reg, Namespace: "test"})
	if err != nil {
		t.Fatalf("NewPrometheus: %v", err)
	}

	attrs := map[string]string{LabelNIType: "matching_logical", LabelTransport: "shmem"}
	p.DispatcherStarted(attrs)
	p.SendCompleted(map[string]string{LabelNIType: "matching_logical", LabelTransport: "shmem", LabelOperation: "put", LabelStatus: "ok"})
	p.ConnStateChanged("DISCONNECTED", "CONNECTING", map[string]string{LabelNIType: "matching_logical", LabelPeer: "1"})

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatalf("expected at least one registered metric family after recording events")
	}
}

func TestPrometheusReuseOnDoubleRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := NewPrometheus(PrometheusOptions{Registerer: reg}); err != nil {
		t.Fatalf("first NewPrometheus: %v", err)
	}
	if _, err := NewPrometheus(PrometheusOptions{Registerer: reg}); err != nil {
		t.Fatalf("second NewPrometheus against the same registry should reuse existing collectors: %v", err)
	}
}
