// Package metrics defines the telemetry hook the progress loop and
// connection manager report through, with Prometheus and OpenTelemetry
// implementations. Grounded on client.MetricHook's interface and its two
// backends (client/metrics_prometheus.go, client/metrics_otel.go),
// retargeted from libfabric send/receive completions to the engine's
// dispatcher/connection/CT events.
package metrics

// Label keys shared by every MetricHook implementation's attrs map.
const (
	LabelNIType    = "ni_type"
	LabelTransport = "transport"
	LabelPeer      = "peer"
	LabelOperation = "operation"
	LabelStatus    = "status"
	LabelKind      = "kind"
)

// Hook captures dispatcher and connection-manager telemetry, the
// engine's analogue of client.MetricHook.
type Hook interface {
	DispatcherStarted(attrs map[string]string)
	DispatcherStopped(attrs map[string]string)
	DispatcherCQError(kind string, err error, attrs map[string]string)
	SendCompleted(attrs map[string]string)
	SendFailed(err error, attrs map[string]string)
	ReceiveCompleted(attrs map[string]string)
	ReceiveFailed(err error, attrs map[string]string)
	ConnStateChanged(from, to string, attrs map[string]string)
	CTBumped(success, failure bool, attrs map[string]string)
}

// Nop discards every call, for tests and callers that did not
// configure a Hook.
type Nop struct{}

var _ Hook = Nop{}

func (Nop) DispatcherStarted(map[string]string)                {}
func (Nop) DispatcherStopped(map[string]string)                {}
func (Nop) DispatcherCQError(string, error, map[string]string)  {}
func (Nop) SendCompleted(map[string]string)                    {}
func (Nop) SendFailed(error, map[string]string)                {}
func (Nop) ReceiveCompleted(map[string]string)                 {}
func (Nop) ReceiveFailed(error, map[string]string)              {}
func (Nop) ConnStateChanged(string, string, map[string]string)  {}
func (Nop) CTBumped(bool, bool, map[string]string)              {}
