package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelOptions configures NewOTel.
type OTelOptions struct {
	MeterProvider          metric.MeterProvider
	Meter                  metric.Meter
	InstrumentationName    string
	InstrumentationVersion string
}

// OTel implements Hook using OpenTelemetry counter instruments.
type OTel struct {
	meter             metric.Meter
	dispatcherStarted metric.Int64Counter
	dispatcherStopped metric.Int64Counter
	dispatcherCQError metric.Int64Counter
	sendCompleted     metric.Int64Counter
	sendFailed        metric.Int64Counter
	receiveCompleted  metric.Int64Counter
	receiveFailed     metric.Int64Counter
	connStateChanged  metric.Int64Counter
	ctBumped          metric.Int64Counter
}

var _ Hook = (*OTel)(nil)

// NewOTel constructs a Hook that emits OpenTelemetry counter measurements.
func NewOTel(opts OTelOptions) (*OTel, error) {
	meter := opts.Meter
	if meter == nil {
		provider := opts.MeterProvider
		if provider == nil {
			provider = otel.GetMeterProvider()
		}
		name := opts.InstrumentationName
		if name == "" {
			name = "github.com/musleh123/portals4"
		}
		meter = provider.Meter(name, metric.WithInstrumentationVersion(opts.InstrumentationVersion))
	}

	counters := make(map[string]metric.Int64Counter, 9)
	for _, spec := range []struct{ key, name string }{
		{"dispatcherStarted", "ptl.dispatcher.started"},
		{"dispatcherStopped", "ptl.dispatcher.stopped"},
		{"dispatcherCQError", "ptl.dispatcher.cq_errors"},
		{"sendCompleted", "ptl.send.completed"},
		{"sendFailed", "ptl.send.failed"},
		{"receiveCompleted", "ptl.receive.completed"},
		{"receiveFailed", "ptl.receive.failed"},
		{"connStateChanged", "ptl.conn.state_changed"},
		{"ctBumped", "ptl.ct.bumped"},
	} {
		c, err := meter.Int64Counter(spec.name)
		if err != nil {
			return nil, err
		}
		counters[spec.key] = c
	}

	return &OTel{
		meter:             meter,
		dispatcherStarted: counters["dispatcherStarted"],
		dispatcherStopped: counters["dispatcherStopped"],
		dispatcherCQError: counters["dispatcherCQError"],
		sendCompleted:     counters["sendCompleted"],
		sendFailed:        counters["sendFailed"],
		receiveCompleted:  counters["receiveCompleted"],
		receiveFailed:     counters["receiveFailed"],
		connStateChanged:  counters["connStateChanged"],
		ctBumped:          counters["ctBumped"],
	}, nil
}

func (o *OTel) DispatcherStarted(attrs map[string]string) {
	o.dispatcherStarted.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

func (o *OTel) DispatcherStopped(attrs map[string]string) {
	o.dispatcherStopped.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

func (o *OTel) DispatcherCQError(kind string, _ error, attrs map[string]string) {
	attributes := append(otelAttrs(attrs), attribute.String(LabelKind, kind))
	o.dispatcherCQError.Add(context.Background(), 1, metric.WithAttributes(attributes...))
}

func (o *OTel) SendCompleted(attrs map[string]string) {
	o.sendCompleted.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

func (o *OTel) SendFailed(_ error, attrs map[string]string) {
	o.sendFailed.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

func (o *OTel) ReceiveCompleted(attrs map[string]string) {
	o.receiveCompleted.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

func (o *OTel) ReceiveFailed(_ error, attrs map[string]string) {
	o.receiveFailed.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

func (o *OTel) ConnStateChanged(from, to string, attrs map[string]string) {
	attributes := append(otelAttrs(attrs), attribute.String("from", from), attribute.String("to", to))
	o.connStateChanged.Add(context.Background(), 1, metric.WithAttributes(attributes...))
}

func (o *OTel) CTBumped(success, failure bool, attrs map[string]string) {
	outcome := "success"
	if failure {
		outcome = "failure"
	}
	attributes := append(otelAttrs(attrs), attribute.String("outcome", outcome))
	o.ctBumped.Add(context.Background(), 1, metric.WithAttributes(attributes...))
}

func otelAttrs(attrs map[string]string) []attribute.KeyValue {
	kvs := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		if v == "" {
			continue
		}
		kvs = append(kvs, attribute.String(k, v))
	}
	return kvs
}
