package metrics

import "github.com/prometheus/client_golang/prometheus"

// PrometheusOptions configures NewPrometheus.
type PrometheusOptions struct {
	Registerer  prometheus.Registerer
	Namespace   string
	Subsystem   string
	ConstLabels prometheus.Labels
}

// Prometheus implements Hook using Prometheus counters.
type Prometheus struct {
	dispatcherStarted *prometheus.CounterVec
	dispatcherStopped *prometheus.CounterVec
	dispatcherCQError *prometheus.CounterVec
	sendCompleted     *prometheus.CounterVec
	sendFailed        *prometheus.CounterVec
	receiveCompleted  *prometheus.CounterVec
	receiveFailed     *prometheus.CounterVec
	connStateChanged  *prometheus.CounterVec
	ctBumped          *prometheus.CounterVec
}

var _ Hook = (*Prometheus)(nil)

var (
	dispatcherLabelKeys = []string{LabelNIType, LabelTransport}
	cqErrorLabelKeys    = []string{LabelNIType, LabelTransport, LabelKind}
	completionLabelKeys = []string{LabelNIType, LabelTransport, LabelOperation, LabelStatus}
	failureLabelKeys    = []string{LabelNIType, LabelTransport, LabelOperation}
	connLabelKeys       = []string{LabelNIType, LabelPeer, "from", "to"}
	ctLabelKeys         = []string{LabelNIType, "outcome"}
)

// NewPrometheus constructs a Hook backed by Prometheus counters.
func NewPrometheus(opts PrometheusOptions) (*Prometheus, error) {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	p := &Prometheus{
		dispatcherStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: opts.Namespace, Subsystem: opts.Subsystem,
			Name: "ptl_dispatcher_started_total", Help: "Progress-loop starts",
			ConstLabels: opts.ConstLabels,
		}, dispatcherLabelKeys),
		dispatcherStopped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: opts.Namespace, Subsystem: opts.Subsystem,
			Name: "ptl_dispatcher_stopped_total", Help: "Progress-loop exits",
			ConstLabels: opts.ConstLabels,
		}, dispatcherLabelKeys),
		dispatcherCQError: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: opts.Namespace, Subsystem: opts.Subsystem,
			Name: "ptl_dispatcher_cq_errors_total", Help: "Completion-queue read errors",
			ConstLabels: opts.ConstLabels,
		}, cqErrorLabelKeys),
		sendCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: opts.Namespace, Subsystem: opts.Subsystem,
			Name: "ptl_send_completed_total", Help: "Successful send completions",
			ConstLabels: opts.ConstLabels,
		}, completionLabelKeys),
		sendFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: opts.Namespace, Subsystem: opts.Subsystem,
			Name: "ptl_send_failed_total", Help: "Errored send completions",
			ConstLabels: opts.ConstLabels,
		}, failureLabelKeys),
		receiveCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: opts.Namespace, Subsystem: opts.Subsystem,
			Name: "ptl_receive_completed_total", Help: "Successful receive completions",
			ConstLabels: opts.ConstLabels,
		}, completionLabelKeys),
		receiveFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: opts.Namespace, Subsystem: opts.Subsystem,
			Name: "ptl_receive_failed_total", Help: "Errored receive completions",
			ConstLabels: opts.ConstLabels,
		}, failureLabelKeys),
		connStateChanged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: opts.Namespace, Subsystem: opts.Subsystem,
			Name: "ptl_conn_state_changed_total", Help: "Connection state machine transitions",
			ConstLabels: opts.ConstLabels,
		}, connLabelKeys),
		ctBumped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: opts.Namespace, Subsystem: opts.Subsystem,
			Name: "ptl_ct_bumped_total", Help: "Counting event increments",
			ConstLabels: opts.ConstLabels,
		}, ctLabelKeys),
	}

	var err error
	for _, step := range []func() error{
		func() (e error) { p.dispatcherStarted, e = registerCounterVec(reg, p.dispatcherStarted); return },
		func() (e error) { p.dispatcherStopped, e = registerCounterVec(reg, p.dispatcherStopped); return },
		func() (e error) { p.dispatcherCQError, e = registerCounterVec(reg, p.dispatcherCQError); return },
		func() (e error) { p.sendCompleted, e = registerCounterVec(reg, p.sendCompleted); return },
		func() (e error) { p.sendFailed, e = registerCounterVec(reg, p.sendFailed); return },
		func() (e error) { p.receiveCompleted, e = registerCounterVec(reg, p.receiveCompleted); return },
		func() (e error) { p.receiveFailed, e = registerCounterVec(reg, p.receiveFailed); return },
		func() (e error) { p.connStateChanged, e = registerCounterVec(reg, p.connStateChanged); return },
		func() (e error) { p.ctBumped, e = registerCounterVec(reg, p.ctBumped); return },
	} {
		if err = step(); err != nil {
			return nil, err
		}
	}

	return p, nil
}

func (p *Prometheus) DispatcherStarted(attrs map[string]string) {
	p.dispatcherStarted.With(labels(attrs, dispatcherLabelKeys...)).Inc()
}

func (p *Prometheus) DispatcherStopped(attrs map[string]string) {
	p.dispatcherStopped.With(labels(attrs, dispatcherLabelKeys...)).Inc()
}

func (p *Prometheus) DispatcherCQError(kind string, _ error, attrs map[string]string) {
	labs := labels(attrs, cqErrorLabelKeys...)
	labs[LabelKind] = kind
	p.dispatcherCQError.With(labs).Inc()
}

func (p *Prometheus) SendCompleted(attrs map[string]string) {
	p.sendCompleted.With(labels(attrs, completionLabelKeys...)).Inc()
}

func (p *Prometheus) SendFailed(_ error, attrs map[string]string) {
	p.sendFailed.With(labels(attrs, failureLabelKeys...)).Inc()
}

func (p *Prometheus) ReceiveCompleted(attrs map[string]string) {
	p.receiveCompleted.With(labels(attrs, completionLabelKeys...)).Inc()
}

func (p *Prometheus) ReceiveFailed(_ error, attrs map[string]string) {
	p.receiveFailed.With(labels(attrs, failureLabelKeys...)).Inc()
}

func (p *Prometheus) ConnStateChanged(from, to string, attrs map[string]string) {
	labs := labels(attrs, connLabelKeys...)
	labs["from"] = from
	labs["to"] = to
	p.connStateChanged.With(labs).Inc()
}

func (p *Prometheus) CTBumped(success, failure bool, attrs map[string]string) {
	labs := labels(attrs, ctLabelKeys...)
	if failure {
		labs["outcome"] = "failure"
	} else if success {
		labs["outcome"] = "success"
	}
	p.ctBumped.With(labs).Inc()
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return vec, nil
}

func labels(attrs map[string]string, keys ...string) prometheus.Labels {
	labs := make(prometheus.Labels, len(keys))
	for _, key := range keys {
		labs[key] = attrs[key]
	}
	return labs
}
