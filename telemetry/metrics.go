package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/alepar/aqnotify/airquality"
)

// Metrics exported to Prometheus. A nil *Metrics records nothing.
type Metrics struct {
	co2           prometheus.Gauge
	voc           prometheus.Gauge
	voltage       prometheus.Gauge
	current       prometheus.Gauge
	samples       *prometheus.CounterVec
	events        *prometheus.CounterVec
	notifications prometheus.Counter
	subscribers   prometheus.Gauge
	accessErrors  *prometheus.CounterVec
	pollUp        prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		co2:     newGauge("air_co2_level", "Air Carbon Dioxide level (units: ppm)"),
		voc:     newGauge("air_voc_level", "Air Volatile Organic Compounds level (units: ppb)"),
		voltage: newGauge("air_supply_voltage_volts", "Sensor supply voltage (units: V)"),
		current: newGauge("air_supply_current_amperes", "Sensor supply current (units: A)"),
		samples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aqnotify_samples_total",
			Help: "Poll cycles by outcome.",
		}, []string{"result"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aqnotify_sample_events_total",
			Help: "Status conditions flagged on otherwise successful samples.",
		}, []string{"event"}),
		notifications: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aqnotify_notifications_total",
			Help: "Notification rounds pushed to subscribed peers.",
		}),
		subscribers: newGauge("aqnotify_subscribers", "Peers currently subscribed to notifications."),
		accessErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aqnotify_access_errors_total",
			Help: "Rejected buffer reads and writes.",
		}, []string{"op"}),
		pollUp: newGauge("aqnotify_poll_up", "1 while the poll loop is running, 0 after a fatal sensor failure."),
	}
	reg.MustRegister(m.co2, m.voc, m.voltage, m.current, m.samples, m.events,
		m.notifications, m.subscribers, m.accessErrors, m.pollUp)
	return m
}

func newGauge(name string, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Name: name,
		Help: help,
	})
}

func (m *Metrics) observeSample(s airquality.Sample) {
	if m == nil {
		return
	}
	m.samples.WithLabelValues("ok").Inc()
	m.co2.Set(float64(s.CO2))
	m.voc.Set(float64(s.TVOC))
	m.voltage.Set(float64(s.Supply.Voltage) / 1e9)
	m.current.Set(float64(s.Supply.Current) / 1e9)
}

func (m *Metrics) observeFailure(kind airquality.ErrorKind) {
	if m == nil {
		return
	}
	m.samples.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) observeEvent(event string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(event).Inc()
}

func (m *Metrics) observeNotify() {
	if m == nil {
		return
	}
	m.notifications.Inc()
}

func (m *Metrics) setSubscribers(n int) {
	if m == nil {
		return
	}
	m.subscribers.Set(float64(n))
}

func (m *Metrics) observeAccessError(op string) {
	if m == nil {
		return
	}
	m.accessErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) setPollUp(up bool) {
	if m == nil {
		return
	}
	if up {
		m.pollUp.Set(1)
	} else {
		m.pollUp.Set(0)
	}
}
