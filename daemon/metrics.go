package daemon

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/the-lightning-land/fwloadd/updater"
)

// metrics tracks finished updates and samples the live state of every
// registered session on scrape.
type metrics struct {
	registry *updater.Registry

	updates  *prometheus.CounterVec
	duration *prometheus.HistogramVec
	bytes    *prometheus.CounterVec

	progressDesc  *prometheus.Desc
	remainingDesc *prometheus.Desc
}

func newMetrics(registry *updater.Registry) *metrics {
	return &metrics{
		registry: registry,
		updates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fwload_updates_total",
				Help: "Finished updates by device and result",
			},
			[]string{"device", "result"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fwload_update_duration_seconds",
				Help:    "Duration of finished updates",
				Buckets: prometheus.ExponentialBuckets(1, 2, 13),
			},
			[]string{"device"},
		),
		bytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fwload_update_bytes_total",
				Help: "Bytes of successfully written images",
			},
			[]string{"device"},
		),
		progressDesc: prometheus.NewDesc(
			"fwload_device_progress",
			"Current phase of the device, 0 is idle",
			[]string{"device"}, nil,
		),
		remainingDesc: prometheus.NewDesc(
			"fwload_device_remaining_bytes",
			"Bytes left to write in the current or last update",
			[]string{"device"}, nil,
		),
	}
}

func (m *metrics) register(r prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.updates, m.duration, m.bytes, m} {
		if err := r.Register(c); err != nil {
			return err
		}
	}

	return nil
}

// observe records a finished update.
func (m *metrics) observe(event *updater.Event) {
	result := "success"
	if event.ErrorCode != updater.ErrNone {
		result = event.ErrorCode.String()
	}

	m.updates.WithLabelValues(event.Session, result).Inc()

	if event.Update == nil {
		return
	}

	m.duration.WithLabelValues(event.Session).Observe(event.Update.Finished.Sub(event.Update.Started).Seconds())

	if event.ErrorCode == updater.ErrNone {
		m.bytes.WithLabelValues(event.Session).Add(float64(event.Update.Size))
	}
}

func (m *metrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.progressDesc
	ch <- m.remainingDesc
}

func (m *metrics) Collect(ch chan<- prometheus.Metric) {
	for _, s := range m.registry.Sessions() {
		status := s.Status()

		ch <- prometheus.MustNewConstMetric(m.progressDesc, prometheus.GaugeValue,
			float64(status.Progress), s.Name())
		ch <- prometheus.MustNewConstMetric(m.remainingDesc, prometheus.GaugeValue,
			float64(status.RemainingSize), s.Name())
	}
}
