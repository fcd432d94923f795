package observers

import (
	"context"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/harunnryd/japa/pkg/metrics"
)

const meterName = "github.com/harunnryd/japa"

// OTelObserver maps metrics events onto OpenTelemetry instruments.
type OTelObserver struct {
	counters   map[string]metric.Int64Counter
	histograms map[string]metric.Int64Histogram
	active     metric.Int64UpDownCounter

	mu   sync.Mutex
	live map[string]bool
}

// NewOTelObserver registers japa instruments on mp.
func NewOTelObserver(mp metric.MeterProvider) (*OTelObserver, error) {
	m := mp.Meter(meterName)
	o := &OTelObserver{
		counters:   make(map[string]metric.Int64Counter),
		histograms: make(map[string]metric.Int64Histogram),
		live:       make(map[string]bool),
	}

	counters := []struct {
		event, name, desc string
	}{
		{metrics.NameSessionStarted, "japa.sessions.started", "Listening sessions started by the user."},
		{metrics.NameOccurrences, "japa.occurrences", "Target word occurrences counted."},
		{metrics.NameShrink, "japa.transcript.shrinks", "Provider revisions that shortened the transcript."},
		{metrics.NameStopCommand, "japa.stop_commands", "Spoken stop commands detected."},
		{metrics.NameProviderError, "japa.provider.errors", "Recognizer errors by code."},
		{metrics.NameRestartScheduled, "japa.restarts.scheduled", "Automatic restarts scheduled by cause."},
		{metrics.NameRestartFailed, "japa.restarts.failed", "Automatic restarts that could not start the recognizer."},
		{metrics.NameEventIgnored, "japa.events.ignored", "Recognizer callbacks ignored outside an active attempt."},
	}
	for _, c := range counters {
		ctr, err := m.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
		o.counters[c.event] = ctr
	}

	histograms := []struct {
		event, name, desc string
	}{
		{metrics.NameSegmentChars, "japa.transcript.segment_chars", "Characters in each newly seen transcript segment."},
		{metrics.NameRevisionChars, "japa.transcript.revision_chars", "Already shown characters rewritten by a revision."},
	}
	for _, h := range histograms {
		hist, err := m.Int64Histogram(h.name, metric.WithDescription(h.desc), metric.WithUnit("{char}"))
		if err != nil {
			return nil, err
		}
		o.histograms[h.event] = hist
	}

	var err error
	if o.active, err = m.Int64UpDownCounter("japa.sessions.active",
		metric.WithDescription("Sessions currently between start and end."),
	); err != nil {
		return nil, err
	}
	return o, nil
}

// RecordEvent implements metrics.Observer.
func (o *OTelObserver) RecordEvent(ev metrics.MetricsEvent) {
	ctx := context.Background()
	attrs := metric.WithAttributes(attributesFor(ev.Tags)...)

	switch ev.Name {
	case metrics.NameSessionStarted:
		o.track(ctx, ev.Tags[metrics.TagSessionID], true)
	case metrics.NameSessionEnded:
		o.track(ctx, ev.Tags[metrics.TagSessionID], false)
		return
	}
	if c, ok := o.counters[ev.Name]; ok {
		n := int64(ev.Value)
		if n <= 0 {
			n = 1
		}
		c.Add(ctx, n, attrs)
		return
	}
	if h, ok := o.histograms[ev.Name]; ok {
		h.Record(ctx, int64(ev.Value), attrs)
	}
}

func (o *OTelObserver) track(ctx context.Context, id string, started bool) {
	if id == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	switch {
	case started && !o.live[id]:
		o.live[id] = true
		o.active.Add(ctx, 1)
	case !started && o.live[id]:
		delete(o.live, id)
		o.active.Add(ctx, -1)
	}
}

// session ids are high cardinality and stay out of metric attributes.
func attributesFor(tags map[string]string) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(tags))
	for k, v := range tags {
		if k == metrics.TagSessionID || v == "" {
			continue
		}
		out = append(out, attribute.String(k, v))
	}
	return out
}

// NewPrometheusMeterProvider builds a meter provider backed by the
// Prometheus exporter and returns the scrape handler alongside it. Each call
// uses its own registry.
func NewPrometheusMeterProvider() (*sdkmetric.MeterProvider, http.Handler, error) {
	reg := prometheus.NewRegistry()
	exp, err := promexporter.New(promexporter.WithRegisterer(reg))
	if err != nil {
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exp))
	return mp, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil
}

var _ metrics.Observer = (*OTelObserver)(nil)
