package archive

import "github.com/prometheus/client_golang/prometheus"

const metricsNamespace = "archivecache"

const (
	lookupPending = "pending"
	lookupDisk    = "disk"
	lookupMiss    = "miss"
)

// Counters are the operational counters shared by every cache built from
// the same Config. A nil *Counters records nothing.
type Counters struct {
	commits         prometheus.Counter
	flushes         prometheus.Counter
	flushErrors     prometheus.Counter
	flushedBytes    prometheus.Counter
	lookups         *prometheus.CounterVec
	callbackPanics  prometheus.Counter
	directoryResets prometheus.Counter
}

// NewCounters creates the counters and registers them with reg when it is
// not nil.
func NewCounters(reg prometheus.Registerer) *Counters {
	c := &Counters{
		commits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "commits_total",
			Help:      "Payloads committed to the pending buffer.",
		}),
		flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "flushes_total",
			Help:      "Flushes that made pending entries durable.",
		}),
		flushErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "flush_errors_total",
			Help:      "Flushes that failed and left entries pending.",
		}),
		flushedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "flushed_bytes_total",
			Help:      "Payload bytes written to data files.",
		}),
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "lookups_total",
			Help:      "TryOpenFromCache calls by where the key resolved.",
		}, []string{"result"}),
		callbackPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "callback_panics_total",
			Help:      "Flush callbacks that panicked.",
		}),
		directoryResets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "directory_resets_total",
			Help:      "Unreadable directories discarded during flush.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			c.commits,
			c.flushes,
			c.flushErrors,
			c.flushedBytes,
			c.lookups,
			c.callbackPanics,
			c.directoryResets,
		)
	}

	return c
}

func (c *Counters) commit() {
	if c != nil {
		c.commits.Inc()
	}
}

func (c *Counters) flush(bytes int64) {
	if c != nil {
		c.flushes.Inc()
		c.flushedBytes.Add(float64(bytes))
	}
}

func (c *Counters) flushError() {
	if c != nil {
		c.flushErrors.Inc()
	}
}

func (c *Counters) lookup(result string) {
	if c != nil {
		c.lookups.WithLabelValues(result).Inc()
	}
}

func (c *Counters) callbackPanic() {
	if c != nil {
		c.callbackPanics.Inc()
	}
}

func (c *Counters) directoryReset() {
	if c != nil {
		c.directoryResets.Inc()
	}
}
