package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"opticbrake/internal/evo"
)

const namespace = "opticbrake"

// Collector exposes GA progress as Prometheus metrics on its own registry. It
// implements evo.Reporter.
type Collector struct {
	runID    string
	registry *prometheus.Registry

	tournaments *prometheus.GaugeVec
	generations *prometheus.GaugeVec
	best        *prometheus.GaugeVec
	mean        *prometheus.GaugeVec
	median      *prometheus.GaugeVec
	stdDev      *prometheus.GaugeVec
	diversity   *prometheus.GaugeVec
	samples     *prometheus.CounterVec
	checkpoints *prometheus.CounterVec
}

func NewCollector(runID string) *Collector {
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help}, []string{"run_id"})
	}
	counter := func(name, help string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, []string{"run_id"})
	}

	c := &Collector{
		runID:       runID,
		registry:    prometheus.NewRegistry(),
		tournaments: gauge("tournaments", "Tournaments run so far."),
		generations: gauge("generations", "Fractional generations run so far."),
		best:        gauge("best_fitness", "Best fitness at the latest sample."),
		mean:        gauge("mean_fitness", "Mean fitness at the latest sample."),
		median:      gauge("median_fitness", "Median fitness at the latest sample."),
		stdDev:      gauge("fitness_std_dev", "Population standard deviation of fitness at the latest sample."),
		diversity:   gauge("gene_diversity", "Mean per-gene standard deviation at the latest sample."),
		samples:     counter("samples_total", "Statistics samples taken."),
		checkpoints: counter("checkpoints_total", "Snapshots persisted."),
	}
	c.registry.MustRegister(
		c.tournaments, c.generations, c.best, c.mean, c.median, c.stdDev, c.diversity, c.samples, c.checkpoints,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

func (c *Collector) Report(p evo.Progress) {
	c.tournaments.WithLabelValues(c.runID).Set(float64(p.Tournaments))
	c.generations.WithLabelValues(c.runID).Set(p.Generations)
	c.best.WithLabelValues(c.runID).Set(p.Stats.Best)
	c.mean.WithLabelValues(c.runID).Set(p.Stats.Mean)
	c.median.WithLabelValues(c.runID).Set(p.Stats.Median)
	c.stdDev.WithLabelValues(c.runID).Set(p.Stats.StdDev)
	c.diversity.WithLabelValues(c.runID).Set(p.Stats.Diversity)
	c.samples.WithLabelValues(c.runID).Inc()
	if p.Checkpoint {
		c.checkpoints.WithLabelValues(c.runID).Inc()
	}
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Serve exposes /metrics on addr until ctx is done.
func (c *Collector) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
