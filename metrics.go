package stubindex

import "github.com/prometheus/client_golang/prometheus"

var (
	DiffsComputed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stubindex",
		Subsystem: "diff",
		Name:      "computed",
	}, []string{"result"})

	HashCollisions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "stubindex",
		Subsystem: "diff",
		Name:      "hash_collisions",
	})

	UpdateSections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "stubindex",
		Subsystem: "diff",
		Name:      "open_update_sections",
	})
)

func (i *Index) Metrics() []prometheus.Collector {
	return append([]prometheus.Collector{
		DiffsComputed,
		HashCollisions,
		UpdateSections,
		i.collector,
	}, i.rebuild.Metrics()...)
}
