package indexes

import (
	"github.com/cockroachdb/pebble"
	"github.com/prometheus/client_golang/prometheus"
)

// Status is the registry state exported next to the storage metrics.
type Status struct {
	Corrupted bool
	Epoch     string
	Kinds     int
}

type pebbleMetric struct {
	desc  *prometheus.Desc
	kind  prometheus.ValueType
	value func(m *pebble.Metrics) float64
}

func pebbleDesc(name, help string, kind prometheus.ValueType, value func(m *pebble.Metrics) float64) pebbleMetric {
	return pebbleMetric{prometheus.NewDesc(name, help, []string{"db"}, nil), kind, value}
}

// Collector exports pebble compaction, memtable and WAL metrics of the
// index database, plus the registry status.
type Collector struct {
	dbs    map[string]*pebble.DB
	status func() Status

	pebble    []pebbleMetric
	corrupted *prometheus.Desc
	epoch     *prometheus.Desc
	kinds     *prometheus.Desc
}

// NewCollector labels each database by its map key.
func NewCollector(dbs map[string]*pebble.DB, status func() Status) *Collector {
	metrics := []pebbleMetric{
		pebbleDesc("stubindex_pebble_compaction_count_total", "Total number of compactions performed", prometheus.CounterValue,
			func(m *pebble.Metrics) float64 { return float64(m.Compact.Count) }),
		pebbleDesc("stubindex_pebble_compaction_read_total", "Total number of read compactions performed", prometheus.CounterValue,
			func(m *pebble.Metrics) float64 { return float64(m.Compact.ReadCount) }),
		pebbleDesc("stubindex_pebble_compaction_estimated_debt_bytes", "Estimated bytes to compact for LSM to reach a stable state", prometheus.GaugeValue,
			func(m *pebble.Metrics) float64 { return float64(m.Compact.EstimatedDebt) }),
		pebbleDesc("stubindex_pebble_compaction_in_progress_bytes", "Bytes in sstables being written by in-progress compactions", prometheus.GaugeValue,
			func(m *pebble.Metrics) float64 { return float64(m.Compact.InProgressBytes) }),
		pebbleDesc("stubindex_pebble_memtable_size_bytes", "Current size of the memtable in bytes", prometheus.GaugeValue,
			func(m *pebble.Metrics) float64 { return float64(m.MemTable.Size) }),
		pebbleDesc("stubindex_pebble_memtable_count", "Current count of memtables", prometheus.GaugeValue,
			func(m *pebble.Metrics) float64 { return float64(m.MemTable.Count) }),
		pebbleDesc("stubindex_pebble_wal_files", "Number of live WAL files", prometheus.GaugeValue,
			func(m *pebble.Metrics) float64 { return float64(m.WAL.Files) }),
		pebbleDesc("stubindex_pebble_wal_size_bytes", "Size of the live WAL data", prometheus.GaugeValue,
			func(m *pebble.Metrics) float64 { return float64(m.WAL.Size) }),
		pebbleDesc("stubindex_pebble_wal_bytes_written_total", "Physical bytes written to the WAL", prometheus.CounterValue,
			func(m *pebble.Metrics) float64 { return float64(m.WAL.BytesWritten) }),
	}
	return &Collector{
		dbs:       dbs,
		status:    status,
		pebble:    metrics,
		corrupted: prometheus.NewDesc("stubindex_registry_corrupted", "1 while the serializer registry is corrupted", nil, nil),
		epoch:     prometheus.NewDesc("stubindex_registry_epoch_info", "Current registry epoch", []string{"epoch"}, nil),
		kinds:     prometheus.NewDesc("stubindex_registry_kinds", "Registered stub kinds", nil, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.pebble {
		ch <- m.desc
	}
	ch <- c.corrupted
	ch <- c.epoch
	ch <- c.kinds
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for name, db := range c.dbs {
		metrics := db.Metrics()
		for _, m := range c.pebble {
			ch <- prometheus.MustNewConstMetric(m.desc, m.kind, m.value(metrics), name)
		}
	}
	if c.status == nil {
		return
	}
	st := c.status()
	corrupted := 0.0
	if st.Corrupted {
		corrupted = 1
	}
	ch <- prometheus.MustNewConstMetric(c.corrupted, prometheus.GaugeValue, corrupted)
	ch <- prometheus.MustNewConstMetric(c.epoch, prometheus.GaugeValue, 1, st.Epoch)
	ch <- prometheus.MustNewConstMetric(c.kinds, prometheus.GaugeValue, float64(st.Kinds))
}
