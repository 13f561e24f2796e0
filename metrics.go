package blockclique

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the node's prometheus collectors.
type Metrics struct {
	blocksReceived    prometheus.Counter
	blocksActive      prometheus.Counter
	blocksDiscarded   *prometheus.CounterVec
	blocksFinal       prometheus.Counter
	slotsSettled      prometheus.Counter
	cliques           prometheus.Gauge
	asyncPoolLength   prometheus.Gauge
	asyncPoolGas      prometheus.Gauge
	operationPool     prometheus.Gauge
	drawCache         prometheus.Gauge
	bootstrapsServed  prometheus.Counter
	bootstrapsFailed  prometheus.Counter
	bootstrapAttempts *prometheus.CounterVec
}

// NewMetrics returns the node's collectors registered on reg. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		blocksReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blockclique_blocks_received_total",
			Help: "Blocks submitted to the graph.",
		}),
		blocksActive: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blockclique_blocks_active_total",
			Help: "Blocks that became active.",
		}),
		blocksDiscarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blockclique_blocks_discarded_total",
			Help: "Blocks discarded, by reason.",
		}, []string{"reason"}),
		blocksFinal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blockclique_blocks_final_total",
			Help: "Blocks that became final.",
		}),
		slotsSettled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blockclique_slots_settled_total",
			Help: "Slots executed into the final state.",
		}),
		cliques: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "blockclique_cliques",
			Help: "Current number of cliques.",
		}),
		asyncPoolLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "blockclique_async_pool_messages",
			Help: "Messages held by the async pool.",
		}),
		asyncPoolGas: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "blockclique_async_pool_gas",
			Help: "Total gas of the messages held by the async pool.",
		}),
		operationPool: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "blockclique_operation_pool_operations",
			Help: "Operations awaiting inclusion.",
		}),
		drawCache: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "blockclique_draw_cache_cycles",
			Help: "Cycles held by the draw cache.",
		}),
		bootstrapsServed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blockclique_bootstrap_sessions_served_total",
			Help: "Bootstrap sessions served to completion.",
		}),
		bootstrapsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blockclique_bootstrap_sessions_failed_total",
			Help: "Bootstrap sessions that failed while serving.",
		}),
		bootstrapAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blockclique_bootstrap_attempts_total",
			Help: "Bootstrap attempts made as a client, by outcome.",
		}, []string{"outcome"}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.blocksReceived, m.blocksActive, m.blocksDiscarded, m.blocksFinal, m.slotsSettled,
		m.cliques, m.asyncPoolLength, m.asyncPoolGas, m.operationPool, m.drawCache,
		m.bootstrapsServed, m.bootstrapsFailed, m.bootstrapAttempts,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observeGraph(ch *GraphChanges, export *GraphExport) {
	m.blocksActive.Add(float64(len(ch.NewActive)))
	m.blocksFinal.Add(float64(len(ch.NewFinal)))
	for _, reason := range ch.Discarded {
		m.blocksDiscarded.WithLabelValues(reason.String()).Inc()
	}
	m.cliques.Set(float64(len(export.Cliques)))
}

func (m *Metrics) observeFinal(fs *FinalState, pool OperationPool) {
	m.asyncPoolLength.Set(float64(fs.AsyncPool().Len()))
	m.asyncPoolGas.Set(float64(fs.AsyncPool().Gas()))
	m.drawCache.Set(float64(fs.Selector().CachedCycles()))
	m.operationPool.Set(float64(pool.Len()))
}
