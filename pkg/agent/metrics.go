package agent

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "etrap_agent_events_processed_total",
		Help: "Change events parsed and admitted to a batch.",
	})
	eventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "etrap_agent_events_dropped_total",
		Help: "Malformed events acknowledged and discarded.",
	})
	batchesFlushed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "etrap_agent_batches_flushed_total",
		Help: "Batches sealed, by flush trigger.",
	}, []string{"trigger"})
	nftsMinted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "etrap_agent_nfts_minted_total",
		Help: "Batch tokens successfully minted.",
	})
	nftFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "etrap_agent_nft_failures_total",
		Help: "Batches whose mint failed after all retries.",
	})
)

// Stats is a point-in-time snapshot of agent counters, logged periodically
// and once at shutdown.
type Stats struct {
	BatchesProcessed uint64
	EventsProcessed  uint64
	EventsDropped    uint64
	NFTsMinted       uint64
	NFTFailures      uint64
	IdleTimeouts     uint64
}

type counters struct {
	batches      atomic.Uint64
	events       atomic.Uint64
	dropped      atomic.Uint64
	minted       atomic.Uint64
	mintFailures atomic.Uint64
	idleTimeouts atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		BatchesProcessed: c.batches.Load(),
		EventsProcessed:  c.events.Load(),
		EventsDropped:    c.dropped.Load(),
		NFTsMinted:       c.minted.Load(),
		NFTFailures:      c.mintFailures.Load(),
		IdleTimeouts:     c.idleTimeouts.Load(),
	}
}
