// Package agent runs the capture pipeline: read change events from the
// broker, batch them adaptively, seal each (schema, table) partition into a
// bundle, anchor it on chain and persist it to object storage.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/marcoeg/etrap/pkg/anchor"
	"github.com/marcoeg/etrap/pkg/bundle"
	"github.com/marcoeg/etrap/pkg/core"
	"github.com/marcoeg/etrap/pkg/stream"
)

// Broker is the event source. *stream.Consumer satisfies it.
type Broker interface {
	Read(ctx context.Context, count int, block time.Duration) ([]stream.Message, error)
	Ack(ctx context.Context, streamName, messageID string) error
}

// BundleStore persists sealed bundles. *storage.Writer satisfies it.
type BundleStore interface {
	WriteBundle(ctx context.Context, b *bundle.Batch) error
}

// Config tunes the batching loop.
type Config struct {
	Database string // fallback when events carry no database name

	MaxBatchSize  int           // hard flush threshold
	MinBatchSize  int           // minimum batch worth sealing on idle
	ReadTimeout   time.Duration // max broker block per read
	ForceFlush    time.Duration // max age of a pending batch
	BrokerBackoff time.Duration // sleep after broker errors or empty pattern

	StatsEvery int // log a stats line every N batches
}

// DefaultConfig returns the reference batching parameters.
func DefaultConfig() Config {
	return Config{
		MaxBatchSize:  1000,
		MinBatchSize:  1,
		ReadTimeout:   60 * time.Second,
		ForceFlush:    300 * time.Second,
		BrokerBackoff: 5 * time.Second,
		StatsEvery:    10,
	}
}

// Agent is the single-goroutine batching loop. Events are acknowledged as
// soon as they are admitted to the pending batch, so a crash between ack and
// persist loses that window; the broker stream itself is not the durability
// layer, the anchored bundle is.
type Agent struct {
	broker   Broker
	store    BundleStore
	anchorer anchor.Anchorer
	packager *bundle.Packager
	cfg      Config
	log      *zap.Logger

	pending    []*stream.Event
	firstEvent time.Time
	stats      counters
	now        func() time.Time
}

// New assembles an Agent.
func New(broker Broker, store BundleStore, anchorer anchor.Anchorer, packager *bundle.Packager, cfg Config, log *zap.Logger) *Agent {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1000
	}
	if cfg.MinBatchSize <= 0 {
		cfg.MinBatchSize = 1
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.ForceFlush <= 0 {
		cfg.ForceFlush = 300 * time.Second
	}
	if cfg.BrokerBackoff <= 0 {
		cfg.BrokerBackoff = 5 * time.Second
	}
	if cfg.StatsEvery <= 0 {
		cfg.StatsEvery = 10
	}
	return &Agent{
		broker:   broker,
		store:    store,
		anchorer: anchorer,
		packager: packager,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}
}

// Stats returns a snapshot of the agent's counters.
func (a *Agent) Stats() Stats { return a.stats.snapshot() }

// Run drives the loop until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	a.log.Info("agent started",
		zap.Int("max_batch_size", a.cfg.MaxBatchSize),
		zap.Int("min_batch_size", a.cfg.MinBatchSize),
		zap.Duration("read_timeout", a.cfg.ReadTimeout),
		zap.Duration("force_flush", a.cfg.ForceFlush))

	for {
		select {
		case <-ctx.Done():
			return a.shutdown()
		default:
		}

		if err := a.step(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return a.shutdown()
			}
			return err
		}
	}
}

// step performs one read-and-maybe-flush iteration.
func (a *Agent) step(ctx context.Context) error {
	block := a.cfg.ReadTimeout
	if len(a.pending) > 0 {
		remaining := a.cfg.ForceFlush - a.now().Sub(a.firstEvent)
		if remaining <= 0 {
			return a.flush(ctx, "force")
		}
		if remaining < block {
			block = remaining
		}
	}

	msgs, err := a.broker.Read(ctx, a.cfg.MaxBatchSize-len(a.pending), block)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, stream.ErrNoStreams) {
			a.log.Debug("no streams yet, waiting")
		} else {
			a.log.Error("broker read failed", zap.Error(err))
		}
		return a.sleep(ctx, a.cfg.BrokerBackoff)
	}

	for _, msg := range msgs {
		a.admit(ctx, msg)
	}

	if len(a.pending) >= a.cfg.MaxBatchSize {
		return a.flush(ctx, "size")
	}
	if len(msgs) == 0 {
		if len(a.pending) >= a.cfg.MinBatchSize {
			return a.flush(ctx, "idle")
		}
		if len(a.pending) == 0 {
			a.stats.idleTimeouts.Add(1)
		}
		return nil
	}
	if a.now().Sub(a.firstEvent) >= a.cfg.ForceFlush {
		return a.flush(ctx, "force")
	}
	return nil
}

// admit parses one message, appends it to the pending batch and acknowledges
// it. Malformed events are acknowledged and dropped so they never wedge the
// stream.
func (a *Agent) admit(ctx context.Context, msg stream.Message) {
	ev, err := stream.ParseEvent(msg)
	if err != nil {
		a.log.Warn("dropping malformed event",
			zap.String("stream", msg.Stream),
			zap.String("message_id", msg.ID),
			zap.Error(err))
		eventsDropped.Inc()
		a.stats.dropped.Add(1)
		a.ack(ctx, msg.Stream, msg.ID)
		return
	}

	if len(a.pending) == 0 {
		a.firstEvent = a.now()
	}
	a.pending = append(a.pending, ev)
	eventsProcessed.Inc()
	a.stats.events.Add(1)
	a.ack(ctx, msg.Stream, msg.ID)
}

func (a *Agent) ack(ctx context.Context, streamName, id string) {
	if err := a.broker.Ack(ctx, streamName, id); err != nil {
		a.log.Warn("ack failed", zap.String("message_id", id), zap.Error(err))
	}
}

// flush partitions the pending batch by (schema, table) in first-arrival
// order and seals each partition as its own bundle. Batch ids get a -T{i}
// suffix only when the flush spans more than one partition.
func (a *Agent) flush(ctx context.Context, trigger string) error {
	events := a.pending
	a.pending = nil
	if len(events) == 0 {
		return nil
	}

	batchesFlushed.WithLabelValues(trigger).Inc()
	a.log.Info("flushing batch",
		zap.String("trigger", trigger),
		zap.Int("events", len(events)))

	order, parts := partition(events)
	baseID := bundle.NewBatchID(a.now())

	for i, key := range order {
		batchID := baseID
		if len(order) > 1 {
			batchID = fmt.Sprintf("%s-T%d", baseID, i)
		}
		if err := a.seal(ctx, batchID, parts[key]); err != nil {
			a.log.Error("batch lost",
				zap.String("batch_id", batchID),
				zap.Int("events", len(parts[key])),
				zap.Error(err))
			continue
		}
		a.stats.batches.Add(1)
		if n := a.stats.batches.Load(); n%uint64(a.cfg.StatsEvery) == 0 {
			a.logStats()
		}
	}
	return nil
}

// seal packages, anchors and persists one partition. A mint failure leaves
// the bundle's anchoring block zeroed but still persists it; a duplicate
// token means the batch is already anchored and is not an error.
func (a *Agent) seal(ctx context.Context, batchID string, events []*stream.Event) error {
	first := events[0].Source
	database := first.Database
	if database == "" {
		database = a.cfg.Database
	}

	b, err := a.packager.Package(batchID, database, first.Table, events)
	if err != nil {
		return fmt.Errorf("package: %w", err)
	}

	receipt, err := a.anchorer.Anchor(ctx, b)
	switch {
	case err == nil:
		anchor.ApplyReceipt(b, receipt)
		nftsMinted.Inc()
		a.stats.minted.Add(1)
		a.log.Info("batch anchored",
			zap.String("batch_id", batchID),
			zap.String("tx_hash", receipt.TxHash),
			zap.Int64("block_height", receipt.BlockHeight))
	case errors.Is(err, core.ErrTokenExists):
		nftsMinted.Inc()
		a.stats.minted.Add(1)
		a.log.Warn("batch already anchored", zap.String("batch_id", batchID))
	default:
		nftFailures.Inc()
		a.stats.mintFailures.Add(1)
		a.log.Error("mint failed, bundle stored pending anchor",
			zap.String("batch_id", batchID),
			zap.Error(err))
	}

	if err := a.store.WriteBundle(ctx, b); err != nil {
		return fmt.Errorf("store bundle: %w", err)
	}
	return nil
}

// shutdown logs the run summary and exits. Pending events are not flushed:
// they were acknowledged on admission, so this is the documented loss window
// of the ack-before-persist policy.
func (a *Agent) shutdown() error {
	if len(a.pending) > 0 {
		a.log.Warn("dropping pending events on shutdown", zap.Int("events", len(a.pending)))
	}
	s := a.stats.snapshot()
	a.log.Info("agent stopped",
		zap.Uint64("batches_processed", s.BatchesProcessed),
		zap.Uint64("events_processed", s.EventsProcessed),
		zap.Uint64("events_dropped", s.EventsDropped),
		zap.Uint64("nfts_minted", s.NFTsMinted),
		zap.Uint64("nft_failures", s.NFTFailures),
		zap.Uint64("idle_timeouts", s.IdleTimeouts))
	return nil
}

func (a *Agent) logStats() {
	s := a.stats.snapshot()
	a.log.Info("agent stats",
		zap.Uint64("batches_processed", s.BatchesProcessed),
		zap.Uint64("events_processed", s.EventsProcessed),
		zap.Uint64("nfts_minted", s.NFTsMinted),
		zap.Uint64("nft_failures", s.NFTFailures))
}

func (a *Agent) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// partition groups events by (schema, table), preserving first-arrival order
// of partitions and of events within each partition.
func partition(events []*stream.Event) ([]string, map[string][]*stream.Event) {
	var order []string
	parts := make(map[string][]*stream.Event)
	for _, ev := range events {
		key := ev.Source.Schema + "." + ev.Source.Table
		if _, seen := parts[key]; !seen {
			order = append(order, key)
		}
		parts[key] = append(parts[key], ev)
	}
	return order, parts
}
