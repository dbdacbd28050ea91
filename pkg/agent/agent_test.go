package agent

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/marcoeg/etrap/pkg/anchor"
	"github.com/marcoeg/etrap/pkg/bundle"
	"github.com/marcoeg/etrap/pkg/canonical"
	"github.com/marcoeg/etrap/pkg/core"
	"github.com/marcoeg/etrap/pkg/stream"
)

type fakeBroker struct {
	reads [][]stream.Message
	acked []string
}

func (f *fakeBroker) Read(ctx context.Context, count int, block time.Duration) ([]stream.Message, error) {
	if len(f.reads) == 0 {
		return nil, nil
	}
	msgs := f.reads[0]
	f.reads = f.reads[1:]
	return msgs, nil
}

func (f *fakeBroker) Ack(ctx context.Context, streamName, messageID string) error {
	f.acked = append(f.acked, messageID)
	return nil
}

type fakeStore struct {
	bundles []*bundle.Batch
	fail    error
}

func (f *fakeStore) WriteBundle(ctx context.Context, b *bundle.Batch) error {
	if f.fail != nil {
		return f.fail
	}
	f.bundles = append(f.bundles, b)
	return nil
}

type fakeAnchorer struct {
	fail     error
	anchored []string
}

func (f *fakeAnchorer) Anchor(ctx context.Context, b *bundle.Batch) (*anchor.Receipt, error) {
	f.anchored = append(f.anchored, b.BatchInfo.BatchID)
	if f.fail != nil {
		return nil, f.fail
	}
	return &anchor.Receipt{
		TokenID:     b.BatchInfo.BatchID,
		TxHash:      "tx-" + b.BatchInfo.BatchID,
		BlockHeight: 42,
		GasBurnt:    1,
		EtrapFee:    "0",
	}, nil
}

func insertMsg(id string, table string, rowID int) stream.Message {
	value := fmt.Sprintf(`{
		"op": "c",
		"after": {"id": %d},
		"source": {"db": "acme", "schema": "public", "table": %q, "ts_ms": 1700000000000}
	}`, rowID, table)
	return stream.Message{
		Stream: "etrap.public." + table,
		ID:     id,
		Values: map[string]interface{}{"value": value},
	}
}

func newTestAgent(broker Broker, store BundleStore, anchorer anchor.Anchorer) *Agent {
	packager := bundle.NewPackager(canonical.New(time.UTC), "acme-corp", time.UTC)
	cfg := DefaultConfig()
	cfg.BrokerBackoff = time.Millisecond
	return New(broker, store, anchorer, packager, cfg, zap.NewNop())
}

func TestStepIdleFlush(t *testing.T) {
	broker := &fakeBroker{reads: [][]stream.Message{
		{insertMsg("1-0", "accounts", 1), insertMsg("1-1", "accounts", 2)},
	}}
	store := &fakeStore{}
	anchorer := &fakeAnchorer{}
	a := newTestAgent(broker, store, anchorer)
	ctx := context.Background()

	// First step admits and acks both events.
	require.NoError(t, a.step(ctx))
	assert.Equal(t, []string{"1-0", "1-1"}, broker.acked)
	assert.Len(t, a.pending, 2)
	assert.Empty(t, store.bundles)

	// An empty read with pending events seals the batch.
	require.NoError(t, a.step(ctx))
	assert.Empty(t, a.pending)
	require.Len(t, store.bundles, 1)

	b := store.bundles[0]
	assert.Len(t, b.Transactions, 2)
	assert.Equal(t, "acme", b.Database())
	assert.Equal(t, "accounts", b.Table())
	// The single-partition flush carries no partition suffix.
	assert.Regexp(t, `^BATCH-\d{4}-\d{2}-\d{2}-[0-9a-f]{8}$`, b.BatchInfo.BatchID)
	assert.Equal(t, []string{b.BatchInfo.BatchID}, anchorer.anchored)
	assert.Equal(t, int64(42), b.Verification.AnchoringData.BlockHeight)

	s := a.Stats()
	assert.Equal(t, uint64(1), s.BatchesProcessed)
	assert.Equal(t, uint64(2), s.EventsProcessed)
	assert.Equal(t, uint64(1), s.NFTsMinted)
}

func TestStepSizeFlush(t *testing.T) {
	msgs := make([]stream.Message, 3)
	for i := range msgs {
		msgs[i] = insertMsg(fmt.Sprintf("1-%d", i), "accounts", i)
	}
	broker := &fakeBroker{reads: [][]stream.Message{msgs}}
	store := &fakeStore{}
	a := newTestAgent(broker, store, &fakeAnchorer{})
	a.cfg.MaxBatchSize = 3

	require.NoError(t, a.step(context.Background()))
	require.Len(t, store.bundles, 1)
	assert.Len(t, store.bundles[0].Transactions, 3)
}

func TestFlushPartitionsByTable(t *testing.T) {
	broker := &fakeBroker{reads: [][]stream.Message{{
		insertMsg("1-0", "accounts", 1),
		insertMsg("1-1", "orders", 1),
		insertMsg("1-2", "accounts", 2),
	}}}
	store := &fakeStore{}
	a := newTestAgent(broker, store, &fakeAnchorer{})
	ctx := context.Background()

	require.NoError(t, a.step(ctx))
	require.NoError(t, a.step(ctx)) // idle flush
	require.Len(t, store.bundles, 2)

	// Partitions seal in first-arrival order with -T{i} suffixes.
	first, second := store.bundles[0], store.bundles[1]
	assert.Equal(t, "accounts", first.Table())
	assert.Len(t, first.Transactions, 2)
	assert.Equal(t, "orders", second.Table())
	assert.Len(t, second.Transactions, 1)

	assert.Regexp(t, `-T0$`, first.BatchInfo.BatchID)
	assert.Regexp(t, `-T1$`, second.BatchInfo.BatchID)
	assert.Equal(t,
		first.BatchInfo.BatchID[:len(first.BatchInfo.BatchID)-3],
		second.BatchInfo.BatchID[:len(second.BatchInfo.BatchID)-3])
}

// clockBroker records the block duration of every read.
type clockBroker struct {
	reads  [][]stream.Message
	blocks []time.Duration
}

func (b *clockBroker) Read(ctx context.Context, count int, block time.Duration) ([]stream.Message, error) {
	b.blocks = append(b.blocks, block)
	if len(b.reads) == 0 {
		return nil, nil
	}
	msgs := b.reads[0]
	b.reads = b.reads[1:]
	return msgs, nil
}

func (b *clockBroker) Ack(ctx context.Context, streamName, messageID string) error { return nil }

func TestForceFlushClampsReadTimeout(t *testing.T) {
	broker := &clockBroker{reads: [][]stream.Message{
		{insertMsg("1-0", "accounts", 1), insertMsg("1-1", "accounts", 2)},
		{insertMsg("1-2", "accounts", 3)},
	}}
	store := &fakeStore{}
	a := newTestAgent(broker, store, &fakeAnchorer{})

	clock := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return clock }
	ctx := context.Background()

	// Nothing pending: the read blocks for the full read timeout.
	require.NoError(t, a.step(ctx))
	require.Len(t, a.pending, 2)
	assert.Equal(t, []time.Duration{60 * time.Second}, broker.blocks)

	// 290s into the batch's life only 10s of force-flush budget remain, so
	// the block is clamped below the read timeout.
	clock = clock.Add(290 * time.Second)
	require.NoError(t, a.step(ctx))
	require.Len(t, a.pending, 3)
	assert.Equal(t, 10*time.Second, broker.blocks[1])
	assert.Empty(t, store.bundles)
}

func TestForceFlushSealsAgedBatch(t *testing.T) {
	broker := &clockBroker{reads: [][]stream.Message{
		{insertMsg("1-0", "accounts", 1), insertMsg("1-1", "accounts", 2)},
	}}
	store := &fakeStore{}
	a := newTestAgent(broker, store, &fakeAnchorer{})

	clock := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return clock }
	ctx := context.Background()

	require.NoError(t, a.step(ctx))
	require.Len(t, a.pending, 2)

	// Past the force-flush bound the batch seals before any further read,
	// even though the broker still has data to hand out.
	broker.reads = [][]stream.Message{{insertMsg("1-2", "accounts", 3)}}
	clock = clock.Add(310 * time.Second)
	require.NoError(t, a.step(ctx))

	assert.Empty(t, a.pending)
	require.Len(t, store.bundles, 1)
	assert.Len(t, store.bundles[0].Transactions, 2)
	// The flush happened without touching the broker again.
	assert.Len(t, broker.blocks, 1)
}

func TestMalformedEventDroppedAndAcked(t *testing.T) {
	bad := stream.Message{
		Stream: "etrap.public.accounts",
		ID:     "1-0",
		Values: map[string]interface{}{"value": `{"op":"d"}`}, // DELETE without before
	}
	broker := &fakeBroker{reads: [][]stream.Message{{bad, insertMsg("1-1", "accounts", 1)}}}
	store := &fakeStore{}
	a := newTestAgent(broker, store, &fakeAnchorer{})
	ctx := context.Background()

	require.NoError(t, a.step(ctx))
	// The malformed event is acknowledged so it never wedges the stream.
	assert.Equal(t, []string{"1-0", "1-1"}, broker.acked)
	assert.Len(t, a.pending, 1)
	assert.Equal(t, uint64(1), a.Stats().EventsDropped)

	require.NoError(t, a.step(ctx))
	require.Len(t, store.bundles, 1)
	assert.Len(t, store.bundles[0].Transactions, 1)
}

func TestMintFailureStillStoresBundle(t *testing.T) {
	broker := &fakeBroker{reads: [][]stream.Message{{insertMsg("1-0", "accounts", 1)}}}
	store := &fakeStore{}
	a := newTestAgent(broker, store, &fakeAnchorer{fail: errors.New("rpc timeout")})
	ctx := context.Background()

	require.NoError(t, a.step(ctx))
	require.NoError(t, a.step(ctx))

	require.Len(t, store.bundles, 1)
	// The bundle ships with a zeroed anchoring block, pending anchor.
	assert.Equal(t, int64(0), store.bundles[0].Verification.AnchoringData.BlockHeight)

	s := a.Stats()
	assert.Equal(t, uint64(1), s.NFTFailures)
	assert.Equal(t, uint64(0), s.NFTsMinted)
	assert.Equal(t, uint64(1), s.BatchesProcessed)
}

func TestTokenCollisionCountsAsAnchored(t *testing.T) {
	broker := &fakeBroker{reads: [][]stream.Message{{insertMsg("1-0", "accounts", 1)}}}
	store := &fakeStore{}
	a := newTestAgent(broker, store, &fakeAnchorer{fail: core.ErrTokenExists})
	ctx := context.Background()

	require.NoError(t, a.step(ctx))
	require.NoError(t, a.step(ctx))

	require.Len(t, store.bundles, 1)
	s := a.Stats()
	assert.Equal(t, uint64(1), s.NFTsMinted)
	assert.Equal(t, uint64(0), s.NFTFailures)
}

func TestIdleTimeoutCounted(t *testing.T) {
	a := newTestAgent(&fakeBroker{}, &fakeStore{}, &fakeAnchorer{})
	require.NoError(t, a.step(context.Background()))
	assert.Equal(t, uint64(1), a.Stats().IdleTimeouts)
}

func TestNoStreamsBacksOff(t *testing.T) {
	broker := &errBroker{err: stream.ErrNoStreams}
	a := newTestAgent(broker, &fakeStore{}, &fakeAnchorer{})
	require.NoError(t, a.step(context.Background()))
	assert.Equal(t, 1, broker.reads)
}

func TestRunDropsPendingOnShutdown(t *testing.T) {
	broker := &fakeBroker{reads: [][]stream.Message{{insertMsg("1-0", "accounts", 1)}}}
	store := &fakeStore{}
	a := newTestAgent(broker, store, &fakeAnchorer{})

	require.NoError(t, a.step(context.Background()))
	require.Len(t, a.pending, 1)

	// Acknowledged-but-unflushed events are the documented loss window.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, a.Run(ctx))
	assert.Empty(t, store.bundles)
}

type errBroker struct {
	err   error
	reads int
}

func (b *errBroker) Read(ctx context.Context, count int, block time.Duration) ([]stream.Message, error) {
	b.reads++
	return nil, b.err
}

func (b *errBroker) Ack(ctx context.Context, streamName, messageID string) error { return nil }
