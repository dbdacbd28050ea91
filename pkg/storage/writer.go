package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/marcoeg/etrap/pkg/bundle"
)

// BundleObject is the canonical source of truth for one batch; the sibling
// objects exist for fast partial reads.
const (
	BundleObject = "batch-data.json"
	TreeObject   = "merkle-tree.json"
)

// BasePath returns the object prefix for one batch, without trailing slash.
func BasePath(database, table, batchID string) string {
	return fmt.Sprintf("%s/%s/%s", database, table, batchID)
}

// BundleKey normalises a key or prefix to the batch-data.json object key.
func BundleKey(key string) string {
	if strings.HasSuffix(key, BundleObject) {
		return key
	}
	return strings.TrimRight(key, "/") + "/" + BundleObject
}

// Writer persists bundles at the reference layout. All objects are
// pretty-printed JSON.
type Writer struct {
	store ObjectStore
	log   *zap.Logger
}

// NewWriter returns a Writer over store.
func NewWriter(store ObjectStore, log *zap.Logger) *Writer {
	return &Writer{store: store, log: log}
}

// WriteBundle writes batch-data.json, merkle-tree.json and the three index
// objects for b. Only a failed batch-data.json write loses the flush; the
// auxiliary objects are reconstructible from it, so their failures are
// logged and swallowed.
func (w *Writer) WriteBundle(ctx context.Context, b *bundle.Batch) error {
	base := BasePath(b.Database(), b.Table(), b.BatchInfo.BatchID)

	if err := w.putJSON(ctx, base+"/"+BundleObject, b); err != nil {
		return err
	}

	if err := w.putJSON(ctx, base+"/"+TreeObject, b.MerkleTree); err != nil {
		w.log.Warn("merkle tree object write failed", zap.String("batch_id", b.BatchInfo.BatchID), zap.Error(err))
	}

	indices := map[string]interface{}{
		"by_timestamp": b.Indices.ByTimestamp,
		"by_operation": b.Indices.ByOperation,
		"by_date":      b.Indices.ByDate,
	}
	for name, data := range indices {
		if err := w.putJSON(ctx, fmt.Sprintf("%s/indices/%s.json", base, name), data); err != nil {
			w.log.Warn("index object write failed",
				zap.String("batch_id", b.BatchInfo.BatchID),
				zap.String("index", name),
				zap.Error(err))
		}
	}

	w.log.Info("bundle stored",
		zap.String("bucket", w.store.Bucket()),
		zap.String("path", base))
	return nil
}

func (w *Writer) putJSON(ctx context.Context, key string, v interface{}) error {
	body, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return w.store.Put(ctx, key, body)
}
