package bundle

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcoeg/etrap/pkg/canonical"
	"github.com/marcoeg/etrap/pkg/stream"
)

func testEvent(op stream.Operation, id int, user string, ts int64) *stream.Event {
	row := map[string]interface{}{"id": json.Number(fmt.Sprint(id)), "name": "alice"}
	ev := &stream.Event{
		Operation: op,
		Key:       map[string]interface{}{"id": json.Number(fmt.Sprint(id))},
		After:     row,
		Source: stream.Source{
			Database: "acme",
			Schema:   "public",
			Table:    "accounts",
			User:     user,
		},
		Timestamp: ts,
	}
	if op == stream.OpDelete {
		ev.Before, ev.After = row, nil
	}
	return ev
}

func newTestPackager() *Packager {
	p := NewPackager(canonical.New(time.UTC), "acme-corp", time.UTC)
	p.now = func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) }
	return p
}

func TestPackage(t *testing.T) {
	p := newTestPackager()
	events := []*stream.Event{
		testEvent(stream.OpInsert, 1, "app", 1700000000000),
		testEvent(stream.OpUpdate, 2, "", 1700000001000),
		testEvent(stream.OpDelete, 3, "dba", 1700000002000),
	}

	b, err := p.Package("BATCH-2024-06-01-abcd1234", "acme", "accounts", events)
	require.NoError(t, err)

	assert.Equal(t, "BATCH-2024-06-01-abcd1234", b.BatchInfo.BatchID)
	assert.Equal(t, "acme-corp", b.BatchInfo.OrganizationID)
	assert.Equal(t, "acme", b.Database())
	assert.Equal(t, "accounts", b.Table())
	assert.Equal(t, AgentVersion, b.BatchInfo.AgentVersion)
	require.Len(t, b.Transactions, 3)

	for i, tx := range b.Transactions {
		assert.Equal(t, fmt.Sprintf("BATCH-2024-06-01-abcd1234-%d", i), tx.Metadata.TransactionID)
		assert.Equal(t, i, tx.MerkleLeaf.Index)
		assert.Equal(t, tx.Metadata.Hash, tx.MerkleLeaf.Hash)
		assert.NotEmpty(t, tx.MerkleLeaf.RawDataHash)
		assert.False(t, tx.DataLocation.Encrypted)
		assert.Equal(t,
			fmt.Sprintf("acme/accounts/BATCH-2024-06-01-abcd1234/transactions/tx-%d.json", i),
			tx.DataLocation.StoragePath)
	}

	// Empty CDC user falls back to "system".
	assert.Equal(t, "app", b.Transactions[0].Metadata.UserID)
	assert.Equal(t, "system", b.Transactions[1].Metadata.UserID)

	assert.Equal(t, RowsAffected{Inserted: 1}, b.Transactions[0].Metadata.RowsAffected)
	assert.Equal(t, RowsAffected{Updated: 1}, b.Transactions[1].Metadata.RowsAffected)
	assert.Equal(t, RowsAffected{Deleted: 1}, b.Transactions[2].Metadata.RowsAffected)
}

func TestPackageHashesRowPayload(t *testing.T) {
	p := newTestPackager()
	ev := testEvent(stream.OpDelete, 7, "app", 1700000000000)

	b, err := p.Package("B", "acme", "accounts", []*stream.Event{ev})
	require.NoError(t, err)

	want, err := canonical.New(time.UTC).Hash(ev.Before)
	require.NoError(t, err)
	assert.Equal(t, want, b.Transactions[0].Metadata.Hash)
}

func TestPackageProofsVerify(t *testing.T) {
	p := newTestPackager()
	events := []*stream.Event{
		testEvent(stream.OpInsert, 1, "app", 1700000000000),
		testEvent(stream.OpInsert, 2, "app", 1700000001000),
		testEvent(stream.OpInsert, 3, "app", 1700000002000),
	}

	b, err := p.Package("B", "acme", "accounts", events)
	require.NoError(t, err)
	require.NotNil(t, b.MerkleTree)

	assert.Equal(t, 3, b.MerkleTree.OriginalCount)
	assert.Equal(t, 4, b.MerkleTree.PaddedCount)
	for i, tx := range b.Transactions {
		proof, ok := b.MerkleTree.ProofIndex[fmt.Sprintf("tx-%d", i)]
		require.True(t, ok)
		assert.True(t, b.MerkleTree.Verify(tx.Metadata.Hash, proof))
	}
}

func TestPackageSignature(t *testing.T) {
	p := newTestPackager()
	b, err := p.Package("B", "acme", "accounts",
		[]*stream.Event{testEvent(stream.OpInsert, 1, "app", 1700000000000)})
	require.NoError(t, err)

	sum := sha256.Sum256([]byte("B" + b.MerkleTree.Root))
	assert.Equal(t, hex.EncodeToString(sum[:]), b.Verification.BatchSignature)
	assert.Equal(t, "sha256", b.Verification.SigningAlgorithm)

	// Anchoring data starts zeroed, marking the batch pending-anchor.
	assert.Equal(t, int64(0), b.Verification.AnchoringData.BlockHeight)
	assert.Equal(t, "0", b.Verification.AnchoringData.GasUsed)
}

func TestPackageIndices(t *testing.T) {
	p := newTestPackager()
	events := []*stream.Event{
		testEvent(stream.OpInsert, 1, "app", 1700000000000), // 2023-11-14 UTC
		testEvent(stream.OpDelete, 2, "app", 1700000000000),
		testEvent(stream.OpInsert, 3, "app", 1700086400000), // next day
	}

	b, err := p.Package("B", "acme", "accounts", events)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"B-0", "B-2"}, b.Indices.ByOperation["INSERT"])
	assert.Equal(t, []string{"B-1"}, b.Indices.ByOperation["DELETE"])
	assert.ElementsMatch(t, []string{"B-0", "B-1"}, b.Indices.ByTimestamp["1700000000000"])
	assert.ElementsMatch(t, []string{"B-0", "B-1"}, b.Indices.ByDate["2023-11-14"])
	assert.Equal(t, []string{"B-2"}, b.Indices.ByDate["2023-11-15"])
}

func TestBatchAggregates(t *testing.T) {
	p := newTestPackager()
	b, err := p.Package("B", "acme", "accounts", []*stream.Event{
		testEvent(stream.OpUpdate, 1, "app", 1700000002000),
		testEvent(stream.OpInsert, 2, "app", 1700000000000),
		testEvent(stream.OpDelete, 3, "app", 1700000001000),
	})
	require.NoError(t, err)

	assert.Equal(t, int64(1700000000000), b.MinTimestamp())
	ins, upd, del := b.OperationCounts()
	assert.Equal(t, []int{1, 1, 1}, []int{ins, upd, del})
}

func TestPackageRejectsEmpty(t *testing.T) {
	_, err := newTestPackager().Package("B", "acme", "accounts", nil)
	assert.Error(t, err)
}

func TestNewBatchID(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	id := NewBatchID(now)
	assert.Regexp(t, `^BATCH-2024-06-01-[0-9a-f]{8}$`, id)
	assert.NotEqual(t, id, NewBatchID(now))
}
