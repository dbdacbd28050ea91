package bundle

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/marcoeg/etrap/pkg/canonical"
	"github.com/marcoeg/etrap/pkg/merkle"
	"github.com/marcoeg/etrap/pkg/stream"
)

// Packager converts one (schema, table) partition of change events into a
// sealed Batch. The same flush never packages the same partition twice.
type Packager struct {
	canon *canonical.Canonicalizer
	orgID string
	loc   *time.Location
	now   func() time.Time
}

// NewPackager returns a Packager. loc drives the by_date index conversion
// and must match the canonicalizer's zone; nil means the host's local zone.
func NewPackager(canon *canonical.Canonicalizer, orgID string, loc *time.Location) *Packager {
	if loc == nil {
		loc = time.Local
	}
	return &Packager{canon: canon, orgID: orgID, loc: loc, now: time.Now}
}

// Package builds the Batch for events, in arrival order. The leaf index of
// each transaction in the Merkle tree equals its position in events.
func (p *Packager) Package(batchID, database, table string, events []*stream.Event) (*Batch, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("bundle: no events to package")
	}

	records := make([]TransactionRecord, 0, len(events))
	leaves := make([]string, 0, len(events))

	for i, ev := range events {
		payload := ev.RowPayload()
		txHash, err := p.canon.Hash(payload)
		if err != nil {
			return nil, fmt.Errorf("hash event %d: %w", i, err)
		}
		leaves = append(leaves, txHash)

		user := ev.Source.User
		if user == "" {
			user = "system"
		}

		records = append(records, TransactionRecord{
			Metadata: TransactionMetadata{
				TransactionID: fmt.Sprintf("%s-%d", batchID, i),
				Timestamp:     ev.Timestamp,
				OperationType: string(ev.Operation),
				DatabaseName:  database,
				TableAffected: table,
				RowsAffected: RowsAffected{
					Inserted: boolToInt(ev.Operation == stream.OpInsert),
					Updated:  boolToInt(ev.Operation == stream.OpUpdate),
					Deleted:  boolToInt(ev.Operation == stream.OpDelete),
				},
				Hash:            txHash,
				UserID:          user,
				LSN:             ev.Source.LSN,
				TransactionDBID: ev.Source.TxID,
			},
			MerkleLeaf: MerkleLeaf{
				Index:       i,
				Hash:        txHash,
				RawDataHash: rawEventHash(ev),
			},
			DataLocation: DataLocation{
				Encrypted:   false,
				StoragePath: fmt.Sprintf("%s/%s/%s/transactions/tx-%d.json", database, table, batchID, i),
			},
		})
	}

	tree, err := merkle.Build(leaves)
	if err != nil {
		return nil, fmt.Errorf("build merkle tree: %w", err)
	}

	sig := sha256.Sum256([]byte(batchID + tree.Root))

	return &Batch{
		BatchInfo: BatchInfo{
			BatchID:        batchID,
			CreatedAt:      p.now().UnixMilli(),
			OrganizationID: p.orgID,
			DatabaseName:   database,
			AgentVersion:   AgentVersion,
		},
		Transactions: records,
		MerkleTree:   tree,
		Indices:      p.buildIndices(records),
		Compliance: Compliance{
			RulesApplied:        []string{"SOX", "GDPR"},
			DataClassifications: []string{"financial"},
			RetentionPolicy:     "indefinite",
			ComplianceChecks:    []interface{}{},
		},
		Verification: Verification{
			BatchSignature:   hex.EncodeToString(sig[:]),
			SigningAlgorithm: "sha256",
			SignerPublicKey:  "etrap-agent-key",
			Attestations:     []interface{}{},
			AnchoringData:    AnchoringData{GasUsed: "0", EtrapFee: "0"},
		},
	}, nil
}

func (p *Packager) buildIndices(records []TransactionRecord) Indices {
	idx := Indices{
		ByTimestamp: make(map[string][]string),
		ByOperation: make(map[string][]string),
		ByDate:      make(map[string][]string),
	}
	for _, r := range records {
		ts := r.Metadata.Timestamp
		id := r.Metadata.TransactionID
		date := time.UnixMilli(ts).In(p.loc).Format("2006-01-02")

		tsKey := strconv.FormatInt(ts, 10)
		idx.ByTimestamp[tsKey] = append(idx.ByTimestamp[tsKey], id)
		idx.ByOperation[r.Metadata.OperationType] = append(idx.ByOperation[r.Metadata.OperationType], id)
		idx.ByDate[date] = append(idx.ByDate[date], id)
	}
	return idx
}

// rawEventHash fingerprints the full event (operation, key and both images)
// for the merkle_leaf block. It is informational; inclusion proofs bind to
// the transaction hash only.
func rawEventHash(ev *stream.Event) string {
	b, err := json.Marshal(map[string]interface{}{
		"operation": string(ev.Operation),
		"key":       ev.Key,
		"before":    ev.Before,
		"after":     ev.After,
	})
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
