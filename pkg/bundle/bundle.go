// Package bundle assembles the immutable reference bundle for one
// (database, table) batch: transaction records, the Merkle tree, lookup
// indices and the verification block.
package bundle

import (
	"time"

	"github.com/google/uuid"

	"github.com/marcoeg/etrap/pkg/merkle"
)

// AgentVersion is recorded in every bundle's batch_info block.
const AgentVersion = "1.0.0"

// BatchInfo identifies one packaged batch.
type BatchInfo struct {
	BatchID        string `json:"batch_id"`
	CreatedAt      int64  `json:"created_at"`
	OrganizationID string `json:"organization_id"`
	DatabaseName   string `json:"database_name"`
	AgentVersion   string `json:"etrap_agent_version"`
}

// RowsAffected carries per-event row deltas; exactly one field is 1.
type RowsAffected struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Deleted  int `json:"deleted"`
}

// TransactionMetadata is the per-event entry in a packaged batch. No row
// data is stored here, only the transaction hash.
type TransactionMetadata struct {
	TransactionID   string       `json:"transaction_id"`
	Timestamp       int64        `json:"timestamp"`
	OperationType   string       `json:"operation_type"`
	DatabaseName    string       `json:"database_name"`
	TableAffected   string       `json:"table_affected"`
	RowsAffected    RowsAffected `json:"rows_affected"`
	Hash            string       `json:"hash"`
	UserID          string       `json:"user_id"`
	LSN             interface{}  `json:"lsn"`
	TransactionDBID interface{}  `json:"transaction_db_id"`
}

// MerkleLeaf links a transaction record to its leaf in the batch tree.
type MerkleLeaf struct {
	Index       int    `json:"index"`
	Hash        string `json:"hash"`
	RawDataHash string `json:"raw_data_hash"`
}

// DataLocation reserves the storage path for an event. Row data itself is
// never written there; the path exists for deployments that opt in to
// encrypted payload retention.
type DataLocation struct {
	Encrypted        bool        `json:"encrypted"`
	StoragePath      string      `json:"storage_path"`
	RetentionExpires interface{} `json:"retention_expires"`
}

// TransactionRecord is one transaction entry of the bundle.
type TransactionRecord struct {
	Metadata     TransactionMetadata `json:"metadata"`
	MerkleLeaf   MerkleLeaf          `json:"merkle_leaf"`
	DataLocation DataLocation        `json:"data_location"`
}

// Indices are the auxiliary lookup maps stored beside the bundle.
type Indices struct {
	ByTimestamp map[string][]string `json:"by_timestamp"`
	ByOperation map[string][]string `json:"by_operation"`
	ByDate      map[string][]string `json:"by_date"`
}

// Compliance mirrors the policy block of the reference bundle format.
type Compliance struct {
	RulesApplied        []string      `json:"rules_applied"`
	DataClassifications []string      `json:"data_classifications"`
	RetentionPolicy     string        `json:"retention_policy"`
	ComplianceChecks    []interface{} `json:"compliance_checks"`
}

// AnchoringData is zeroed at packaging time and filled in after a
// successful mint. A zero BlockHeight marks the batch pending-anchor.
type AnchoringData struct {
	BlockHeight int64  `json:"block_height"`
	TxHash      string `json:"tx_hash"`
	GasUsed     string `json:"gas_used"`
	EtrapFee    string `json:"etrap_fee"`
}

// Verification holds the batch signature and the anchoring record.
type Verification struct {
	BatchSignature   string        `json:"batch_signature"`
	SigningAlgorithm string        `json:"signing_algorithm"`
	SignerPublicKey  string        `json:"signer_public_key"`
	Attestations     []interface{} `json:"attestations"`
	AnchoringData    AnchoringData `json:"anchoring_data"`
}

// Batch is the full bundle written to batch-data.json. It is sealed once
// packaged; only Verification.AnchoringData may be filled in afterwards.
type Batch struct {
	BatchInfo    BatchInfo           `json:"batch_info"`
	Transactions []TransactionRecord `json:"transactions"`
	MerkleTree   *merkle.Tree        `json:"merkle_tree"`
	Indices      Indices             `json:"indices"`
	Compliance   Compliance          `json:"compliance"`
	Verification Verification        `json:"verification"`
}

// Database and Table scope the batch; batches never span tables.
func (b *Batch) Database() string { return b.BatchInfo.DatabaseName }

// Table returns the single table this batch covers.
func (b *Batch) Table() string {
	if len(b.Transactions) == 0 {
		return ""
	}
	return b.Transactions[0].Metadata.TableAffected
}

// MinTimestamp returns the earliest transaction timestamp in ms; it becomes
// the authoritative batch timestamp on chain.
func (b *Batch) MinTimestamp() int64 {
	var min int64
	for i, tx := range b.Transactions {
		if i == 0 || tx.Metadata.Timestamp < min {
			min = tx.Metadata.Timestamp
		}
	}
	return min
}

// OperationCounts tallies inserts/updates/deletes for the chain summary.
func (b *Batch) OperationCounts() (inserts, updates, deletes int) {
	for _, tx := range b.Transactions {
		switch tx.Metadata.OperationType {
		case "INSERT":
			inserts++
		case "UPDATE":
			updates++
		case "DELETE":
			deletes++
		}
	}
	return
}

// NewBatchID allocates a batch id of form BATCH-YYYY-MM-DD-{8 hex}. The hex
// suffix comes from a fresh UUID; uniqueness is per organisation.
func NewBatchID(now time.Time) string {
	return "BATCH-" + now.Format("2006-01-02") + "-" + uuid.New().String()[:8]
}
