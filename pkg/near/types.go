package near

// OperationCounts summarises row deltas for one anchored batch.
type OperationCounts struct {
	Inserts int `json:"inserts"`
	Updates int `json:"updates"`
	Deletes int `json:"deletes"`
}

// BatchSummary is the on-chain record attached to a minted batch token.
// Timestamp is the earliest transaction timestamp (ms) in the batch and is
// the authoritative anchoring time.
type BatchSummary struct {
	DatabaseName    string          `json:"database_name"`
	TableNames      []string        `json:"table_names"`
	Timestamp       int64           `json:"timestamp"`
	TxCount         int             `json:"tx_count"`
	MerkleRoot      string          `json:"merkle_root"`
	S3Bucket        string          `json:"s3_bucket"`
	S3Key           string          `json:"s3_key"`
	SizeBytes       int64           `json:"size_bytes"`
	OperationCounts OperationCounts `json:"operation_counts"`
}

// TokenMetadata is the NEP-177 metadata minted with a batch token.
// Reference is an HTTPS URL pointing at the batch-data.json bundle.
type TokenMetadata struct {
	Title         string  `json:"title"`
	Description   string  `json:"description"`
	Media         *string `json:"media"`
	MediaHash     *string `json:"media_hash"`
	Copies        int     `json:"copies"`
	IssuedAt      string  `json:"issued_at"`
	ExpiresAt     *string `json:"expires_at"`
	StartsAt      *string `json:"starts_at"`
	UpdatedAt     *string `json:"updated_at"`
	Extra         *string `json:"extra"`
	Reference     string  `json:"reference"`
	ReferenceHash *string `json:"reference_hash"`
}

// Token is the chain's view of one anchored batch. TokenID equals the batch
// id, which is what makes re-mints idempotent at the contract layer.
type Token struct {
	TokenID      string        `json:"token_id"`
	OwnerID      string        `json:"owner_id"`
	Metadata     TokenMetadata `json:"metadata"`
	BatchSummary BatchSummary  `json:"batch_summary"`
}

// MintArgs is the argument object for the contract's mint_batch method.
type MintArgs struct {
	TokenID       string        `json:"token_id"`
	ReceiverID    string        `json:"receiver_id"`
	TokenMetadata TokenMetadata `json:"token_metadata"`
	BatchSummary  BatchSummary  `json:"batch_summary"`
}

// BatchStats is the contract's aggregate view of all anchored batches.
type BatchStats struct {
	TotalBatches      int64 `json:"total_batches"`
	TotalTransactions int64 `json:"total_transactions"`
}
