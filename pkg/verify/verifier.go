// Package verify answers one question: is this row, exactly as presented,
// part of an anchored batch. The search is progressive, cheapest hint
// first: a known batch id, then the table's recent batches, then the
// chain-wide recent batches.
package verify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/marcoeg/etrap/pkg/bundle"
	"github.com/marcoeg/etrap/pkg/canonical"
	"github.com/marcoeg/etrap/pkg/core"
	"github.com/marcoeg/etrap/pkg/merkle"
	"github.com/marcoeg/etrap/pkg/near"
	"github.com/marcoeg/etrap/pkg/storage"
)

// Search breadth per tier.
const (
	tableSearchLimit  = 50
	recentSearchLimit = 100
)

// Status is the verification outcome.
type Status string

const (
	// StatusVerified means the hash was found and its inclusion proof
	// recomputes to the anchored root.
	StatusVerified Status = "VERIFIED"
	// StatusNotVerified means no searched batch contains the hash. It is
	// inconclusive for tampering: the row may simply predate capture or
	// live outside the search window.
	StatusNotVerified Status = "NOT_VERIFIED"
	// StatusTamperEvidence means the hash was found but its proof does not
	// recompute to the anchored root: the bundle was altered after
	// anchoring.
	StatusTamperEvidence Status = "TAMPER_EVIDENCE"
)

// Hints narrow the search.
type Hints struct {
	BatchID  string
	Table    string
	Database string
}

// Result is a full verification report.
type Result struct {
	Status          Status   `json:"status"`
	Hash            string   `json:"hash"`
	BatchID         string   `json:"batch_id,omitempty"`
	TransactionID   string   `json:"transaction_id,omitempty"`
	MerkleRoot      string   `json:"merkle_root,omitempty"`
	ProofLength     int      `json:"proof_length,omitempty"`
	AnchoredAt      int64    `json:"anchored_at,omitempty"` // ms
	BlockHeight     int64    `json:"block_height,omitempty"`
	Contract        string   `json:"contract"`
	BatchesSearched int      `json:"batches_searched"`
	Errors          []string `json:"errors,omitempty"`
}

// Verified reports whether the row checked out.
func (r *Result) Verified() bool { return r.Status == StatusVerified }

// chainIndex is the slice of the NEAR client the verifier needs.
type chainIndex interface {
	NFTToken(ctx context.Context, contractID, tokenID string) (*near.Token, error)
	BatchesByTable(ctx context.Context, contractID, table string, limit int) ([]near.Token, error)
	RecentBatches(ctx context.Context, contractID string, limit int) ([]near.Token, error)
}

// bundleReader fetches raw objects. storage.ObjectStore satisfies it.
type bundleReader interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Bucket() string
}

// Verifier checks rows against anchored batches.
type Verifier struct {
	chain    chainIndex
	store    bundleReader
	canon    *canonical.Canonicalizer
	cache    *Cache
	contract string
	log      *zap.Logger
}

// New assembles a Verifier. cache may be nil to disable local caching.
func New(chain chainIndex, store bundleReader, canon *canonical.Canonicalizer, cache *Cache, contract string, log *zap.Logger) *Verifier {
	return &Verifier{
		chain:    chain,
		store:    store,
		canon:    canon,
		cache:    cache,
		contract: contract,
		log:      log,
	}
}

// Verify hashes row and searches anchored batches for it. Every chain or
// storage failure along the way is recorded in the result and the search
// moves to the next candidate.
func (v *Verifier) Verify(ctx context.Context, row map[string]interface{}, hints Hints) (*Result, error) {
	hash, err := v.canon.Hash(row)
	if err != nil {
		return nil, fmt.Errorf("hash row: %w", err)
	}

	res := &Result{
		Status:   StatusNotVerified,
		Hash:     hash,
		Contract: v.contract,
	}

	candidates, err := v.candidates(ctx, hints, res)
	if err != nil {
		return nil, err
	}

	for i := range candidates {
		token := &candidates[i]
		res.BatchesSearched++

		b, err := v.fetchBundle(ctx, token)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("batch %s: %v", token.TokenID, err))
			v.log.Warn("bundle fetch failed",
				zap.String("batch_id", token.TokenID),
				zap.Error(err))
			continue
		}

		rec := findTransaction(b, hash)
		if rec == nil {
			continue
		}

		res.BatchID = token.TokenID
		res.TransactionID = rec.Metadata.TransactionID
		res.MerkleRoot = token.BatchSummary.MerkleRoot
		res.AnchoredAt = token.BatchSummary.Timestamp
		res.BlockHeight = b.Verification.AnchoringData.BlockHeight

		if v.proveInclusion(b, rec, token.BatchSummary.MerkleRoot, res) {
			res.Status = StatusVerified
		} else {
			res.Status = StatusTamperEvidence
		}
		return res, nil
	}
	return res, nil
}

// candidates resolves the search tiers into an ordered token list.
func (v *Verifier) candidates(ctx context.Context, hints Hints, res *Result) ([]near.Token, error) {
	if hints.BatchID != "" {
		token, err := v.chain.NFTToken(ctx, v.contract, hints.BatchID)
		if err != nil {
			if errors.Is(err, core.ErrNotFound) {
				res.Errors = append(res.Errors, fmt.Sprintf("batch %s not found on chain", hints.BatchID))
				return nil, nil
			}
			return nil, fmt.Errorf("look up batch %s: %w", hints.BatchID, err)
		}
		return []near.Token{*token}, nil
	}

	if hints.Table != "" {
		tokens, err := v.chain.BatchesByTable(ctx, v.contract, hints.Table, tableSearchLimit)
		if err != nil {
			return nil, fmt.Errorf("list batches for table %s: %w", hints.Table, err)
		}
		return filterByDatabase(tokens, hints.Database), nil
	}

	tokens, err := v.chain.RecentBatches(ctx, v.contract, recentSearchLimit)
	if err != nil {
		return nil, fmt.Errorf("list recent batches: %w", err)
	}
	return filterByDatabase(tokens, hints.Database), nil
}

// fetchBundle loads and decodes batch-data.json for one token, consulting
// the local cache first.
func (v *Verifier) fetchBundle(ctx context.Context, token *near.Token) (*bundle.Batch, error) {
	key := storage.BundleKey(token.BatchSummary.S3Key)
	cacheKey := v.store.Bucket() + "/" + key

	raw, err := v.cache.Get(cacheKey)
	if err != nil {
		v.log.Debug("cache read failed", zap.String("key", cacheKey), zap.Error(err))
	}
	if raw == nil {
		raw, err = v.store.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if err := v.cache.Put(cacheKey, raw); err != nil {
			v.log.Debug("cache write failed", zap.String("key", cacheKey), zap.Error(err))
		}
	}

	var b bundle.Batch
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	return &b, nil
}

// proveInclusion recomputes the record's inclusion proof against the
// on-chain root, not the bundle's own root, so a rewritten bundle cannot
// vouch for itself. The leaf index is the transaction id's trailing
// component.
func (v *Verifier) proveInclusion(b *bundle.Batch, rec *bundle.TransactionRecord, chainRoot string, res *Result) bool {
	if b.MerkleTree == nil {
		return false
	}
	index, err := leafIndex(rec.Metadata.TransactionID)
	if err != nil {
		return false
	}
	proof, ok := b.MerkleTree.ProofIndex[fmt.Sprintf("tx-%d", index)]
	if !ok {
		return false
	}
	res.ProofLength = len(proof.ProofPath)
	root := chainRoot
	if root == "" {
		root = b.MerkleTree.Root
	}
	return merkle.VerifyPath(rec.Metadata.Hash, proof.ProofPath, proof.SiblingPositions, root)
}

// leafIndex parses the trailing "-{i}" of a transaction id.
func leafIndex(transactionID string) (int, error) {
	cut := strings.LastIndex(transactionID, "-")
	if cut < 0 {
		return 0, fmt.Errorf("transaction id %q has no index suffix", transactionID)
	}
	return strconv.Atoi(transactionID[cut+1:])
}

func findTransaction(b *bundle.Batch, hash string) *bundle.TransactionRecord {
	for i := range b.Transactions {
		if b.Transactions[i].Metadata.Hash == hash {
			return &b.Transactions[i]
		}
	}
	return nil
}

func filterByDatabase(tokens []near.Token, database string) []near.Token {
	if database == "" {
		return tokens
	}
	out := tokens[:0]
	for _, t := range tokens {
		if t.BatchSummary.DatabaseName == database {
			out = append(out, t)
		}
	}
	return out
}
