// Package anchor mints one NFT per sealed batch on the ETRAP NEAR
// contract. The token id equals the batch id, so a duplicate mint fails on
// chain and is treated here as already-anchored.
package anchor

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/marcoeg/etrap/pkg/bundle"
	"github.com/marcoeg/etrap/pkg/core"
	"github.com/marcoeg/etrap/pkg/near"
	"github.com/marcoeg/etrap/pkg/retry"
	"github.com/marcoeg/etrap/pkg/storage"
)

const (
	mintGas      = 100_000_000_000_000 // 100 TGas
	mintAttempts = 3
	mintBackoff  = 2 * time.Second
)

// mintDeposit is 0.5 NEAR in yoctoNEAR, covering contract storage for the
// token plus the contract's fee.
var mintDeposit, _ = new(big.Int).SetString("500000000000000000000000", 10)

// Receipt records a successful mint.
type Receipt struct {
	TokenID     string
	TxHash      string
	BlockHeight int64
	GasBurnt    uint64
	EtrapFee    string
}

// Anchorer anchors a sealed batch on chain.
type Anchorer interface {
	// Anchor mints the batch token and returns the receipt. A batch whose
	// token already exists returns core.ErrTokenExists; callers treat that
	// as anchored.
	Anchor(ctx context.Context, b *bundle.Batch) (*Receipt, error)
}

// chainCaller is the slice of the NEAR client Anchor needs.
type chainCaller interface {
	CallFunction(ctx context.Context, key *near.KeyPair, contractID, method string, args interface{}, gas uint64, deposit *big.Int) (*near.ExecutionOutcome, error)
	BlockHeight(ctx context.Context, blockHash string) (int64, error)
}

// NEARAnchorer mints batch tokens via mint_batch on the organisation's
// contract account. The contract account is the organisation account
// itself.
type NEARAnchorer struct {
	client   chainCaller
	key      *near.KeyPair
	contract string
	bucket   string
	log      *zap.Logger
}

// NewNEARAnchorer returns an anchorer minting to contract with key. bucket
// names the S3 bucket recorded in the on-chain summary.
func NewNEARAnchorer(client *near.Client, key *near.KeyPair, contract, bucket string, log *zap.Logger) *NEARAnchorer {
	return &NEARAnchorer{client: client, key: key, contract: contract, bucket: bucket, log: log}
}

// Anchor builds the mint arguments from b and submits mint_batch, retrying
// transient failures with exponential backoff. On success it fills in
// nothing on b; the caller records the receipt into the bundle before
// persisting.
func (a *NEARAnchorer) Anchor(ctx context.Context, b *bundle.Batch) (*Receipt, error) {
	args := near.MintArgs{
		TokenID:       b.BatchInfo.BatchID,
		ReceiverID:    a.key.AccountID,
		TokenMetadata: a.tokenMetadata(b),
		BatchSummary:  a.batchSummary(b),
	}

	var outcome *near.ExecutionOutcome
	err := retry.Do(ctx, mintAttempts, mintBackoff, 2, func(attempt int) error {
		if attempt > 0 {
			a.log.Warn("retrying mint",
				zap.String("batch_id", b.BatchInfo.BatchID),
				zap.Int("attempt", attempt+1))
		}
		out, err := a.client.CallFunction(ctx, a.key, a.contract, "mint_batch", args, mintGas, mintDeposit)
		if err != nil {
			if isTokenExists(err) {
				return retry.Permanent(fmt.Errorf("token %s: %w", b.BatchInfo.BatchID, core.ErrTokenExists))
			}
			return err
		}
		outcome = out
		return nil
	})
	if err != nil {
		return nil, err
	}

	height, err := a.client.BlockHeight(ctx, outcome.TransactionOutcome.BlockHash)
	if err != nil {
		// The mint succeeded; a missing height only degrades the bundle's
		// anchoring record.
		a.log.Warn("block height lookup failed",
			zap.String("block_hash", outcome.TransactionOutcome.BlockHash),
			zap.Error(err))
	}

	return &Receipt{
		TokenID:     b.BatchInfo.BatchID,
		TxHash:      outcome.Transaction.Hash,
		BlockHeight: height,
		GasBurnt:    outcome.TransactionOutcome.Outcome.GasBurnt,
		EtrapFee:    near.ExtractEtrapFee(outcome.Logs()),
	}, nil
}

func (a *NEARAnchorer) batchSummary(b *bundle.Batch) near.BatchSummary {
	inserts, updates, deletes := b.OperationCounts()
	size := int64(0)
	if raw, err := json.Marshal(b); err == nil {
		size = int64(len(raw))
	}
	return near.BatchSummary{
		DatabaseName: b.Database(),
		TableNames:   []string{b.Table()},
		Timestamp:    b.MinTimestamp(),
		TxCount:      len(b.Transactions),
		MerkleRoot:   b.MerkleTree.Root,
		S3Bucket:     a.bucket,
		S3Key:        storage.BasePath(b.Database(), b.Table(), b.BatchInfo.BatchID) + "/",
		SizeBytes:    size,
		OperationCounts: near.OperationCounts{
			Inserts: inserts,
			Updates: updates,
			Deletes: deletes,
		},
	}
}

func (a *NEARAnchorer) tokenMetadata(b *bundle.Batch) near.TokenMetadata {
	base := storage.BasePath(b.Database(), b.Table(), b.BatchInfo.BatchID)
	return near.TokenMetadata{
		Title: "ETRAP Batch " + b.BatchInfo.BatchID,
		Description: fmt.Sprintf("Integrity record for %d transactions on %s.%s",
			len(b.Transactions), b.Database(), b.Table()),
		Copies:    1,
		IssuedAt:  strconv.FormatInt(time.Now().UnixMilli(), 10),
		Reference: fmt.Sprintf("https://s3.amazonaws.com/%s/%s/%s", a.bucket, base, storage.BundleObject),
	}
}

// isTokenExists matches the contract panic raised for a duplicate token id.
func isTokenExists(err error) bool {
	return strings.Contains(err.Error(), "already exists")
}

// ApplyReceipt records a mint receipt into the bundle's anchoring block.
func ApplyReceipt(b *bundle.Batch, r *Receipt) {
	b.Verification.AnchoringData = bundle.AnchoringData{
		BlockHeight: r.BlockHeight,
		TxHash:      r.TxHash,
		GasUsed:     strconv.FormatUint(r.GasBurnt, 10),
		EtrapFee:    r.EtrapFee,
	}
}
