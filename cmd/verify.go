package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/marcoeg/etrap/pkg/canonical"
	"github.com/marcoeg/etrap/pkg/near"
	"github.com/marcoeg/etrap/pkg/storage"
	"github.com/marcoeg/etrap/pkg/verify"
)

var errNotVerified = errors.New("row not verified")

// NewVerifyCmd creates the row verification command.
func NewVerifyCmd() *cobra.Command {
	var (
		contract string
		network  string
		data     string
		dataFile string
		batchID  string
		table    string
		database string
		bucket   string
		cacheDir string
		asJSON   bool
		quiet    bool
	)

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify a row against the anchored record",
		Long: `Hashes a row exactly as presented and searches anchored batches for it.
Exits 0 when the row verifies, 1 otherwise.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			row, err := readRow(data, dataFile, cmd.InOrStdin())
			if err != nil {
				return err
			}

			cfg := app.Config
			if contract == "" {
				contract = cfg.NEAR.Contract
			}
			if contract == "" {
				return fmt.Errorf("contract account required (--contract or NEAR_ACCOUNT)")
			}
			if network == "" {
				network = cfg.NEAR.Network
			}
			if bucket == "" {
				bucket = cfg.S3.Bucket
			}

			store, err := storage.NewS3Store(cmd.Context(), storage.S3Config{
				Bucket:    bucket,
				Region:    cfg.S3.Region,
				AccessKey: cfg.S3.AccessKey,
				SecretKey: cfg.S3.SecretKey,
			})
			if err != nil {
				return err
			}

			var cache *verify.Cache
			if cacheDir != "" {
				cache, err = verify.OpenCache(cacheDir)
				if err != nil {
					app.Log.Warn("bundle cache unavailable", zap.String("dir", cacheDir), zap.Error(err))
				} else {
					defer cache.Close()
				}
			}

			v := verify.New(near.NewClient(network), store, canonical.New(app.Location), cache, contract, app.Log)
			res, err := v.Verify(cmd.Context(), row, verify.Hints{
				BatchID:  batchID,
				Table:    table,
				Database: database,
			})
			if err != nil {
				return err
			}

			if err := printResult(cmd.OutOrStdout(), res, asJSON, quiet); err != nil {
				return err
			}
			if !res.Verified() {
				return errNotVerified
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&contract, "contract", "", "NEAR contract account holding the batch tokens")
	cmd.Flags().StringVar(&network, "network", "", "NEAR network (testnet, mainnet, localnet)")
	cmd.Flags().StringVar(&data, "data", "", "row data as a JSON object")
	cmd.Flags().StringVar(&dataFile, "data-file", "", "file with row data as JSON, or - for stdin")
	cmd.Flags().StringVar(&batchID, "batch-id", "", "batch id hint, checked first")
	cmd.Flags().StringVar(&table, "table", "", "table name hint")
	cmd.Flags().StringVar(&database, "database", "", "database name hint")
	cmd.Flags().StringVar(&bucket, "bucket", "", "S3 bucket holding the bundles")
	cmd.Flags().StringVar(&cacheDir, "cache-dir", "", "directory for the local bundle cache")
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit the result as JSON")
	cmd.Flags().BoolVar(&quiet, "quiet", false, "print only the status line")
	return cmd
}

// readRow loads the row JSON, preserving numeric literals exactly as
// written so the computed hash matches the capture-time hash.
func readRow(data, dataFile string, stdin io.Reader) (map[string]interface{}, error) {
	var raw []byte
	switch {
	case data != "":
		raw = []byte(data)
	case dataFile == "-":
		var err error
		raw, err = io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
	case dataFile != "":
		var err error
		raw, err = os.ReadFile(dataFile)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("row data required (--data or --data-file)")
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var row map[string]interface{}
	if err := dec.Decode(&row); err != nil {
		return nil, fmt.Errorf("parse row data: %w", err)
	}
	return row, nil
}

func printResult(w io.Writer, res *verify.Result, asJSON, quiet bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	fmt.Fprintf(w, "Status: %s\n", res.Status)
	if quiet {
		return nil
	}

	fmt.Fprintf(w, "Hash:   %s\n", res.Hash)
	if res.BatchID != "" {
		fmt.Fprintf(w, "Batch:  %s (transaction %s)\n", res.BatchID, res.TransactionID)
		fmt.Fprintf(w, "Root:   %s (proof length %d)\n", res.MerkleRoot, res.ProofLength)
		if res.AnchoredAt > 0 {
			fmt.Fprintf(w, "Anchored: %s", time.UnixMilli(res.AnchoredAt).UTC().Format(time.RFC3339))
			if res.BlockHeight > 0 {
				fmt.Fprintf(w, " (block %d)", res.BlockHeight)
			}
			fmt.Fprintln(w)
		}
	}
	fmt.Fprintf(w, "Searched %d batch(es) on %s\n", res.BatchesSearched, res.Contract)
	for _, e := range res.Errors {
		fmt.Fprintf(w, "Warning: %s\n", e)
	}
	switch res.Status {
	case verify.StatusTamperEvidence:
		fmt.Fprintln(w, "The row's hash is anchored but its inclusion proof does not match the on-chain root.")
	case verify.StatusNotVerified:
		fmt.Fprintln(w, "No searched batch contains this row. It may predate capture, differ from the stored version, or lie outside the search window.")
	}
	return nil
}
