package near

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/mr-tron/base58"
	"github.com/near/borsh-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractEtrapFee(t *testing.T) {
	logs := []string{
		"EVENT_JSON:{\"standard\":\"nep171\",\"event\":\"nft_mint\"}",
		`{"etrap_fee":"12500000000000000000000","batch":"BATCH-2024-06-01-abcd1234"}`,
	}
	assert.Equal(t, "12500000000000000000000", ExtractEtrapFee(logs))
}

func TestExtractEtrapFeeAbsent(t *testing.T) {
	assert.Equal(t, "0", ExtractEtrapFee(nil))
	assert.Equal(t, "0", ExtractEtrapFee([]string{"minted", `{"etrap_fee":12}`}))
}

func TestParseKey(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	kp, err := ParseKey("acme.testnet", "ed25519:"+base58.Encode(priv))
	require.NoError(t, err)
	assert.Equal(t, "acme.testnet", kp.AccountID)
	assert.Equal(t, pub, kp.PublicKey)
	assert.Equal(t, "ed25519:"+base58.Encode(pub), kp.PublicKeyString())
}

func TestParseKeyRejectsBadInput(t *testing.T) {
	_, err := ParseKey("a", "ed25519:!!!!")
	assert.Error(t, err)

	// Wrong length after decode.
	_, err = ParseKey("a", "ed25519:"+base58.Encode([]byte{1, 2, 3}))
	assert.Error(t, err)
}

func TestLoadCredentials(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	dir := filepath.Join(home, ".near-credentials", "testnet")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	raw, err := json.Marshal(map[string]string{
		"account_id":  "acme.testnet",
		"private_key": "ed25519:" + base58.Encode(priv),
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "acme.testnet.json"), raw, 0o600))

	kp, err := LoadCredentials("testnet", "acme.testnet")
	require.NoError(t, err)
	assert.Equal(t, ed25519.PrivateKey(priv), kp.PrivateKey)

	_, err = LoadCredentials("testnet", "missing.testnet")
	assert.Error(t, err)
}

func TestSignProducesValidSignature(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	tx := &Transaction{
		SignerID:   "acme.testnet",
		Nonce:      7,
		ReceiverID: "acme.testnet",
		Actions:    []Action{NewFunctionCallAction("mint_batch", []byte(`{}`), 100, big.NewInt(1))},
	}
	copy(tx.PublicKey.Data[:], pub)

	raw, err := Sign(tx, priv)
	require.NoError(t, err)

	var signed SignedTransaction
	require.NoError(t, borsh.Deserialize(&signed, raw))
	assert.Equal(t, uint64(7), signed.Transaction.Nonce)
	assert.Equal(t, "mint_batch", signed.Transaction.Actions[0].FunctionCall.MethodName)

	txRaw, err := borsh.Serialize(signed.Transaction)
	require.NoError(t, err)
	digest := sha256.Sum256(txRaw)
	assert.True(t, ed25519.Verify(pub, digest[:], signed.Signature.Data[:]))
}

func TestMintArgsWireFormat(t *testing.T) {
	raw, err := json.Marshal(MintArgs{TokenID: "B", ReceiverID: "acme.testnet"})
	require.NoError(t, err)

	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &m))
	for _, key := range []string{"token_id", "receiver_id", "token_metadata", "batch_summary"} {
		assert.Contains(t, m, key)
	}
}

func TestRPCURL(t *testing.T) {
	assert.Equal(t, "https://rpc.mainnet.near.org", RPCURL("mainnet"))
	assert.Equal(t, "https://rpc.testnet.near.org", RPCURL("testnet"))
	assert.Equal(t, "http://localhost:3030", RPCURL("localnet"))
	assert.Equal(t, "https://rpc.testnet.near.org", RPCURL(""))
}
