package near

import (
	"crypto/ed25519"
	"crypto/sha256"
	"math/big"

	"github.com/near/borsh-go"
)

// Borsh wire types for NEAR transactions. Field order is the serialization
// order and must not change.

// PublicKey is a curve-tagged key; key type 0 is ed25519.
type PublicKey struct {
	KeyType uint8
	Data    [32]byte
}

// Signature is a curve-tagged signature; key type 0 is ed25519.
type Signature struct {
	KeyType uint8
	Data    [64]byte
}

// FunctionCall invokes a contract method with an attached gas budget and
// deposit (yoctoNEAR, u128).
type FunctionCall struct {
	MethodName string
	Args       []byte
	Gas        uint64
	Deposit    big.Int
}

// Unused action variants. They exist only to give FunctionCall its correct
// enum ordinal (2) in the Action sum type.
type (
	CreateAccount  struct{}
	DeployContract struct{ Code []byte }
	Transfer       struct{ Deposit big.Int }
	Stake          struct {
		Stake     big.Int
		PublicKey PublicKey
	}
	AddKey struct {
		PublicKey PublicKey
		AccessKey []byte
	}
	DeleteKey     struct{ PublicKey PublicKey }
	DeleteAccount struct{ BeneficiaryID string }
)

// Action is the NEAR action enum.
type Action struct {
	Enum           borsh.Enum `borsh_enum:"true"`
	CreateAccount  CreateAccount
	DeployContract DeployContract
	FunctionCall   FunctionCall
	Transfer       Transfer
	Stake          Stake
	AddKey         AddKey
	DeleteKey      DeleteKey
	DeleteAccount  DeleteAccount
}

const actionFunctionCall = 2

// NewFunctionCallAction builds the single action this pipeline ever sends.
func NewFunctionCallAction(method string, args []byte, gas uint64, deposit *big.Int) Action {
	return Action{
		Enum: borsh.Enum(actionFunctionCall),
		FunctionCall: FunctionCall{
			MethodName: method,
			Args:       args,
			Gas:        gas,
			Deposit:    *deposit,
		},
	}
}

// Transaction is the unsigned NEAR transaction.
type Transaction struct {
	SignerID   string
	PublicKey  PublicKey
	Nonce      uint64
	ReceiverID string
	BlockHash  [32]byte
	Actions    []Action
}

// SignedTransaction pairs a transaction with its ed25519 signature over the
// sha-256 of the borsh-serialized transaction.
type SignedTransaction struct {
	Transaction Transaction
	Signature   Signature
}

// Sign serializes tx, hashes it and signs with key, returning the
// borsh-serialized signed transaction ready for broadcast.
func Sign(tx *Transaction, key ed25519.PrivateKey) ([]byte, error) {
	raw, err := borsh.Serialize(*tx)
	if err != nil {
		return nil, err
	}
	digest := sha256.Sum256(raw)
	sig := ed25519.Sign(key, digest[:])

	signed := SignedTransaction{Transaction: *tx}
	signed.Signature.KeyType = 0
	copy(signed.Signature.Data[:], sig)
	return borsh.Serialize(signed)
}
