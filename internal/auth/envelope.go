// Package auth implements the authentication gate: single-use nonces,
// wallet signature verification for both key-pair and smart-contract
// wallets, lazy identity provisioning, and JWT identity tokens.
package auth

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

var (
	// ErrBadSignature is returned when a signature fails verification or
	// its shape cannot be determined confidently. Unknown shapes fail
	// closed — there is no heuristic byte scanning.
	ErrBadSignature = errors.New("auth: signature verification failed")

	// ErrNoContractVerifier is returned when an ERC-1271 signature arrives
	// but no chain client is configured to delegate to.
	ErrNoContractVerifier = errors.New("auth: contract wallet verification not available")
)

// EnvelopeKind tags how a wallet packaged its signature.
type EnvelopeKind string

const (
	// EnvelopeRaw is a plain 65-byte key-pair signature recoverable to an
	// address.
	EnvelopeRaw EnvelopeKind = "raw"

	// EnvelopeABIWrapped is a raw signature wrapped in ABI dynamic-bytes
	// encoding (offset, length, padded payload).
	EnvelopeABIWrapped EnvelopeKind = "abi"

	// EnvelopeDeferred delegates validation to the wallet contract's own
	// ERC-1271 isValidSignature entry point.
	EnvelopeDeferred EnvelopeKind = "erc1271"
)

const rawSigLen = 65

// erc1271Magic is the isValidSignature(bytes32,bytes) success value, which
// doubles as the function selector.
var erc1271Magic = [4]byte{0x16, 0x26, 0xba, 0x7e}

// ClassifyEnvelope resolves the envelope for a signature. The caller's tag
// wins when present; with no tag, only the unambiguous 65-byte raw shape
// is accepted. Anything else fails closed rather than guessing.
func ClassifyEnvelope(kind string, sig []byte) (EnvelopeKind, error) {
	switch EnvelopeKind(kind) {
	case EnvelopeRaw, EnvelopeABIWrapped, EnvelopeDeferred:
		return EnvelopeKind(kind), nil
	case "":
		if len(sig) == rawSigLen {
			return EnvelopeRaw, nil
		}
		return "", fmt.Errorf("%w: untagged signature of %d bytes", ErrBadSignature, len(sig))
	default:
		return "", fmt.Errorf("%w: unknown envelope kind %q", ErrBadSignature, kind)
	}
}

// unwrapABI extracts the payload from a strict ABI dynamic-bytes encoding:
// a 32-byte offset of 0x20, a 32-byte length, then the payload padded to a
// 32-byte boundary. Any deviation fails closed.
func unwrapABI(sig []byte) ([]byte, error) {
	if len(sig) < 64 || len(sig)%32 != 0 {
		return nil, fmt.Errorf("%w: malformed abi wrapper", ErrBadSignature)
	}

	var head [32]byte
	head[31] = 0x20
	if !bytes.Equal(sig[:32], head[:]) {
		return nil, fmt.Errorf("%w: abi wrapper offset is not 0x20", ErrBadSignature)
	}

	for _, b := range sig[32:56] {
		if b != 0 {
			return nil, fmt.Errorf("%w: abi wrapper length out of range", ErrBadSignature)
		}
	}
	length := binary.BigEndian.Uint64(sig[56:64])
	if length > uint64(len(sig)-64) {
		return nil, fmt.Errorf("%w: abi wrapper length out of range", ErrBadSignature)
	}
	padded := (length + 31) / 32 * 32
	if uint64(len(sig)) != 64+padded {
		return nil, fmt.Errorf("%w: abi wrapper length mismatch", ErrBadSignature)
	}

	payload := sig[64 : 64+length]
	for _, b := range sig[64+length:] {
		if b != 0 {
			return nil, fmt.Errorf("%w: abi wrapper padding not zero", ErrBadSignature)
		}
	}
	return payload, nil
}

// recoverAddress recovers the signer of an EIP-191 personal-sign message
// from a 65-byte signature.
func recoverAddress(message string, sig []byte) (common.Address, error) {
	if len(sig) != rawSigLen {
		return common.Address{}, fmt.Errorf("%w: signature must be %d bytes, got %d",
			ErrBadSignature, rawSigLen, len(sig))
	}

	// Wallets set V to 27/28; go-ethereum expects 0/1.
	fixed := make([]byte, rawSigLen)
	copy(fixed, sig)
	if fixed[64] >= 27 {
		fixed[64] -= 27
	}
	if fixed[64] > 1 {
		return common.Address{}, fmt.Errorf("%w: invalid recovery id", ErrBadSignature)
	}

	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), fixed)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// ContractVerifier validates a signature against a smart-contract wallet's
// own ERC-1271 entry point. Interface so tests can substitute a fake chain.
type ContractVerifier interface {
	ValidSignature(ctx context.Context, wallet common.Address, hash [32]byte, sig []byte) (bool, error)
}

// RPCContractVerifier calls isValidSignature on the wallet contract
// through an Ethereum node.
type RPCContractVerifier struct {
	client *ethclient.Client
}

// NewRPCContractVerifier wraps an ethclient for ERC-1271 calls.
func NewRPCContractVerifier(client *ethclient.Client) *RPCContractVerifier {
	return &RPCContractVerifier{client: client}
}

func (v *RPCContractVerifier) ValidSignature(ctx context.Context, wallet common.Address, hash [32]byte, sig []byte) (bool, error) {
	data := packIsValidSignature(hash, sig)

	out, err := v.client.CallContract(ctx, ethereum.CallMsg{To: &wallet, Data: data}, nil)
	if err != nil {
		return false, fmt.Errorf("erc1271 call: %w", err)
	}
	return len(out) >= 4 && bytes.Equal(out[:4], erc1271Magic[:]), nil
}

// packIsValidSignature builds calldata for isValidSignature(bytes32,bytes).
func packIsValidSignature(hash [32]byte, sig []byte) []byte {
	padded := (len(sig) + 31) / 32 * 32

	data := make([]byte, 0, 4+32+32+32+padded)
	data = append(data, erc1271Magic[:]...)
	data = append(data, hash[:]...)

	var word [32]byte
	word[31] = 0x40 // offset of the bytes argument
	data = append(data, word[:]...)

	word = [32]byte{}
	binary.BigEndian.PutUint64(word[24:], uint64(len(sig)))
	data = append(data, word[:]...)

	data = append(data, sig...)
	data = append(data, make([]byte, padded-len(sig))...)
	return data
}
