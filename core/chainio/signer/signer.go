package signer

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	eip191Prefix = "\x19Ethereum Signed Message:\n"
)

var ErrInvalidSignature = errors.New("invalid signature")

// ParsePrivateKey accepts a hex private key with or without 0x prefix.
func ParsePrivateKey(privateKeyHex string) (*ecdsa.PrivateKey, error) {
	privateKeyHex = strings.TrimSpace(privateKeyHex)
	privateKeyHex = strings.TrimPrefix(privateKeyHex, "0x")
	if privateKeyHex == "" {
		return nil, errors.New("empty private key")
	}
	return crypto.HexToECDSA(privateKeyHex)
}

func FromPrivateKeyHex(privateKeyHex string, chainID *big.Int) (*bind.TransactOpts, error) {
	privateKey, err := ParsePrivateKey(privateKeyHex)
	if err != nil {
		return nil, err
	}

	return bind.NewKeyedTransactorWithChainID(privateKey, chainID)
}

// Address returns the EOA controlled by key.
func Address(key *ecdsa.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(key.PublicKey)
}

// HashMessage applies the EIP-191 personal message prefix and hashes the result.
func HashMessage(data []byte) common.Hash {
	prefix := []byte(eip191Prefix + fmt.Sprint(len(data)))
	return crypto.Keccak256Hash(append(prefix, data...))
}

// Generate EIP191 signature
func SignMessage(key *ecdsa.PrivateKey, data []byte) ([]byte, error) {
	hash := HashMessage(data)
	sig, e := crypto.Sign(hash.Bytes(), key)
	if e != nil {
		return nil, e
	}
	// https://stackoverflow.com/questions/69762108/implementing-ethereum-personal-sign-eip-191-from-go-ethereum-gives-different-s
	sig[64] += 27

	return sig, nil
}

// RecoverMessageSigner returns the address that produced an EIP191 signature over data.
func RecoverMessageSigner(data []byte, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(sig))
	}

	normalized := common.CopyBytes(sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}

	pub, err := crypto.SigToPub(HashMessage(data).Bytes(), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

func SignMessageAsHex(key *ecdsa.PrivateKey, data []byte) (string, error) {
	signature, e := SignMessage(key, data)
	if e == nil {
		return common.Bytes2Hex(signature), nil
	}

	return "", e
}
