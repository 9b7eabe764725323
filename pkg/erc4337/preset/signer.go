package preset

import (
	"context"
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-userops/core/chainio/aa"
	"github.com/AvaProtocol/ap-userops/core/chainio/signer"
	"github.com/AvaProtocol/ap-userops/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-userops/pkg/logger"
)

// Hasher computes the hash an account validates a signature against.
// aa.EntryPoint and userop.LocalHasher both satisfy it.
type Hasher interface {
	UserOpHash(ctx context.Context, op *userop.UserOperation) (common.Hash, error)
}

// OpSigner signs finished operations with the owner credential.
type OpSigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
	hasher  Hasher
	// crossCheck, when set, must produce the same hash as hasher.
	crossCheck Hasher
	logger     logger.Logger
}

func NewOpSigner(key *ecdsa.PrivateKey, hasher Hasher, lgr logger.Logger) *OpSigner {
	return &OpSigner{
		key:     key,
		address: signer.Address(key),
		hasher:  hasher,
		logger:  logger.EnsureLogger(lgr),
	}
}

// WithCrossCheck makes Sign compare the primary hash against a second hasher, typically the
// EntryPoint call against the local computation.
func (s *OpSigner) WithCrossCheck(h Hasher) *OpSigner {
	s.crossCheck = h
	return s
}

// Address is the credential's address.
func (s *OpSigner) Address() common.Address {
	return s.address
}

// Sign hashes op and returns a signed copy. op itself is left untouched.
func (s *OpSigner) Sign(ctx context.Context, op *userop.UserOperation) (*userop.UserOperation, error) {
	if err := op.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSigningFailed, err)
	}

	hash, err := s.hasher.UserOpHash(ctx, op)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to compute userOpHash: %w", ErrSigningFailed, err)
	}

	if s.crossCheck != nil {
		other, err := s.crossCheck.UserOpHash(ctx, op)
		if err != nil {
			return nil, fmt.Errorf("%w: cross-check hash: %w", ErrSigningFailed, err)
		}
		if other != hash {
			return nil, fmt.Errorf("%w: hash mismatch %s != %s", ErrSigningFailed, hash.Hex(), other.Hex())
		}
	}

	sig, err := signer.SignMessage(s.key, hash.Bytes())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSigningFailed, err)
	}

	// Local signature self-check (detects struct/signature drift before sending)
	recovered, err := signer.RecoverMessageSigner(hash.Bytes(), sig)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSigningFailed, err)
	}
	if recovered != s.address {
		return nil, fmt.Errorf("%w: recovered %s != credential %s", ErrSigningFailed, recovered.Hex(), s.address.Hex())
	}

	s.logger.Debug("userop signed", "sender", op.Sender.Hex(), "nonce", op.Nonce.String(), "userOpHash", hash.Hex())
	return op.WithSignature(sig), nil
}

// VerifyOwner checks that a deployed account is owned by the credential. Signing for an
// account with another owner can only end in a relay rejection.
func (s *OpSigner) VerifyOwner(ctx context.Context, conn bind.ContractCaller, sender common.Address) error {
	owner, err := aa.GetOwner(ctx, conn, sender)
	if err != nil {
		return fmt.Errorf("%w: failed to read owner of %s: %w", ErrSigningFailed, sender.Hex(), err)
	}
	if owner != s.address {
		return fmt.Errorf("%w: account %s is owned by %s, not %s", ErrSigningFailed, sender.Hex(), owner.Hex(), s.address.Hex())
	}
	return nil
}
