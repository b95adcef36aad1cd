package vault

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/stakewise/v3-core-sub000/internal/model"
)

var (
	domainTypeHash = crypto.Keccak256Hash([]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))
	permitTypeHash = crypto.Keccak256Hash([]byte("Permit(address owner,address spender,uint256 value,uint256 nonce,uint256 deadline)"))
	nameHash       = crypto.Keccak256Hash([]byte("SettlementVault"))
	versionHash    = crypto.Keccak256Hash([]byte("1"))
)

// Permit is a signed approval of spender over owner's shares.
type Permit struct {
	Owner     common.Address
	Spender   common.Address
	Value     *uint256.Int
	Deadline  time.Time
	Signature []byte // 65 bytes, r ‖ s ‖ v
}

func word(x *uint256.Int) []byte {
	b := x.Bytes32()
	return b[:]
}

func addressWord(a common.Address) []byte {
	return common.LeftPadBytes(a.Bytes(), 32)
}

// DomainSeparator binds permits to this vault and chain.
func (v *Vault) DomainSeparator() common.Hash {
	return crypto.Keccak256Hash(
		domainTypeHash[:],
		nameHash[:],
		versionHash[:],
		word(uint256.NewInt(v.cfg.ChainID)),
		addressWord(v.cfg.Address),
	)
}

// PermitDigest returns the hash owner signs to approve spender.
func (v *Vault) PermitDigest(owner, spender common.Address, value *uint256.Int, nonce uint64, deadline time.Time) common.Hash {
	structHash := crypto.Keccak256Hash(
		permitTypeHash[:],
		addressWord(owner),
		addressWord(spender),
		word(value),
		word(uint256.NewInt(nonce)),
		word(uint256.NewInt(uint64(deadline.Unix()))),
	)
	sep := v.DomainSeparator()
	return crypto.Keccak256Hash([]byte("\x19\x01"), sep[:], structHash[:])
}

// Permit verifies p and sets the allowance it grants.
func (v *Vault) Permit(env model.Env, p Permit) error {
	if p.Spender == (common.Address{}) || p.Owner == (common.Address{}) {
		return model.ErrZeroAddress
	}
	if p.Value == nil {
		return model.ErrInvalidAmount
	}
	if env.Now().After(p.Deadline) {
		return model.ErrDeadlineExpired
	}
	if len(p.Signature) != crypto.SignatureLength {
		return fmt.Errorf("signature length %d: %w", len(p.Signature), model.ErrInvalidSignature)
	}
	sig := make([]byte, crypto.SignatureLength)
	copy(sig, p.Signature)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	nonce := v.PermitNonce(p.Owner)
	digest := v.PermitDigest(p.Owner, p.Spender, p.Value, nonce, p.Deadline)
	pub, err := crypto.SigToPub(digest[:], sig)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrInvalidSignature, err)
	}
	if crypto.PubkeyToAddress(*pub) != p.Owner {
		return model.ErrInvalidSignature
	}

	v.permitNonces.Set(p.Owner, nonce+1)
	if err := v.ledger.Approve(p.Owner, p.Spender, p.Value); err != nil {
		return err
	}
	env.Emit(model.Event{
		Kind:     model.EventPermitApproved,
		Source:   Source,
		Owner:    p.Owner.Hex(),
		Receiver: p.Spender.Hex(),
		Shares:   model.Dec(p.Value),
	})
	return nil
}
