package harvest

import (
	"fmt"
	"math/big"
	"regexp"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/stakewise/v3-core-sub000/internal/model"
)

// hashRegex matches a 0x-prefixed 32-byte hex hash.
var hashRegex = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// ErrInvalidPayload is returned for malformed attestation payloads.
var ErrInvalidPayload = fmt.Errorf("harvest: invalid attestation payload: %w", model.ErrInvalidProof)

// maxReward bounds |reward| so it fits a signed 256-bit word.
var maxReward = new(big.Int).Lsh(big.NewInt(1), 255)

// Payload is the wire form of an Attestation. Amounts are decimal strings.
type Payload struct {
	RewardsRoot string   `json:"rewards_root"`
	Nonce       uint64   `json:"nonce"`
	Reward      string   `json:"reward"`
	UnlockedMev string   `json:"unlocked_mev_reward"`
	Proof       []string `json:"proof"`
}

// ParsePayload validates p and converts it into an Attestation.
func ParsePayload(p Payload) (Attestation, error) {
	if !hashRegex.MatchString(p.RewardsRoot) {
		return Attestation{}, fmt.Errorf("%w: rewards_root %q", ErrInvalidPayload, p.RewardsRoot)
	}
	reward, err := parseInt(p.Reward)
	if err != nil {
		return Attestation{}, fmt.Errorf("%w: reward: %v", ErrInvalidPayload, err)
	}
	if reward.CmpAbs(maxReward) >= 0 {
		return Attestation{}, fmt.Errorf("%w: reward out of range", ErrInvalidPayload)
	}

	mev := new(uint256.Int)
	if p.UnlockedMev != "" {
		v, err := parseInt(p.UnlockedMev)
		if err != nil {
			return Attestation{}, fmt.Errorf("%w: unlocked_mev_reward: %v", ErrInvalidPayload, err)
		}
		if v.Sign() < 0 {
			return Attestation{}, fmt.Errorf("%w: negative unlocked_mev_reward", ErrInvalidPayload)
		}
		var overflow bool
		if mev, overflow = uint256.FromBig(v); overflow {
			return Attestation{}, fmt.Errorf("%w: unlocked_mev_reward out of range", ErrInvalidPayload)
		}
	}

	proof := make([]common.Hash, 0, len(p.Proof))
	for i, h := range p.Proof {
		if !hashRegex.MatchString(h) {
			return Attestation{}, fmt.Errorf("%w: proof[%d] %q", ErrInvalidPayload, i, h)
		}
		proof = append(proof, common.HexToHash(h))
	}

	return Attestation{
		RewardsRoot: common.HexToHash(p.RewardsRoot),
		Nonce:       p.Nonce,
		Reward:      reward,
		UnlockedMev: mev,
		Proof:       proof,
	}, nil
}

// ToPayload is the inverse of ParsePayload.
func (a Attestation) ToPayload() Payload {
	proof := make([]string, len(a.Proof))
	for i, h := range a.Proof {
		proof[i] = h.Hex()
	}
	mev := "0"
	if a.UnlockedMev != nil {
		mev = a.UnlockedMev.Dec()
	}
	return Payload{
		RewardsRoot: a.RewardsRoot.Hex(),
		Nonce:       a.Nonce,
		Reward:      a.Reward.String(),
		UnlockedMev: mev,
		Proof:       proof,
	}
}

// parseInt parses a signed integral decimal string.
func parseInt(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, err
	}
	if !d.Equal(d.Truncate(0)) {
		return nil, fmt.Errorf("%s is not integral", s)
	}
	return d.BigInt(), nil
}
