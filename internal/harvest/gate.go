// Package harvest resolves keeper attestations of vault rewards.
//
// The keeper publishes one rewards root per nonce. Each root commits to the
// cumulative reward and unlocked MEV of every vault; a vault harvests by
// presenting its entry and a Merkle proof for the next nonce it has not
// applied yet.
package harvest

import (
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/stakewise/v3-core-sub000/internal/model"
)

var (
	// ErrUnknownRoot is returned for attestations against a root the gate
	// has not published for that nonce.
	ErrUnknownRoot = fmt.Errorf("harvest: unknown rewards root: %w", model.ErrStaleAttestation)

	// ErrInvalidProof is returned when the proof does not verify.
	ErrInvalidProof = fmt.Errorf("harvest: %w", model.ErrInvalidProof)
)

// Attestation is a vault's claim against a published rewards root. Reward
// and UnlockedMev are cumulative since the vault was created.
type Attestation struct {
	RewardsRoot common.Hash
	Nonce       uint64
	Reward      *big.Int
	UnlockedMev *uint256.Int
	Proof       []common.Hash
}

// Result is a verified attestation.
type Result struct {
	Nonce       uint64
	Reward      *big.Int
	UnlockedMev *uint256.Int
}

// Gate verifies attestations. The ledger enforces nonce sequencing; the gate
// only vouches that the figures were published for that nonce.
type Gate interface {
	Resolve(vault common.Address, a Attestation) (Result, error)
	LatestNonce() uint64
	// HarvestRequired reports whether a vault that applied nonce applied
	// has fallen more than one root behind.
	HarvestRequired(applied uint64) bool
}

// Root is a published rewards root.
type Root struct {
	Hash        common.Hash `json:"hash"`
	PublishedAt time.Time   `json:"published_at"`
}

// Entry is one vault's row in a rewards tree.
type Entry struct {
	Vault       common.Address
	Reward      *big.Int
	UnlockedMev *uint256.Int
}

// MerkleGate is a Gate over keeper-published Merkle roots.
type MerkleGate struct {
	keeper common.Address
	roots  []Root // roots[n-1] is the root for nonce n
}

// NewMerkleGate creates a gate whose roots are published by keeper.
func NewMerkleGate(keeper common.Address) *MerkleGate {
	return &MerkleGate{keeper: keeper}
}

func (g *MerkleGate) Keeper() common.Address { return g.keeper }

// LatestNonce returns the nonce of the most recent root, zero if none.
func (g *MerkleGate) LatestNonce() uint64 {
	return uint64(len(g.roots))
}

// HarvestRequired implements Gate.
func (g *MerkleGate) HarvestRequired(applied uint64) bool {
	return g.LatestNonce() > applied+1
}

// Roots returns every published root in nonce order.
func (g *MerkleGate) Roots() []Root {
	out := make([]Root, len(g.roots))
	copy(out, g.roots)
	return out
}

// Publish appends root as the next nonce. Only the keeper may publish.
func (g *MerkleGate) Publish(env model.Env, caller common.Address, root common.Hash) (uint64, error) {
	if caller != g.keeper {
		return 0, model.ErrAccessDenied
	}
	if root == (common.Hash{}) {
		return 0, fmt.Errorf("harvest: empty root: %w", model.ErrInvalidProof)
	}
	if n := len(g.roots); n > 0 && g.roots[n-1].Hash == root {
		return 0, model.ErrValueNotChanged
	}
	g.roots = append(g.roots, Root{Hash: root, PublishedAt: env.Now()})
	nonce := g.LatestNonce()
	env.Emit(model.Event{
		Kind:   model.EventRootPublished,
		Source: "oracle",
		Owner:  caller.Hex(),
		Attrs:  map[string]string{"root": root.Hex(), "nonce": strconv.FormatUint(nonce, 10)},
	})
	return nonce, nil
}

// PublishRewards builds the rewards tree for entries, publishes its root and
// returns the attestation each vault needs to harvest.
func (g *MerkleGate) PublishRewards(env model.Env, caller common.Address, entries []Entry) (map[common.Address]Attestation, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("harvest: no entries: %w", model.ErrInvalidAmount)
	}
	leaves := make([]common.Hash, len(entries))
	seen := make(map[common.Address]bool, len(entries))
	for i, e := range entries {
		if seen[e.Vault] {
			return nil, fmt.Errorf("harvest: duplicate entry for %s: %w", e.Vault.Hex(), model.ErrInvalidProof)
		}
		if e.Reward == nil {
			return nil, fmt.Errorf("harvest: missing reward for %s: %w", e.Vault.Hex(), model.ErrInvalidAmount)
		}
		seen[e.Vault] = true
		leaf, err := Leaf(e.Vault, e.Reward, e.UnlockedMev)
		if err != nil {
			return nil, fmt.Errorf("harvest: entry for %s: %w", e.Vault.Hex(), err)
		}
		leaves[i] = leaf
	}
	tree := NewTree(leaves)
	nonce, err := g.Publish(env, caller, tree.Root())
	if err != nil {
		return nil, err
	}
	out := make(map[common.Address]Attestation, len(entries))
	for i, e := range entries {
		proof, _ := tree.Proof(leaves[i])
		mev := new(uint256.Int)
		if e.UnlockedMev != nil {
			mev = e.UnlockedMev.Clone()
		}
		out[e.Vault] = Attestation{
			RewardsRoot: tree.Root(),
			Nonce:       nonce,
			Reward:      new(big.Int).Set(e.Reward),
			UnlockedMev: mev,
			Proof:       proof,
		}
	}
	return out, nil
}

// Resolve implements Gate.
func (g *MerkleGate) Resolve(vault common.Address, a Attestation) (Result, error) {
	if a.Nonce == 0 || a.Nonce > g.LatestNonce() || g.roots[a.Nonce-1].Hash != a.RewardsRoot {
		return Result{}, fmt.Errorf("%w: root %s at nonce %d", ErrUnknownRoot, a.RewardsRoot.Hex(), a.Nonce)
	}
	if a.Reward == nil {
		return Result{}, fmt.Errorf("harvest: missing reward: %w", model.ErrInvalidAmount)
	}
	mev := new(uint256.Int)
	if a.UnlockedMev != nil {
		mev = a.UnlockedMev.Clone()
	}
	leaf, err := Leaf(vault, a.Reward, mev)
	if err != nil {
		return Result{}, err
	}
	if !VerifyProof(a.Proof, a.RewardsRoot, leaf) {
		return Result{}, fmt.Errorf("%w: vault %s nonce %d", ErrInvalidProof, vault.Hex(), a.Nonce)
	}
	return Result{Nonce: a.Nonce, Reward: new(big.Int).Set(a.Reward), UnlockedMev: mev}, nil
}

// Clone returns a copy of the gate. Roots are append-only, so the copy shares
// them and reallocates on its first publish.
func (g *MerkleGate) Clone() *MerkleGate {
	return &MerkleGate{keeper: g.keeper, roots: g.roots[:len(g.roots):len(g.roots)]}
}

// GateState is the serializable form of a MerkleGate.
type GateState struct {
	Keeper common.Address `json:"keeper"`
	Roots  []Root         `json:"roots"`
}

// State exports the gate for snapshots.
func (g *MerkleGate) State() GateState {
	return GateState{Keeper: g.keeper, Roots: g.Roots()}
}

// FromState rebuilds a gate from a snapshot.
func FromState(s GateState) *MerkleGate {
	g := &MerkleGate{keeper: s.Keeper}
	g.roots = append(g.roots, s.Roots...)
	return g
}
