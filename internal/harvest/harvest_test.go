package harvest

import (
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/stakewise/v3-core-sub000/internal/model"
)

var (
	keeper = common.HexToAddress("0x4ee9e4")
	vaultA = common.HexToAddress("0xaaaa")
	vaultB = common.HexToAddress("0xbbbb")
	vaultC = common.HexToAddress("0xcccc")
)

type testEnv struct {
	events []model.Event
}

func (e *testEnv) Now() time.Time                                     { return time.Unix(1_700_000_000, 0) }
func (e *testEnv) Emit(ev model.Event)                                { e.events = append(e.events, ev) }
func (e *testEnv) BalanceOf(common.Address) *uint256.Int              { return new(uint256.Int) }
func (e *testEnv) Transfer(_, _ common.Address, _ *uint256.Int) error { return nil }

func publish(t *testing.T, g *MerkleGate, entries ...Entry) map[common.Address]Attestation {
	t.Helper()
	out, err := g.PublishRewards(&testEnv{}, keeper, entries)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	return out
}

func leaf(t *testing.T, vault common.Address, reward int64, mev *uint256.Int) common.Hash {
	t.Helper()
	h, err := Leaf(vault, big.NewInt(reward), mev)
	if err != nil {
		t.Fatalf("leaf: %v", err)
	}
	return h
}

// --- Merkle tree ---

func TestTree_ProofsVerifyForEveryLeaf(t *testing.T) {
	for n := 1; n <= 7; n++ {
		leaves := make([]common.Hash, n)
		for i := range leaves {
			leaves[i] = leaf(t, common.BigToAddress(big.NewInt(int64(i+1))), int64(i*10), uint256.NewInt(uint64(i)))
		}
		tree := NewTree(leaves)
		for i, l := range leaves {
			proof, ok := tree.Proof(l)
			if !ok {
				t.Fatalf("n=%d: leaf %d missing from tree", n, i)
			}
			if !VerifyProof(proof, tree.Root(), l) {
				t.Errorf("n=%d: proof for leaf %d does not verify", n, i)
			}
		}
	}
}

func TestTree_RootIndependentOfOrder(t *testing.T) {
	a := leaf(t, vaultA, 1, nil)
	b := leaf(t, vaultB, 2, nil)
	c := leaf(t, vaultC, 3, nil)
	if NewTree([]common.Hash{a, b, c}).Root() != NewTree([]common.Hash{c, a, b}).Root() {
		t.Error("root must not depend on leaf order")
	}
}

func TestLeaf_SignMatters(t *testing.T) {
	if leaf(t, vaultA, 5, nil) == leaf(t, vaultA, -5, nil) {
		t.Error("positive and negative rewards must hash differently")
	}
}

func TestLeaf_RewardOutOfRange(t *testing.T) {
	wide := new(big.Int).Lsh(big.NewInt(1), 256)
	for _, r := range []*big.Int{wide, new(big.Int).Neg(wide), new(big.Int).Lsh(big.NewInt(1), 255)} {
		if _, err := Leaf(vaultA, r, nil); !errors.Is(err, ErrRewardRange) {
			t.Errorf("reward %s: expected ErrRewardRange, got %v", r, err)
		}
	}
	// Rewards that differ only above bit 256 must not share a leaf.
	g := NewMerkleGate(keeper)
	_, err := g.PublishRewards(&testEnv{}, keeper, []Entry{{Vault: vaultA, Reward: new(big.Int).Add(wide, big.NewInt(5))}})
	if !errors.Is(err, model.ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
	if g.LatestNonce() != 0 {
		t.Errorf("rejected rewards must not publish a root")
	}

	atts := publish(t, g, Entry{Vault: vaultA, Reward: big.NewInt(5)})
	a := atts[vaultA]
	a.Reward = new(big.Int).Add(wide, big.NewInt(5))
	if _, err := g.Resolve(vaultA, a); !errors.Is(err, ErrRewardRange) {
		t.Errorf("expected ErrRewardRange, got %v", err)
	}
}

// --- Gate ---

func TestResolve_ValidAttestation(t *testing.T) {
	g := NewMerkleGate(keeper)
	atts := publish(t, g,
		Entry{Vault: vaultA, Reward: big.NewInt(120), UnlockedMev: uint256.NewInt(7)},
		Entry{Vault: vaultB, Reward: big.NewInt(-30)},
	)
	res, err := g.Resolve(vaultB, atts[vaultB])
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Nonce != 1 || res.Reward.Cmp(big.NewInt(-30)) != 0 || !res.UnlockedMev.IsZero() {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestResolve_WrongVault(t *testing.T) {
	g := NewMerkleGate(keeper)
	atts := publish(t, g, Entry{Vault: vaultA, Reward: big.NewInt(1)}, Entry{Vault: vaultB, Reward: big.NewInt(2)})
	_, err := g.Resolve(vaultB, atts[vaultA])
	if !errors.Is(err, model.ErrInvalidProof) {
		t.Errorf("expected ErrInvalidProof, got %v", err)
	}
}

func TestResolve_TamperedReward(t *testing.T) {
	g := NewMerkleGate(keeper)
	atts := publish(t, g, Entry{Vault: vaultA, Reward: big.NewInt(100)})
	a := atts[vaultA]
	a.Reward = big.NewInt(1000)
	if _, err := g.Resolve(vaultA, a); !errors.Is(err, model.ErrInvalidProof) {
		t.Errorf("expected ErrInvalidProof, got %v", err)
	}
}

func TestResolve_UnknownRoot(t *testing.T) {
	g := NewMerkleGate(keeper)
	atts := publish(t, g, Entry{Vault: vaultA, Reward: big.NewInt(100)})
	a := atts[vaultA]
	a.Nonce = 2
	if _, err := g.Resolve(vaultA, a); !errors.Is(err, model.ErrStaleAttestation) {
		t.Errorf("expected ErrStaleAttestation, got %v", err)
	}
	a.Nonce = 0
	if _, err := g.Resolve(vaultA, a); !errors.Is(err, ErrUnknownRoot) {
		t.Errorf("expected ErrUnknownRoot, got %v", err)
	}
}

func TestPublish_KeeperOnly(t *testing.T) {
	g := NewMerkleGate(keeper)
	_, err := g.Publish(&testEnv{}, vaultA, common.HexToHash("0x01"))
	if !errors.Is(err, model.ErrAccessDenied) {
		t.Errorf("expected ErrAccessDenied, got %v", err)
	}
}

func TestPublish_SameRootTwice(t *testing.T) {
	g := NewMerkleGate(keeper)
	env := &testEnv{}
	if _, err := g.Publish(env, keeper, common.HexToHash("0x01")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := g.Publish(env, keeper, common.HexToHash("0x01")); !errors.Is(err, model.ErrValueNotChanged) {
		t.Errorf("expected ErrValueNotChanged, got %v", err)
	}
	if len(env.events) != 1 || env.events[0].Kind != model.EventRootPublished {
		t.Errorf("expected one root_published event, got %d", len(env.events))
	}
}

func TestHarvestRequired(t *testing.T) {
	g := NewMerkleGate(keeper)
	env := &testEnv{}
	for i := 1; i <= 3; i++ {
		_, _ = g.Publish(env, keeper, common.BigToHash(big.NewInt(int64(i))))
	}
	tests := []struct {
		applied uint64
		want    bool
	}{
		{0, true}, {1, true}, {2, false}, {3, false},
	}
	for _, tc := range tests {
		if got := g.HarvestRequired(tc.applied); got != tc.want {
			t.Errorf("applied=%d: expected %v, got %v", tc.applied, tc.want, got)
		}
	}
}

// --- Payload ---

func TestParsePayload_RoundTrip(t *testing.T) {
	g := NewMerkleGate(keeper)
	atts := publish(t, g, Entry{Vault: vaultA, Reward: big.NewInt(-42), UnlockedMev: uint256.NewInt(9)}, Entry{Vault: vaultB, Reward: big.NewInt(1)})
	a, err := ParsePayload(atts[vaultA].ToPayload())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := g.Resolve(vaultA, a); err != nil {
		t.Errorf("parsed payload should resolve: %v", err)
	}
}

func TestParsePayload_Invalid(t *testing.T) {
	root := "0x" + strings.Repeat("ab", 32)
	tests := []Payload{
		{RewardsRoot: "", Reward: "1"},
		{RewardsRoot: "0x1234", Reward: "1"},
		{RewardsRoot: root, Reward: "abc"},
		{RewardsRoot: root, Reward: "1.5"},
		{RewardsRoot: root, Reward: "1", UnlockedMev: "-3"},
		{RewardsRoot: root, Reward: "1", Proof: []string{"0xzz"}},
		{RewardsRoot: root, Reward: "1" + strings.Repeat("0", 80)},
	}
	for i, p := range tests {
		_, err := ParsePayload(p)
		if !errors.Is(err, ErrInvalidPayload) {
			t.Errorf("case %d: expected ErrInvalidPayload, got %v", i, err)
		}
	}
}

func TestState_RestoresGate(t *testing.T) {
	g := NewMerkleGate(keeper)
	atts := publish(t, g, Entry{Vault: vaultA, Reward: big.NewInt(5)})
	r := FromState(g.State())
	if r.LatestNonce() != 1 || r.Keeper() != keeper {
		t.Fatalf("restored gate differs: nonce=%d keeper=%s", r.LatestNonce(), r.Keeper().Hex())
	}
	if _, err := r.Resolve(vaultA, atts[vaultA]); err != nil {
		t.Errorf("restored gate should resolve: %v", err)
	}
}
