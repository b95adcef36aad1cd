package engine

import (
	"encoding/json"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/stakewise/v3-core-sub000/internal/assets"
	"github.com/stakewise/v3-core-sub000/internal/harvest"
	"github.com/stakewise/v3-core-sub000/internal/synth"
	"github.com/stakewise/v3-core-sub000/internal/vault"
)

const snapshotVersion = 1

// snapshot is the persisted form of State. Static configuration (addresses,
// capabilities) comes from Config on restore; everything that changes at
// runtime is in here.
type snapshot struct {
	Version  int                             `json:"version"`
	Balances map[common.Address]*uint256.Int `json:"balances"`
	Gate     harvest.GateState               `json:"gate"`
	Vault    vault.State                     `json:"vault"`
	Synth    *synth.State                    `json:"synthetic,omitempty"`
}

var (
	errSnapshotVersion = errors.New("engine: unsupported snapshot version")
	errSnapshotSynth   = errors.New("engine: snapshot and config disagree on the synthetic token")
)

func encodeState(s *State) ([]byte, error) {
	snap := snapshot{
		Version:  snapshotVersion,
		Balances: s.Book.Balances(),
		Gate:     s.Gate.State(),
		Vault:    s.Vault.State(),
	}
	if s.Synth != nil {
		st := s.Synth.State()
		snap.Synth = &st
	}
	return json.Marshal(snap)
}

func decodeState(cfg Config, data []byte) (*State, error) {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	if snap.Version != snapshotVersion {
		return nil, errSnapshotVersion
	}
	if (snap.Synth == nil) != (cfg.Synth == nil) {
		return nil, errSnapshotSynth
	}
	book := assets.NewBook()
	book.Restore(snap.Balances)
	gate := harvest.FromState(snap.Gate)
	v := vault.FromState(cfg.Vault, gate, snap.Vault)
	s := &State{Book: book, Gate: gate, Vault: v}
	if snap.Synth != nil {
		s.Synth = synth.FromState(*cfg.Synth, v, *snap.Synth)
	}
	return s, nil
}
