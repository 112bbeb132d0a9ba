package core_test

import (
	"CoverLedger/internal/chain"
	"CoverLedger/internal/core"
	"testing"
)

func TestStateHasher_ChainsPerDeployment(t *testing.T) {
	if core.GenesisHash(chain.ChainEVM) == core.GenesisHash(chain.ChainSolana) {
		t.Fatal("deployments must not share a genesis hash")
	}

	a := core.NewStateHasher(chain.ChainEVM)
	b := core.NewStateHasher(chain.ChainEVM)
	first := a.ComputeHash(1, []byte("deposit"))
	if first != b.ComputeHash(1, []byte("deposit")) {
		t.Fatal("same input must hash the same")
	}
	if a.GetPrevHash() != first {
		t.Error("tip must move to the new hash")
	}

	// Same digest at the next sequence still changes the hash
	if second := a.ComputeHash(2, []byte("deposit")); second == first {
		t.Error("sequence must be part of the hash")
	}

	s := core.NewStateHasher(chain.ChainSolana)
	s.SetPrevHash(first)
	if s.ComputeHash(2, []byte("deposit")) != a.GetPrevHash() {
		t.Error("a restored tip must continue the original chain")
	}
}
