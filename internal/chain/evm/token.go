package evm

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// erc20 is an ERC-20 style balance sheet: uint256 balances and
// owner → spender allowances.
type erc20 struct {
	symbol     string
	balances   map[common.Address]*uint256.Int
	allowances map[common.Address]map[common.Address]*uint256.Int
}

func newERC20(symbol string) *erc20 {
	return &erc20{
		symbol:     symbol,
		balances:   make(map[common.Address]*uint256.Int),
		allowances: make(map[common.Address]map[common.Address]*uint256.Int),
	}
}

func (t *erc20) balanceOf(owner common.Address) *uint256.Int {
	if b, ok := t.balances[owner]; ok {
		return new(uint256.Int).Set(b)
	}
	return new(uint256.Int)
}

func (t *erc20) allowance(owner, spender common.Address) *uint256.Int {
	if a, ok := t.allowances[owner][spender]; ok {
		return new(uint256.Int).Set(a)
	}
	return new(uint256.Int)
}

func (t *erc20) mint(to common.Address, amount *uint256.Int) {
	t.balances[to] = new(uint256.Int).Add(t.balanceOf(to), amount)
}

func (t *erc20) approve(owner, spender common.Address, amount *uint256.Int) {
	if t.allowances[owner] == nil {
		t.allowances[owner] = make(map[common.Address]*uint256.Int)
	}
	t.allowances[owner][spender] = new(uint256.Int).Set(amount)
}

// move applies a validated transfer. spender is the zero address for direct
// transfers by the owner.
func (t *erc20) move(from, to, spender common.Address, amount *uint256.Int) {
	t.balances[from] = new(uint256.Int).Sub(t.balanceOf(from), amount)
	t.balances[to] = new(uint256.Int).Add(t.balanceOf(to), amount)
	if spender != (common.Address{}) {
		t.allowances[from][spender] = new(uint256.Int).Sub(t.allowance(from, spender), amount)
	}
}

// tokenState is the JSON form of an erc20.
type tokenState struct {
	Balances   map[string]string            `json:"balances"`
	Allowances map[string]map[string]string `json:"allowances"`
}

func (t *erc20) export() tokenState {
	out := tokenState{
		Balances:   make(map[string]string, len(t.balances)),
		Allowances: make(map[string]map[string]string, len(t.allowances)),
	}
	for addr, bal := range t.balances {
		out.Balances[addr.Hex()] = bal.Dec()
	}
	for owner, spenders := range t.allowances {
		m := make(map[string]string, len(spenders))
		for spender, amt := range spenders {
			m[spender.Hex()] = amt.Dec()
		}
		out.Allowances[owner.Hex()] = m
	}
	return out
}

func (t *erc20) restore(st tokenState) error {
	t.balances = make(map[common.Address]*uint256.Int, len(st.Balances))
	t.allowances = make(map[common.Address]map[common.Address]*uint256.Int, len(st.Allowances))
	for addr, dec := range st.Balances {
		v, err := uint256.FromDecimal(dec)
		if err != nil {
			return err
		}
		t.balances[common.HexToAddress(addr)] = v
	}
	for owner, spenders := range st.Allowances {
		for spender, dec := range spenders {
			v, err := uint256.FromDecimal(dec)
			if err != nil {
				return err
			}
			t.approve(common.HexToAddress(owner), common.HexToAddress(spender), v)
		}
	}
	return nil
}
