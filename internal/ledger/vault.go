package ledger

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// ErrInsufficientFunds is returned by Vault when a transfer exceeds the
// sender's balance.
var ErrInsufficientFunds = errors.New("ledger: insufficient funds")

// SettlementAsset is the collateral token the exchange custodies.
type SettlementAsset interface {
	BalanceOf(owner common.Address) (*big.Int, error)
	TransferFrom(from, to common.Address, amount *big.Int) error
	Transfer(from, to common.Address, amount *big.Int) error
}

// Vault is an in-process settlement asset: a balance per address. It backs
// the exchange when no external asset is configured.
type Vault struct {
	mu       sync.Mutex
	balances map[common.Address]*big.Int
}

// NewVault returns an empty vault.
func NewVault() *Vault {
	return &Vault{balances: make(map[common.Address]*big.Int)}
}

// Mint credits amount to owner.
func (v *Vault) Mint(owner common.Address, amount *big.Int) error {
	if amount.Sign() <= 0 {
		return ErrZeroAmount
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	b := v.balance(owner)
	b.Add(b, amount)
	return nil
}

// BalanceOf returns the balance of owner.
func (v *Vault) BalanceOf(owner common.Address) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return new(big.Int).Set(v.balance(owner)), nil
}

// TransferFrom moves amount from one address to another.
func (v *Vault) TransferFrom(from, to common.Address, amount *big.Int) error {
	return v.Transfer(from, to, amount)
}

// Transfer moves amount from one address to another.
func (v *Vault) Transfer(from, to common.Address, amount *big.Int) error {
	if amount.Sign() < 0 {
		return fmt.Errorf("%w: negative transfer", ErrZeroAmount)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	src := v.balance(from)
	if src.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientFunds, from.Hex(), src, amount)
	}
	src.Sub(src, amount)
	dst := v.balance(to)
	dst.Add(dst, amount)
	return nil
}

func (v *Vault) balance(owner common.Address) *big.Int {
	b, ok := v.balances[owner]
	if !ok {
		b = new(big.Int)
		v.balances[owner] = b
	}
	return b
}
