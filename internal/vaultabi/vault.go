// Package vaultabi encodes calls to the solver vault (an ERC-4626 vault with a
// payable native-asset deposit entry point).
package vaultabi

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

var ErrInvalidInput = errors.New("vaultabi: invalid input")

const (
	MethodDepositNative = "depositNative"
	MethodBalanceOf     = "balanceOf"
	MethodTotalAssets   = "totalAssets"
)

var (
	initOnce sync.Once
	initErr  error
	vaultABI abi.ABI
)

// ABI returns the parsed vault ABI.
func ABI() (abi.ABI, error) {
	initOnce.Do(func() {
		vaultABI, initErr = abi.JSON(strings.NewReader(VaultABIJSON))
		if initErr != nil {
			initErr = fmt.Errorf("vaultabi: parse vault ABI: %w", initErr)
		}
	})
	return vaultABI, initErr
}

// PackDepositNative encodes depositNative(assets, receiver). The caller must
// attach assets as the transaction value.
func PackDepositNative(assets *big.Int, receiver common.Address) ([]byte, error) {
	a, err := ABI()
	if err != nil {
		return nil, err
	}
	if assets == nil || assets.Sign() <= 0 {
		return nil, fmt.Errorf("%w: assets must be > 0", ErrInvalidInput)
	}
	if receiver == (common.Address{}) {
		return nil, fmt.Errorf("%w: receiver must be non-zero", ErrInvalidInput)
	}
	b, err := a.Pack(MethodDepositNative, assets, receiver)
	if err != nil {
		return nil, fmt.Errorf("vaultabi: pack depositNative: %w", err)
	}
	return b, nil
}

func PackBalanceOf(account common.Address) ([]byte, error) {
	a, err := ABI()
	if err != nil {
		return nil, err
	}
	b, err := a.Pack(MethodBalanceOf, account)
	if err != nil {
		return nil, fmt.Errorf("vaultabi: pack balanceOf: %w", err)
	}
	return b, nil
}

func PackTotalAssets() ([]byte, error) {
	a, err := ABI()
	if err != nil {
		return nil, err
	}
	b, err := a.Pack(MethodTotalAssets)
	if err != nil {
		return nil, fmt.Errorf("vaultabi: pack totalAssets: %w", err)
	}
	return b, nil
}

// UnpackUint256 decodes the single uint256 returned by method.
func UnpackUint256(method string, out []byte) (*big.Int, error) {
	a, err := ABI()
	if err != nil {
		return nil, err
	}
	vals, err := a.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("vaultabi: unpack %s: %w", method, err)
	}
	if len(vals) != 1 {
		return nil, fmt.Errorf("vaultabi: unpack %s: got %d values want 1", method, len(vals))
	}
	v, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("vaultabi: unpack %s: unexpected type %T", method, vals[0])
	}
	return v, nil
}

const VaultABIJSON = `[
  {
    "inputs": [
      {"internalType": "uint256", "name": "assets", "type": "uint256"},
      {"internalType": "address", "name": "receiver", "type": "address"}
    ],
    "name": "depositNative",
    "outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
    "stateMutability": "payable",
    "type": "function"
  },
  {
    "inputs": [{"internalType": "address", "name": "account", "type": "address"}],
    "name": "balanceOf",
    "outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [],
    "name": "totalAssets",
    "outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
    "stateMutability": "view",
    "type": "function"
  }
]`
