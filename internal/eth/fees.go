package eth

import (
	"errors"
	"math/big"
)

var ErrInvalidFeeArgs = errors.New("eth: invalid fee args")

// Calc1559Fees derives EIP-1559 caps from the latest base fee. The tip is the
// node's suggestion floored at minTipCap; the fee cap leaves room for the base
// fee to double before the transaction stops being includable.
func Calc1559Fees(baseFee, suggestedTipCap, minTipCap *big.Int) (tipCap, feeCap *big.Int, err error) {
	if !nonNegative(baseFee, suggestedTipCap, minTipCap) {
		return nil, nil, ErrInvalidFeeArgs
	}

	tip := maxBig(suggestedTipCap, minTipCap)
	fee := new(big.Int).Lsh(baseFee, 1)
	fee.Add(fee, tip)
	return tip, fee, nil
}

// Bump1559Fees raises both caps by bumpPercent for a same-nonce replacement.
// Each cap also grows by at least its minimum bump, since a percentage of a
// small value can round to nothing and the txpool rejects underpriced
// replacements. The returned fee cap is never below the tip cap.
func Bump1559Fees(tipCap, feeCap *big.Int, bumpPercent int, minTipBump, minFeeCapBump *big.Int) (newTipCap, newFeeCap *big.Int, err error) {
	if !nonNegative(tipCap, feeCap) || bumpPercent <= 0 {
		return nil, nil, ErrInvalidFeeArgs
	}
	if (minTipBump != nil && minTipBump.Sign() < 0) || (minFeeCapBump != nil && minFeeCapBump.Sign() < 0) {
		return nil, nil, ErrInvalidFeeArgs
	}

	newTip := bumpByPercent(tipCap, bumpPercent, minTipBump)
	newFee := bumpByPercent(feeCap, bumpPercent, minFeeCapBump)
	return newTip, maxBig(newFee, newTip), nil
}

func bumpByPercent(v *big.Int, pct int, minBump *big.Int) *big.Int {
	out := new(big.Int).Mul(v, big.NewInt(int64(100+pct)))
	out.Quo(out, big.NewInt(100))
	if minBump != nil && minBump.Sign() > 0 {
		out = maxBig(out, new(big.Int).Add(v, minBump))
	}
	return out
}

func maxBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) >= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

func nonNegative(vs ...*big.Int) bool {
	for _, v := range vs {
		if v == nil || v.Sign() < 0 {
			return false
		}
	}
	return true
}
