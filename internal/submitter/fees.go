package submitter

import (
	"errors"
	"math/big"
)

var ErrInvalidFeeArgs = errors.New("submitter: invalid fee args")

// calcFees returns conservative EIP-1559 fee caps from the latest base fee.
//
// Policy:
// - tipCap = max(suggestedTipCap, minTipCap)
// - feeCap = 2*baseFee + tipCap
func calcFees(baseFee, suggestedTipCap, minTipCap *big.Int) (tipCap, feeCap *big.Int, err error) {
	if baseFee == nil || suggestedTipCap == nil || minTipCap == nil {
		return nil, nil, ErrInvalidFeeArgs
	}
	if baseFee.Sign() < 0 || suggestedTipCap.Sign() < 0 || minTipCap.Sign() < 0 {
		return nil, nil, ErrInvalidFeeArgs
	}

	tip := new(big.Int).Set(suggestedTipCap)
	if tip.Cmp(minTipCap) < 0 {
		tip.Set(minTipCap)
	}

	fee := new(big.Int).Mul(baseFee, big.NewInt(2))
	fee.Add(fee, tip)

	return tip, fee, nil
}

// bumpFees bumps EIP-1559 fee caps by a percentage, with a minimum absolute
// bump. Txpools require replacements to be sufficiently higher-priced than
// what they replace; percentage bumps alone can be rounded away for small
// values, so a minimum increment is enforced as well.
func bumpFees(tipCap, feeCap *big.Int, bumpPercent int, minTipBump, minFeeCapBump *big.Int) (newTipCap, newFeeCap *big.Int, err error) {
	if tipCap == nil || feeCap == nil {
		return nil, nil, ErrInvalidFeeArgs
	}
	if tipCap.Sign() < 0 || feeCap.Sign() < 0 {
		return nil, nil, ErrInvalidFeeArgs
	}
	if bumpPercent <= 0 {
		return nil, nil, ErrInvalidFeeArgs
	}
	if minTipBump != nil && minTipBump.Sign() < 0 {
		return nil, nil, ErrInvalidFeeArgs
	}
	if minFeeCapBump != nil && minFeeCapBump.Sign() < 0 {
		return nil, nil, ErrInvalidFeeArgs
	}

	pct := big.NewInt(int64(100 + bumpPercent))
	hundred := big.NewInt(100)

	newTip := new(big.Int).Mul(tipCap, pct)
	newTip.Div(newTip, hundred)
	if minTipBump != nil && minTipBump.Sign() > 0 {
		min := new(big.Int).Add(tipCap, minTipBump)
		if newTip.Cmp(min) < 0 {
			newTip = min
		}
	}

	newFee := new(big.Int).Mul(feeCap, pct)
	newFee.Div(newFee, hundred)
	if minFeeCapBump != nil && minFeeCapBump.Sign() > 0 {
		min := new(big.Int).Add(feeCap, minFeeCapBump)
		if newFee.Cmp(min) < 0 {
			newFee = min
		}
	}

	// Ensure feeCap is always >= tipCap.
	if newFee.Cmp(newTip) < 0 {
		newFee = new(big.Int).Set(newTip)
	}

	return newTip, newFee, nil
}
