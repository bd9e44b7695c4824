package wire

import (
	"fmt"

	"github.com/holiman/uint256"
)

// Pow10 returns 10^n, or an error when the result does not fit 256 bits.
func Pow10(n uint8) (*uint256.Int, error) {
	ten := uint256.NewInt(10)
	out := uint256.NewInt(1)
	for i := uint8(0); i < n; i++ {
		if _, overflow := out.MulOverflow(out, ten); overflow {
			return nil, fmt.Errorf("10^%d exceeds 256-bit range", n)
		}
	}
	return out, nil
}

// ConvertDecimals rescales an amount between two decimal precisions using the
// ratio of the declared decimal counts: scale up by multiplying, down by
// dividing. Scaling down floors — fractional destination units are never
// introduced, and flooring can only under-credit.
func ConvertDecimals(amount *uint256.Int, from, to uint8) (*uint256.Int, error) {
	out := new(uint256.Int).Set(amount)
	switch {
	case to > from:
		scale, err := Pow10(to - from)
		if err != nil {
			return nil, err
		}
		if _, overflow := out.MulOverflow(out, scale); overflow {
			return nil, fmt.Errorf("amount overflows when scaling %d -> %d decimals", from, to)
		}
	case to < from:
		scale, err := Pow10(from - to)
		if err != nil {
			return nil, err
		}
		out.Div(out, scale)
	}
	return out, nil
}

// MerkleBatchDepositor is the synthetic contributor address carried by a
// merklized batch: the tree commits to individual depositors off-wire, so the
// whole tree bridges as a single record under this address.
var MerkleBatchDepositor = Address{
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
}
