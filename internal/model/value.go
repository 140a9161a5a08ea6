package model

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Value is a decoded event field: either an unsigned 256-bit number or an address.
// The zero Value is neither.
type Value struct {
	num  *uint256.Int
	addr *common.Address
}

// NumberValue wraps a copy of v.
func NumberValue(v *uint256.Int) Value {
	if v == nil {
		return Value{num: new(uint256.Int)}
	}
	return Value{num: new(uint256.Int).Set(v)}
}

// Uint64Value is a convenience for small numbers.
func Uint64Value(v uint64) Value {
	return Value{num: uint256.NewInt(v)}
}

// AddressValue wraps addr.
func AddressValue(addr common.Address) Value {
	return Value{addr: &addr}
}

// ParseNumberValue parses a decimal or 0x-prefixed hex number.
func ParseNumberValue(input string) (Value, error) {
	n, err := ParseUint256(input)
	if err != nil {
		return Value{}, err
	}
	return Value{num: n}, nil
}

// ParseUint256 parses a decimal or 0x-prefixed hex string into a 256-bit integer.
// Overflowing inputs are rejected.
func ParseUint256(input string) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return nil, fmt.Errorf("empty number")
	}
	if strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X") {
		b, ok := new(big.Int).SetString(trimmed[2:], 16)
		if !ok {
			return nil, fmt.Errorf("parse hex number %q: invalid digits", input)
		}
		n, overflow := uint256.FromBig(b)
		if overflow {
			return nil, fmt.Errorf("parse hex number %q: exceeds 256 bits", input)
		}
		return n, nil
	}
	n, err := uint256.FromDecimal(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse decimal number %q: %w", input, err)
	}
	return n, nil
}

// Number returns a copy of the numeric payload.
func (v Value) Number() (*uint256.Int, bool) {
	if v.num == nil {
		return nil, false
	}
	return new(uint256.Int).Set(v.num), true
}

// Address returns the address payload.
func (v Value) Address() (common.Address, bool) {
	if v.addr == nil {
		return common.Address{}, false
	}
	return *v.addr, true
}

func (v Value) IsNumber() bool  { return v.num != nil }
func (v Value) IsAddress() bool { return v.addr != nil }

// String renders numbers in decimal and addresses in checksummed hex.
func (v Value) String() string {
	switch {
	case v.num != nil:
		return v.num.Dec()
	case v.addr != nil:
		return v.addr.Hex()
	default:
		return ""
	}
}

// Equal compares payloads.
func (v Value) Equal(other Value) bool {
	switch {
	case v.num != nil && other.num != nil:
		return v.num.Eq(other.num)
	case v.addr != nil && other.addr != nil:
		return *v.addr == *other.addr
	default:
		return v.num == nil && v.addr == nil && other.num == nil && other.addr == nil
	}
}

// MarshalText encodes numbers as decimal strings and addresses as hex.
func (v Value) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText treats 20-byte hex strings as addresses and anything else as a number.
func (v *Value) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" {
		*v = Value{}
		return nil
	}
	if common.IsHexAddress(s) && len(strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")) == 2*common.AddressLength {
		*v = AddressValue(common.HexToAddress(s))
		return nil
	}
	parsed, err := ParseNumberValue(s)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
