package contracts

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
)

// BigInt is an arbitrary-precision integer for units and credit amounts.
// It travels as a decimal string in JSON and SQL so that no consumer ever
// round-trips an amount through floating point.
type BigInt struct {
	*big.Int
}

// NewBigInt returns a BigInt holding x.
func NewBigInt(x int64) BigInt {
	return BigInt{big.NewInt(x)}
}

// BigIntFrom copies v. A nil v yields zero.
func BigIntFrom(v *big.Int) BigInt {
	if v == nil {
		return NewBigInt(0)
	}
	return BigInt{new(big.Int).Set(v)}
}

// ParseBigInt parses a base-10 integer string.
func ParseBigInt(s string) (BigInt, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return BigInt{}, fmt.Errorf("invalid integer %q", s)
	}
	return BigInt{v}, nil
}

// Big returns the underlying value, treating the zero BigInt as 0.
func (b BigInt) Big() *big.Int {
	if b.Int == nil {
		return new(big.Int)
	}
	return b.Int
}

// IsSet reports whether the value was assigned (used for nullable columns).
func (b BigInt) IsSet() bool {
	return b.Int != nil
}

func (b BigInt) String() string {
	return b.Big().String()
}

// Equal compares by value.
func (b BigInt) Equal(other BigInt) bool {
	return b.Big().Cmp(other.Big()) == 0
}

func (b BigInt) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.String())
}

func (b *BigInt) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		b.Int = nil
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// Accept bare JSON numbers from hand-written requests.
		s = string(data)
	}
	v, err := ParseBigInt(s)
	if err != nil {
		return err
	}
	*b = v
	return nil
}

// Value implements driver.Valuer. An unset BigInt is stored as NULL.
func (b BigInt) Value() (driver.Value, error) {
	if b.Int == nil {
		return nil, nil
	}
	return b.Int.String(), nil
}

// Scan implements sql.Scanner.
func (b *BigInt) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		b.Int = nil
		return nil
	case string:
		p, err := ParseBigInt(v)
		if err != nil {
			return err
		}
		*b = p
		return nil
	case []byte:
		return b.Scan(string(v))
	case int64:
		*b = NewBigInt(v)
		return nil
	default:
		return fmt.Errorf("cannot scan %T into BigInt", src)
	}
}
