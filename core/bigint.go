package core

import (
	"fmt"
	"math/big"
)

// Difficulty wraps math/big.Int so cumulative difficulty can be compared
// exactly (arbitrary precision) while still encoding as a plain decimal
// string on the wire and in JSON, per spec's "BigInteger cumulative
// difficulty ... string encoding on the wire is decimal".
type Difficulty struct {
	big.Int
}

// NewDifficulty wraps v as a Difficulty.
func NewDifficulty(v int64) *Difficulty {
	d := &Difficulty{}
	d.SetInt64(v)
	return d
}

// ZeroDifficulty returns a fresh zero-valued Difficulty.
func ZeroDifficulty() *Difficulty { return NewDifficulty(0) }

// Add returns a new Difficulty holding d+other (does not mutate receivers).
func (d *Difficulty) Add(other *Difficulty) *Difficulty {
	r := &Difficulty{}
	r.Int.Add(&d.Int, &other.Int)
	return r
}

// Cmp compares two difficulties the way big.Int.Cmp does.
func (d *Difficulty) Cmp(other *Difficulty) int {
	if d == nil {
		d = ZeroDifficulty()
	}
	if other == nil {
		other = ZeroDifficulty()
	}
	return d.Int.Cmp(&other.Int)
}

// MarshalJSON encodes the difficulty as a quoted decimal string.
func (d Difficulty) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", d.Int.String())), nil
}

// UnmarshalJSON decodes a quoted decimal string into the difficulty.
func (d *Difficulty) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	if s == "" {
		s = "0"
	}
	_, ok := d.Int.SetString(s, 10)
	if !ok {
		return fmt.Errorf("invalid decimal difficulty %q", s)
	}
	return nil
}
