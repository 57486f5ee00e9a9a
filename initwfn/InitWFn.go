// Package initwfn implements functionality to select Gorgonia InitWFn
// by name so that they can be set from configuration files.
package initwfn

import (
	"fmt"

	G "gorgonia.org/gorgonia"
)

// Type describes different types of InitWFn that are available.
// Type is used to implement a basic type system of InitWFn's.
type Type string

// Available InitWFn types
const (
	GlorotU Type = "GlorotU"
	GlorotN Type = "GlorotN"
	HeU     Type = "HeU"
	HeN     Type = "HeN"
	Zeroes  Type = "Zeroes"
	Ones    Type = "Ones"
)

// New returns the Gorgonia InitWFn of the given type. The gain is
// ignored by the Zeroes and Ones types.
func New(t Type, gain float64) (G.InitWFn, error) {
	switch t {
	case GlorotU:
		return G.GlorotU(gain), nil
	case GlorotN:
		return G.GlorotN(gain), nil
	case HeU:
		return G.HeU(gain), nil
	case HeN:
		return G.HeN(gain), nil
	case Zeroes:
		return G.Zeroes(), nil
	case Ones:
		return G.Ones(), nil
	default:
		return nil, fmt.Errorf("new: no such weight initializer type: %v", t)
	}
}
