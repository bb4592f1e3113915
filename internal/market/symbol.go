package market

import (
	"fmt"
	"strings"
)

// InstrumentType classifies a tradable instrument.
type InstrumentType string

const (
	Spot      InstrumentType = "spot"
	Perpetual InstrumentType = "perpetual"
	Future    InstrumentType = "future"
)

// Symbol is the canonical, venue-independent identifier of an instrument.
// It is produced once by the symbol directory and used as a map key
// everywhere else, so it must stay comparable and immutable.
type Symbol struct {
	Base   string
	Quote  string
	Type   InstrumentType
	Expiry string // YYMMDD, futures only
}

// String renders the canonical form: BTC-USDT, BTC-USDT-PERP,
// BTC-USDT-240927 for dated futures.
func (s Symbol) String() string {
	switch s.Type {
	case Perpetual:
		return fmt.Sprintf("%s-%s-PERP", s.Base, s.Quote)
	case Future:
		return fmt.Sprintf("%s-%s-%s", s.Base, s.Quote, s.Expiry)
	default:
		return fmt.Sprintf("%s-%s", s.Base, s.Quote)
	}
}

// ParseSymbol parses the canonical string form back into a Symbol.
func ParseSymbol(v string) (Symbol, error) {
	parts := strings.Split(v, "-")
	switch len(parts) {
	case 2:
		return Symbol{Base: parts[0], Quote: parts[1], Type: Spot}, nil
	case 3:
		if parts[2] == "PERP" {
			return Symbol{Base: parts[0], Quote: parts[1], Type: Perpetual}, nil
		}
		return Symbol{Base: parts[0], Quote: parts[1], Type: Future, Expiry: parts[2]}, nil
	default:
		return Symbol{}, fmt.Errorf("invalid symbol %q", v)
	}
}
