package symbols

import (
	"fmt"
	"strings"

	"feedflow/internal/market"
)

// BinanceCodec handles Binance spot and USD-margined futures symbols:
// joined uppercase pairs like BTCUSDT, with dated futures as BTCUSDT_240927.
type BinanceCodec struct{}

func (BinanceCodec) ToNative(s market.Symbol) string {
	native := s.Base + s.Quote
	if s.Type == market.Future {
		native += "_" + s.Expiry
	}
	return native
}

func (BinanceCodec) ToCanonical(native string) (market.Symbol, error) {
	native = strings.ToUpper(native)
	var expiry string
	if i := strings.IndexByte(native, '_'); i >= 0 {
		expiry = native[i+1:]
		native = native[:i]
	}
	base, quote, err := splitPair(native)
	if err != nil {
		return market.Symbol{}, fmt.Errorf("binance: %w", err)
	}
	if expiry != "" {
		return market.Symbol{Base: base, Quote: quote, Type: market.Future, Expiry: expiry}, nil
	}
	// The perpetual stream and the spot market share the joined form; the
	// futures adapters rewrite Type after resolution.
	return market.Symbol{Base: base, Quote: quote, Type: market.Spot}, nil
}

// BybitCodec handles Bybit linear symbols, which use the same joined form
// as Binance: BTCUSDT, BTC-26SEP25 style dated contracts excluded.
type BybitCodec struct{}

func (BybitCodec) ToNative(s market.Symbol) string {
	return s.Base + s.Quote
}

func (BybitCodec) ToCanonical(native string) (market.Symbol, error) {
	base, quote, err := splitPair(strings.ToUpper(native))
	if err != nil {
		return market.Symbol{}, fmt.Errorf("bybit: %w", err)
	}
	return market.Symbol{Base: base, Quote: quote, Type: market.Spot}, nil
}

// KucoinCodec handles both KuCoin families: spot symbols are dash-separated
// (BTC-USDT), futures symbols are joined with an XBT alias for BTC and a
// trailing M (XBTUSDTM).
type KucoinCodec struct{}

func (KucoinCodec) ToNative(s market.Symbol) string {
	if s.Type == market.Perpetual {
		base := s.Base
		if base == "BTC" {
			base = "XBT"
		}
		return base + s.Quote + "M"
	}
	return s.Base + "-" + s.Quote
}

func (KucoinCodec) ToCanonical(native string) (market.Symbol, error) {
	native = strings.ToUpper(native)
	if strings.Contains(native, "-") {
		parts := strings.SplitN(native, "-", 2)
		return market.Symbol{Base: parts[0], Quote: parts[1], Type: market.Spot}, nil
	}
	if strings.HasSuffix(native, "M") {
		joined := strings.TrimSuffix(native, "M")
		if strings.HasPrefix(joined, "XBT") {
			joined = "BTC" + joined[3:]
		}
		base, quote, err := splitPair(joined)
		if err != nil {
			return market.Symbol{}, fmt.Errorf("kucoin: %w", err)
		}
		return market.Symbol{Base: base, Quote: quote, Type: market.Perpetual}, nil
	}
	return market.Symbol{}, fmt.Errorf("kucoin: unrecognised native symbol %q", native)
}
