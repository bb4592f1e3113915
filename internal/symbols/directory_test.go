package symbols

import (
	"testing"

	"feedflow/internal/market"
)

func TestBinanceCodec(t *testing.T) {
	c := BinanceCodec{}

	spot := market.Symbol{Base: "BTC", Quote: "USDT", Type: market.Spot}
	if got := c.ToNative(spot); got != "BTCUSDT" {
		t.Errorf("spot native: %s", got)
	}
	future := market.Symbol{Base: "BTC", Quote: "USDT", Type: market.Future, Expiry: "240927"}
	if got := c.ToNative(future); got != "BTCUSDT_240927" {
		t.Errorf("future native: %s", got)
	}

	sym, err := c.ToCanonical("btcusdt")
	if err != nil {
		t.Fatalf("ToCanonical failed: %v", err)
	}
	if sym.Base != "BTC" || sym.Quote != "USDT" || sym.Type != market.Spot {
		t.Errorf("unexpected symbol: %+v", sym)
	}

	sym, err = c.ToCanonical("BTCUSDT_240927")
	if err != nil {
		t.Fatalf("ToCanonical dated failed: %v", err)
	}
	if sym.Type != market.Future || sym.Expiry != "240927" {
		t.Errorf("unexpected dated symbol: %+v", sym)
	}

	if _, err := c.ToCanonical("NOTAPAIR"); err == nil {
		t.Error("unsplittable native accepted")
	}
}

func TestBybitCodec(t *testing.T) {
	c := BybitCodec{}
	if got := c.ToNative(market.Symbol{Base: "ETH", Quote: "USDC"}); got != "ETHUSDC" {
		t.Errorf("native: %s", got)
	}
	sym, err := c.ToCanonical("ethusdc")
	if err != nil {
		t.Fatalf("ToCanonical failed: %v", err)
	}
	if sym.Base != "ETH" || sym.Quote != "USDC" {
		t.Errorf("unexpected symbol: %+v", sym)
	}
}

func TestKucoinCodec(t *testing.T) {
	c := KucoinCodec{}

	if got := c.ToNative(market.Symbol{Base: "BTC", Quote: "USDT", Type: market.Spot}); got != "BTC-USDT" {
		t.Errorf("spot native: %s", got)
	}
	// Futures use the XBT alias for bitcoin and a trailing M.
	if got := c.ToNative(market.Symbol{Base: "BTC", Quote: "USDT", Type: market.Perpetual}); got != "XBTUSDTM" {
		t.Errorf("perp native: %s", got)
	}
	if got := c.ToNative(market.Symbol{Base: "ETH", Quote: "USDT", Type: market.Perpetual}); got != "ETHUSDTM" {
		t.Errorf("perp native: %s", got)
	}

	sym, err := c.ToCanonical("BTC-USDT")
	if err != nil {
		t.Fatalf("ToCanonical spot failed: %v", err)
	}
	if sym.Base != "BTC" || sym.Quote != "USDT" || sym.Type != market.Spot {
		t.Errorf("unexpected spot symbol: %+v", sym)
	}

	sym, err = c.ToCanonical("XBTUSDTM")
	if err != nil {
		t.Fatalf("ToCanonical perp failed: %v", err)
	}
	if sym.Base != "BTC" || sym.Quote != "USDT" || sym.Type != market.Perpetual {
		t.Errorf("unexpected perp symbol: %+v", sym)
	}

	if _, err := c.ToCanonical("BTCUSDT"); err == nil {
		t.Error("joined spot form accepted")
	}
}

func TestDirectoryUnknownVenue(t *testing.T) {
	d := NewDirectory()
	if _, err := d.Native("okx", market.Symbol{Base: "BTC", Quote: "USDT"}); err == nil {
		t.Error("Native for unregistered venue succeeded")
	}
	if _, err := d.Canonical("okx", "BTC-USDT"); err == nil {
		t.Error("Canonical for unregistered venue succeeded")
	}
}

func TestDirectoryCachesCanonical(t *testing.T) {
	d := NewDirectory()

	first, err := d.Canonical("kucoin", "BTC-USDT")
	if err != nil {
		t.Fatalf("Canonical failed: %v", err)
	}

	// Swapping the codec does not invalidate entries already resolved.
	d.Register("kucoin", BinanceCodec{})
	second, err := d.Canonical("kucoin", "BTC-USDT")
	if err != nil {
		t.Fatalf("cached Canonical failed: %v", err)
	}
	if first != second {
		t.Errorf("cache miss: %+v vs %+v", first, second)
	}
}

func TestSplitPair(t *testing.T) {
	cases := []struct {
		joined      string
		base, quote string
		ok          bool
	}{
		{"BTCUSDT", "BTC", "USDT", true},
		{"ETHUSDC", "ETH", "USDC", true},
		{"SOLBTC", "SOL", "BTC", true},
		{"USDT", "", "", false},
		{"XYZABC", "", "", false},
	}
	for _, tc := range cases {
		base, quote, err := splitPair(tc.joined)
		if tc.ok != (err == nil) {
			t.Errorf("%s: err=%v", tc.joined, err)
			continue
		}
		if base != tc.base || quote != tc.quote {
			t.Errorf("%s: got %s/%s, want %s/%s", tc.joined, base, quote, tc.base, tc.quote)
		}
	}
}
