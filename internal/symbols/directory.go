// Package symbols translates between canonical instrument identifiers and
// each venue's native symbol format.
package symbols

import (
	"fmt"
	"strings"
	"sync"

	"feedflow/internal/market"
)

// Codec converts between one venue's native symbols and canonical ones.
type Codec interface {
	ToNative(s market.Symbol) string
	ToCanonical(native string) (market.Symbol, error)
}

// Directory is the registry of venue codecs. Lookups of inbound natives are
// cached since the same handful of symbols repeats on every message.
type Directory struct {
	mu     sync.RWMutex
	codecs map[string]Codec
	cache  map[string]market.Symbol
}

// NewDirectory returns a Directory with every built-in venue registered.
func NewDirectory() *Directory {
	d := &Directory{
		codecs: make(map[string]Codec),
		cache:  make(map[string]market.Symbol),
	}
	d.Register("binance", BinanceCodec{})
	d.Register("bybit", BybitCodec{})
	d.Register("kucoin", KucoinCodec{})
	return d
}

// Register adds or replaces the codec for a venue.
func (d *Directory) Register(venue string, c Codec) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.codecs[venue] = c
}

// Native renders the venue's native form of a canonical symbol.
func (d *Directory) Native(venue string, s market.Symbol) (string, error) {
	d.mu.RLock()
	c, ok := d.codecs[venue]
	d.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("no symbol codec for venue %s", venue)
	}
	return c.ToNative(s), nil
}

// Canonical resolves a venue-native symbol to its canonical form.
func (d *Directory) Canonical(venue, native string) (market.Symbol, error) {
	key := venue + "|" + native
	d.mu.RLock()
	if s, ok := d.cache[key]; ok {
		d.mu.RUnlock()
		return s, nil
	}
	c, ok := d.codecs[venue]
	d.mu.RUnlock()
	if !ok {
		return market.Symbol{}, fmt.Errorf("no symbol codec for venue %s", venue)
	}

	s, err := c.ToCanonical(native)
	if err != nil {
		return market.Symbol{}, err
	}
	d.mu.Lock()
	d.cache[key] = s
	d.mu.Unlock()
	return s, nil
}

// quoteAssets lists the quote currencies recognised when splitting a joined
// native pair like BTCUSDT. Longer entries must come first.
var quoteAssets = []string{"USDT", "USDC", "BUSD", "TUSD", "USD", "BTC", "ETH", "EUR"}

func splitPair(joined string) (base, quote string, err error) {
	for _, q := range quoteAssets {
		if strings.HasSuffix(joined, q) && len(joined) > len(q) {
			return joined[:len(joined)-len(q)], q, nil
		}
	}
	return "", "", fmt.Errorf("cannot split native symbol %q", joined)
}
