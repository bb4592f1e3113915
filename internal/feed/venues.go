package feed

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"feedflow/config"
	"feedflow/internal/adapter"
	"feedflow/internal/adapter/binance"
	"feedflow/internal/adapter/bybit"
	"feedflow/internal/adapter/kucoin"
	"feedflow/internal/book"
	"feedflow/internal/dispatch"
	"feedflow/internal/market"
	"feedflow/internal/symbols"
	"feedflow/internal/transport"
)

// Deps are the shared collaborators every venue connection uses.
type Deps struct {
	Directory  *symbols.Directory
	Store      *book.Store
	Dispatcher *dispatch.Dispatcher
}

// NewVenue builds the connection for one configured venue: adapter, handler
// and transport client, wired together and ready to Run.
func NewVenue(name string, vc config.VenueConfig, deps Deps) (*transport.Client, error) {
	table, err := buildTable(vc)
	if err != nil {
		return nil, fmt.Errorf("venue %s: %w", name, err)
	}

	feedCfg := Config{
		Table:      table,
		Store:      deps.Store,
		Dispatcher: deps.Dispatcher,
	}
	opts := transport.Options{
		URL:               vc.URL,
		PingInterval:      vc.PingInterval,
		ReconnectDelay:    5 * time.Second,
		MessagesPerSecond: vc.RateLimit.MessagesPerSecond,
		Burst:             vc.RateLimit.Burst,
	}

	switch name {
	case binance.Exchange:
		a := binance.New(deps.Directory, binanceOptions(vc))
		feedCfg.Adapter = a
		wireBinanceSync(&feedCfg, a, table)

	case bybit.Exchange:
		feedCfg.Adapter = bybit.New(deps.Directory, bybitOptions(vc))
		opts.PingPayload = func() []byte { return []byte(`{"op":"ping"}`) }

	case kucoin.Exchange:
		feedCfg.Adapter = kucoin.New(deps.Directory, kucoinOptions(vc))
		var pingID atomic.Int64
		opts.PingPayload = func() []byte {
			return []byte(fmt.Sprintf(`{"id":%d,"type":"ping"}`, pingID.Add(1)))
		}

	default:
		return nil, fmt.Errorf("unknown venue %q", name)
	}

	h := NewHandler(feedCfg)
	client := transport.NewClient(name, opts, h)
	h.SetConn(client)
	return client, nil
}

// The adapters fill their own defaults for unset fields, so the config
// values pass through as-is.
func binanceOptions(vc config.VenueConfig) binance.Options {
	return binance.Options{
		SnapshotURL:   vc.SnapshotURL,
		SnapshotDepth: vc.SnapshotDepth,
		KlineInterval: vc.CandleInterval,
	}
}

func bybitOptions(vc config.VenueConfig) bybit.Options {
	return bybit.Options{
		Depth:         vc.BookDepth,
		KlineInterval: vc.CandleInterval,
		APIKey:        vc.APIKey,
		APISecret:     vc.APISecret,
	}
}

func kucoinOptions(vc config.VenueConfig) kucoin.Options {
	return kucoin.Options{
		Book:           kucoin.BookChannel(vc.BookChannel),
		CandleInterval: vc.CandleInterval,
	}
}

// wireBinanceSync installs the snapshot/delta ordering around the adapter:
// a syncer buffers deltas until the REST snapshot lands, the bootstrap
// fetches snapshots for every subscribed book symbol, and resync repeats
// the fetch for one symbol after a gap.
func wireBinanceSync(cfg *Config, a *binance.Adapter, table adapter.SubscriptionTable) {
	bookSyms := table[market.KindBook]
	if len(bookSyms) == 0 {
		return
	}

	var syncer *binance.Syncer
	cfg.WrapEmitter = func(inner adapter.Emitter) adapter.Emitter {
		syncer = binance.NewSyncer(inner)
		return syncer
	}

	fetch := func(ctx context.Context, sym market.Symbol) error {
		url, err := a.SnapshotURL(sym)
		if err != nil {
			return err
		}
		body, err := httpGet(ctx, url)
		if err != nil {
			return fmt.Errorf("snapshot %s: %w", sym.String(), err)
		}
		return a.ParseSnapshot(sym, body, time.Now().UTC(), syncer)
	}

	cfg.Bootstrap = func(ctx context.Context) error {
		for _, sym := range bookSyms {
			if err := fetch(ctx, sym); err != nil {
				return err
			}
		}
		return nil
	}
	cfg.Resync = func(ctx context.Context, sym market.Symbol) error {
		syncer.Desync(sym)
		return fetch(ctx, sym)
	}
}

func buildTable(vc config.VenueConfig) (adapter.SubscriptionTable, error) {
	table := make(adapter.SubscriptionTable, len(vc.Channels))
	for kind, names := range vc.Channels {
		syms := make([]market.Symbol, 0, len(names))
		for _, name := range names {
			sym, err := market.ParseSymbol(name)
			if err != nil {
				return nil, err
			}
			syms = append(syms, sym)
		}
		table[market.Kind(kind)] = syms
	}
	return table, nil
}

var snapshotClient = &http.Client{Timeout: 15 * time.Second}

func httpGet(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := snapshotClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, truncate(body, 256))
	}
	return body, nil
}
