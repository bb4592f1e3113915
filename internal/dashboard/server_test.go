package dashboard

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"feedflow/config"
	"feedflow/internal/book"
	"feedflow/internal/dispatch"
	"feedflow/internal/dumper"
	"feedflow/internal/market"
	"feedflow/logger"
)

func TestNormalizeAddress(t *testing.T) {
	cases := map[string]string{
		"":            "0.0.0.0:8080",
		"  :9090  ":   "0.0.0.0:9090",
		"localhost":   "localhost:8080",
		"0.0.0.0:80":  "0.0.0.0:80",
		"[::1]:443":   "[::1]:443",
		"*:8080":      "0.0.0.0:8080",
		"10.1.2.3:80": "10.1.2.3:80",
	}

	for input, want := range cases {
		if got := normalizeAddress(input); got != want {
			t.Fatalf("normalizeAddress(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestNewServerDisabled(t *testing.T) {
	srv := NewServer(config.DashboardConfig{Enabled: false}, logger.GetLogger(), "/", Sources{})
	if srv != nil {
		t.Fatal("expected nil server when disabled")
	}
	if got := srv.Address(); got != "" {
		t.Fatalf("nil server address = %q", got)
	}
}

func newTestServer(t *testing.T, sources Sources) *Server {
	t.Helper()
	srv := NewServer(config.DashboardConfig{Enabled: true, Listen: ":0"},
		logger.GetLogger(), t.TempDir(), sources)
	if srv == nil {
		t.Fatal("expected dashboard server, got nil")
	}
	return srv
}

func getJSON(t *testing.T, router http.Handler, path string, out any) {
	t.Helper()
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET %s: status %d", path, rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("GET %s: unmarshal: %v", path, err)
	}
}

func TestQueueAndPartitionEndpoints(t *testing.T) {
	srv := newTestServer(t, Sources{
		Queues: func() []dispatch.QueueStat {
			return []dispatch.QueueStat{{Sink: "parquet", Kind: "trades", Length: 3, Capacity: 1024}}
		},
		Partitions: func() []dumper.Stat {
			return []dumper.Stat{{Kind: "trades", Exchange: "bybit", Symbol: "BTC-USDT-PERP", FileRows: 42}}
		},
	})
	router := srv.buildRouter("feedflow")

	var queues struct {
		Queues []dispatch.QueueStat `json:"queues"`
	}
	getJSON(t, router, "/api/queues", &queues)
	if len(queues.Queues) != 1 || queues.Queues[0].Sink != "parquet" || queues.Queues[0].Length != 3 {
		t.Errorf("unexpected queues payload: %+v", queues)
	}

	var partitions struct {
		Partitions []dumper.Stat `json:"partitions"`
	}
	getJSON(t, router, "/api/partitions", &partitions)
	if len(partitions.Partitions) != 1 || partitions.Partitions[0].FileRows != 42 {
		t.Errorf("unexpected partitions payload: %+v", partitions)
	}
}

func TestNilSourcesRenderEmptyLists(t *testing.T) {
	srv := newTestServer(t, Sources{})
	router := srv.buildRouter("feedflow")

	var queues struct {
		Queues []dispatch.QueueStat `json:"queues"`
	}
	getJSON(t, router, "/api/queues", &queues)
	if queues.Queues == nil || len(queues.Queues) != 0 {
		t.Errorf("unexpected queues payload: %+v", queues.Queues)
	}
}

func TestBooksEndpoint(t *testing.T) {
	seq := int64(110)
	ts := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	srv := newTestServer(t, Sources{
		Books: func() []book.Top {
			return []book.Top{{
				Exchange: "bybit",
				Symbol:   "BTC-USDT-PERP",
				Bid:      &market.Level{Price: decimal.RequireFromString("42000.1"), Size: decimal.RequireFromString("1.5")},
				Sequence: &seq,
				Stale:    true,
				Timestamp: func() *time.Time {
					return &ts
				}(),
			}}
		},
	})
	router := srv.buildRouter("feedflow")

	var resp struct {
		Books []map[string]any `json:"books"`
	}
	getJSON(t, router, "/api/books", &resp)
	if len(resp.Books) != 1 {
		t.Fatalf("expected 1 book, got %d", len(resp.Books))
	}

	top := resp.Books[0]
	if top["bid_price"] != "42000.1" || top["bid_size"] != "1.5" {
		t.Errorf("unexpected bid: %v", top)
	}
	// A one-sided book carries no ask keys at all.
	if _, ok := top["ask_price"]; ok {
		t.Errorf("unexpected ask: %v", top)
	}
	if top["stale"] != true || top["sequence"] != float64(110) {
		t.Errorf("unexpected flags: %v", top)
	}
	if top["timestamp"] != ts.Format(time.RFC3339Nano) {
		t.Errorf("unexpected timestamp: %v", top["timestamp"])
	}
}

func TestMetricsEndpointShape(t *testing.T) {
	srv := newTestServer(t, Sources{})
	router := srv.buildRouter("feedflow")

	var payload map[string]any
	getJSON(t, router, "/api/metrics", &payload)
	for _, key := range []string{"messages_parsed", "sequence_gaps", "rows_written", "venues"} {
		if _, ok := payload[key]; !ok {
			t.Errorf("missing counter %q", key)
		}
	}
}
