package ingest

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"polymarket-copytrader/internal/store"
	"polymarket-copytrader/pkg/types"
)

func TestReconcileSweepsDisabledUsers(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	queried := make(map[string]bool)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wallet := r.URL.Query().Get("user")
		mu.Lock()
		queried[wallet] = true
		mu.Unlock()

		trades := []dataAPITrade{}
		if wallet == "0xdddd" {
			trades = append(trades, dataAPITrade{
				TxHash:      "0xfeed",
				LogIndex:    3,
				ProxyWallet: wallet,
				Asset:       "tok-1",
				Side:        "BUY",
				Price:       "0.6",
				Size:        "100",
				Timestamp:   time.Now().Unix(),
			})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(trades)
	}))
	defer srv.Close()

	db, err := store.Open(filepath.Join(t.TempDir(), "reconcile.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	writer := NewWriter(db, nil, nil, nil, nil, logger)
	users := []types.FollowedUser{
		{ID: "u1", ProfileAddress: "0xeeee", Enabled: true},
		{ID: "u2", ProfileAddress: "0xdddd", Enabled: false},
	}
	r := NewReconciler(srv.URL, db, writer, func() []types.FollowedUser { return users }, logger)

	ctx := t.Context()
	require.NoError(t, r.Reconcile(ctx, 10*time.Minute))

	mu.Lock()
	require.True(t, queried["0xdddd"], "disabled user's wallet was not swept")
	require.True(t, queried["0xeeee"])
	mu.Unlock()

	// The disabled user's fill lands as a canonical row so the shadow
	// ledger keeps mirroring them.
	require.EqualValues(t, 1, r.Recovered())
	events, err := db.TradeEventsSince(ctx, "u2", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "0xfeed", events[0].TxHash)
	require.Equal(t, int64(60_000_000), events[0].NotionalMicros)
}
