package ingest

import (
	"io"
	"log/slog"
	"strings"
	"testing"

	"polymarket-copytrader/pkg/types"
)

func TestSetUsersTracksDisabledUsers(t *testing.T) {
	t.Parallel()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	w := NewWriter(nil, nil, nil, nil, nil, logger)

	// Disabled users are observed but not copied: their wallets stay in
	// the tracked set so detection keeps feeding the shadow ledger, and
	// the engine records the skip.
	w.SetUsers([]types.FollowedUser{
		{
			ID:             "u1",
			ProfileAddress: "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
			Enabled:        true,
		},
		{
			ID:             "u2",
			ProfileAddress: "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
			ProxyAddresses: []string{"0xcccccccccccccccccccccccccccccccccccccccc"},
			Enabled:        false,
		},
	})

	addrs := w.TrackedAddresses()
	if len(addrs) != 3 {
		t.Fatalf("tracked addresses = %d, want 3", len(addrs))
	}
	seen := make(map[string]bool, len(addrs))
	for _, a := range addrs {
		seen[strings.ToLower(a.Hex())] = true
	}
	if !seen["0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"] ||
		!seen["0xcccccccccccccccccccccccccccccccccccccccc"] {
		t.Errorf("disabled user's wallets missing from tracked set: %v", addrs)
	}
	if id := w.users["0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"]; id != "u2" {
		t.Errorf("disabled wallet maps to %q, want u2", id)
	}
}
