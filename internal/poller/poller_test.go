package poller

import (
	"testing"
	"time"

	"github.com/revault-labs/vaultd/internal/bitcoind"
)

func TestSyncComplete(t *testing.T) {
	tests := []struct {
		progress float64
		want     bool
	}{
		{0, false},
		{0.5, false},
		{0.99998, false},
		{0.999996, true},
		{1.0, true},
		// A progress value that rounds up at the 5th decimal should count
		// as synced, matching the node's own getinfo rounding.
		{0.9999960001, true},
	}
	for _, tt := range tests {
		if got := syncComplete(tt.progress); got != tt.want {
			t.Errorf("syncComplete(%v) = %v, want %v", tt.progress, got, tt.want)
		}
	}
}

func TestAdaptiveSleepLowerBound(t *testing.T) {
	info := &bitcoind.SyncInfo{Headers: 100, Blocks: 100}
	if got := adaptiveSleep(info); got != 5*time.Second {
		t.Errorf("adaptiveSleep with no remaining headers = %v, want 5s", got)
	}

	info = &bitcoind.SyncInfo{Headers: 110, Blocks: 100}
	if got := adaptiveSleep(info); got != 5*time.Second {
		t.Errorf("adaptiveSleep with small remainder = %v, want 5s floor", got)
	}
}

func TestAdaptiveSleepScalesWithRemainingHeaders(t *testing.T) {
	info := &bitcoind.SyncInfo{Headers: 40000, Blocks: 0}
	got := adaptiveSleep(info)
	want := 1000 * time.Second
	if got != want {
		t.Errorf("adaptiveSleep(40000 remaining) = %v, want %v", got, want)
	}
}

func TestContains(t *testing.T) {
	ss := []string{"alpha", "beta", "gamma"}
	if !contains(ss, "beta") {
		t.Error("expected contains to find beta")
	}
	if contains(ss, "delta") {
		t.Error("expected contains to not find delta")
	}
	if contains(nil, "anything") {
		t.Error("contains on nil slice must return false")
	}
}

func TestWalletRecord(t *testing.T) {
	birth := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	w := walletRecord("vaultd-watch", birth)
	if w.ID != "vaultd-watch" || !w.BirthTimestamp.Equal(birth) {
		t.Errorf("walletRecord() = %+v, want ID=vaultd-watch BirthTimestamp=%v", w, birth)
	}
}
