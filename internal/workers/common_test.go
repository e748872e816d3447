package workers

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/core/types"
)

func TestConsecutiveRuns(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   []uint64
		want [][2]uint64
	}{
		{"empty", nil, nil},
		{"single", []uint64{5}, [][2]uint64{{5, 5}}},
		{"one run", []uint64{1, 2, 3}, [][2]uint64{{1, 3}}},
		{"two runs", []uint64{1, 2, 5, 6, 7}, [][2]uint64{{1, 2}, {5, 7}}},
		{"all gaps", []uint64{1, 3, 5}, [][2]uint64{{1, 1}, {3, 3}, {5, 5}}},
	}

	for _, tc := range cases {
		got := consecutiveRuns(tc.in)
		if len(got) != len(tc.want) {
			t.Fatalf("%s: consecutiveRuns(%v)=%v want %v", tc.name, tc.in, got, tc.want)
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Fatalf("%s: consecutiveRuns(%v)=%v want %v", tc.name, tc.in, got, tc.want)
			}
		}
	}
}

func TestWeiToGwei(t *testing.T) {
	t.Parallel()

	if got := weiToGwei(nil); got != nil {
		t.Fatalf("weiToGwei(nil)=%v want nil", got)
	}

	got := weiToGwei(big.NewInt(1_500_000_000))
	want := big.NewFloat(1.5)
	if got.Cmp(want) != 0 {
		t.Fatalf("weiToGwei(1.5e9)=%v want %v", got, want)
	}
}

func TestTxPriorityFeeWei(t *testing.T) {
	t.Parallel()

	baseFee := big.NewInt(10)

	dynamic := types.NewTx(&types.DynamicFeeTx{
		GasTipCap: big.NewInt(3),
		GasFeeCap: big.NewInt(20),
		Gas:       21000,
	})
	if got := txPriorityFeeWei(dynamic, baseFee); got.Cmp(big.NewInt(3)) != 0 {
		t.Fatalf("dynamic-fee tx priority = %v want 3", got)
	}

	legacyAboveBase := types.NewTx(&types.LegacyTx{
		GasPrice: big.NewInt(15),
		Gas:      21000,
	})
	if got := txPriorityFeeWei(legacyAboveBase, baseFee); got.Cmp(big.NewInt(5)) != 0 {
		t.Fatalf("legacy tx priority = %v want 5 (gasPrice - baseFee)", got)
	}

	legacyBelowBase := types.NewTx(&types.LegacyTx{
		GasPrice: big.NewInt(5),
		Gas:      21000,
	})
	if got := txPriorityFeeWei(legacyBelowBase, baseFee); got.Sign() != 0 {
		t.Fatalf("legacy tx below base fee should clamp to 0, got %v", got)
	}

	legacyNoBaseFee := types.NewTx(&types.LegacyTx{
		GasPrice: big.NewInt(7),
		Gas:      21000,
	})
	if got := txPriorityFeeWei(legacyNoBaseFee, nil); got.Cmp(big.NewInt(7)) != 0 {
		t.Fatalf("pre-fork block (no base fee) priority = %v want full gasPrice 7", got)
	}
}
