package types

import "testing"

func TestEpochFromBlockNumber(t *testing.T) {
	tests := []struct {
		bn, height uint64
		want       Epoch
	}{
		{0, 0, 0},
		{17, 0, 0},
		{0, 10, 1},
		{1, 10, 1},
		{9, 10, 1},
		{10, 10, 1},
		{11, 10, 2},
		{20, 10, 2},
		{21, 10, 3},
	}
	for _, tt := range tests {
		if got := EpochFromBlockNumber(tt.bn, tt.height); got != tt.want {
			t.Errorf("EpochFromBlockNumber(%d, %d) = %d, want %d", tt.bn, tt.height, got, tt.want)
		}
	}
}

func TestEpochBoundaries(t *testing.T) {
	const h = 10

	if !IsLastBlock(10, h) || !IsLastBlock(20, h) {
		t.Error("multiples of the epoch height are last blocks")
	}
	if IsLastBlock(0, h) || IsLastBlock(9, h) || IsLastBlock(10, 0) {
		t.Error("unexpected last block")
	}

	// Blocks 7, 8, 9 and 10 form the transition window of epoch 1
	for bn := uint64(1); bn <= 12; bn++ {
		want := bn >= 7 && bn <= 10
		if got := IsEpochTransition(bn, h); got != want {
			t.Errorf("IsEpochTransition(%d) = %v, want %v", bn, got, want)
		}
	}

	if !IsTransitionBlock(7, h) || !IsTransitionBlock(17, h) || IsTransitionBlock(8, h) {
		t.Error("transition block should be height-3 within the epoch")
	}
	if !IsEpochRoot(5, h) || !IsEpochRoot(15, h) || IsEpochRoot(6, h) {
		t.Error("epoch root should be height-5 within the epoch")
	}
	if RootBlockInEpoch(2, h) != 15 {
		t.Errorf("RootBlockInEpoch(2) = %d, want 15", RootBlockInEpoch(2, h))
	}
	if TransitionBlockForEpoch(2, h) != 17 {
		t.Errorf("TransitionBlockForEpoch(2) = %d, want 17", TransitionBlockForEpoch(2, h))
	}
}

func TestVersionCompare(t *testing.T) {
	if !MarketplaceVersion.Less(EpochVersion) {
		t.Error("0.3 should be older than 0.4")
	}
	if EpochVersion.Less(EpochVersion) {
		t.Error("a version is not older than itself")
	}
	if !EpochVersion.AtLeast(EpochVersion) {
		t.Error("a version is at least itself")
	}
	if (Version{Major: 1}).Compare(EpochVersion) != 1 {
		t.Error("major version should dominate")
	}
	if (Version{Major: 0, Minor: 5}).IsSupported() {
		t.Error("0.5 is newer than the max supported version")
	}
	if !BaseVersion.IsSupported() {
		t.Error("base version should be supported")
	}
}
