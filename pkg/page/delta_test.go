package page

import (
	"reflect"
	"testing"
)

func TestInsertDeltaKeepsOrder(t *testing.T) {
	var deltas []Delta
	deltas = InsertDelta(deltas, Delta{Offset: 100, Size: 10})
	deltas = InsertDelta(deltas, Delta{Offset: 10, Size: 5})
	deltas = InsertDelta(deltas, Delta{Offset: 50, Size: 1})

	want := []Delta{{10, 5}, {50, 1}, {100, 10}}
	if !reflect.DeepEqual(deltas, want) {
		t.Errorf("deltas not sorted: got %v, want %v", deltas, want)
	}
}

func TestInsertDeltaMergesOverlap(t *testing.T) {
	deltas := []Delta{{Offset: 10, Size: 10}}

	// Overlapping range extends the existing delta
	deltas = InsertDelta(deltas, Delta{Offset: 15, Size: 10})
	want := []Delta{{10, 15}}
	if !reflect.DeepEqual(deltas, want) {
		t.Errorf("overlap not merged: got %v, want %v", deltas, want)
	}

	// Touching range merges too
	deltas = InsertDelta(deltas, Delta{Offset: 25, Size: 5})
	want = []Delta{{10, 20}}
	if !reflect.DeepEqual(deltas, want) {
		t.Errorf("touching range not merged: got %v, want %v", deltas, want)
	}

	// Contained range changes nothing
	deltas = InsertDelta(deltas, Delta{Offset: 12, Size: 3})
	if !reflect.DeepEqual(deltas, want) {
		t.Errorf("contained range changed list: got %v, want %v", deltas, want)
	}
}

func TestInsertDeltaMergesWithPredecessor(t *testing.T) {
	deltas := []Delta{{Offset: 0, Size: 8}, {Offset: 100, Size: 4}}
	deltas = InsertDelta(deltas, Delta{Offset: 6, Size: 10})

	want := []Delta{{0, 16}, {100, 4}}
	if !reflect.DeepEqual(deltas, want) {
		t.Errorf("predecessor merge failed: got %v, want %v", deltas, want)
	}
}

func TestInsertDeltaEmptyRangePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for empty delta")
		}
	}()
	InsertDelta(nil, Delta{Offset: 0, Size: 0})
}

func TestCompressDeltas(t *testing.T) {
	// [(0,10),(8,4),(20,5),(24,1)] compresses to [(0,12),(20,5)]: byte 24
	// already lies inside [20,25), so (24,1) adds nothing
	deltas := []Delta{{0, 10}, {8, 4}, {20, 5}, {24, 1}}
	compressed, size := CompressDeltas(deltas)

	want := []Delta{{0, 12}, {20, 5}}
	if !reflect.DeepEqual(compressed, want) {
		t.Errorf("compress: got %v, want %v", compressed, want)
	}
	if wantSize := 12 + 5 + 2*DeltaOverhead; size != wantSize {
		t.Errorf("encoded size: got %d, want %d", size, wantSize)
	}
}

func TestCompressDeltasIdempotent(t *testing.T) {
	deltas := []Delta{{0, 3}, {2, 8}, {9, 1}, {30, 5}, {36, 2}}
	once, size1 := CompressDeltas(append([]Delta(nil), deltas...))
	twice, size2 := CompressDeltas(append([]Delta(nil), once...))

	if !reflect.DeepEqual(once, twice) {
		t.Errorf("compress not idempotent: %v then %v", once, twice)
	}
	if size1 != size2 {
		t.Errorf("size not stable: %d then %d", size1, size2)
	}
}

func TestCompressDeltasPreservesUnion(t *testing.T) {
	deltas := []Delta{{0, 4}, {2, 10}, {16, 2}, {18, 4}, {40, 1}}
	covered := make(map[uint32]bool)
	for _, d := range deltas {
		for i := d.Offset; i < d.Offset+d.Size; i++ {
			covered[i] = true
		}
	}

	compressed, _ := CompressDeltas(deltas)
	after := make(map[uint32]bool)
	for _, d := range compressed {
		for i := d.Offset; i < d.Offset+d.Size; i++ {
			after[i] = true
		}
	}
	if !reflect.DeepEqual(covered, after) {
		t.Error("compressed ranges do not cover the same bytes")
	}
}

func TestCompressDeltasEmpty(t *testing.T) {
	compressed, size := CompressDeltas(nil)
	if len(compressed) != 0 || size != 0 {
		t.Errorf("empty input: got %v size %d", compressed, size)
	}
}

func TestPageWriteRecordsDeltas(t *testing.T) {
	buf := make([]byte, 512)
	pg := NewView(2, buf)

	var deltas []Delta
	pg.Attach(&deltas)

	pg.Write(100, []byte("hello"))
	pg.PutU64(200, 42)
	pg.Write(103, []byte("overlap"))

	if string(buf[100:110]) != "heloverlap" {
		t.Error("write did not reach the buffer")
	}
	compressed, _ := CompressDeltas(deltas)
	want := []Delta{{100, 10}, {200, 8}}
	if !reflect.DeepEqual(compressed, want) {
		t.Errorf("recorded deltas: got %v, want %v", compressed, want)
	}
}

func TestPageWriteWithoutUpgradePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for write to read-only page")
		}
	}()
	pg := NewView(2, make([]byte, 512))
	pg.Write(0, []byte("x"))
}

func TestContentOffset(t *testing.T) {
	if got := ContentOffset(Root); got != FileHeaderSize {
		t.Errorf("root content offset: got %d, want %d", got, FileHeaderSize)
	}
	if got := ContentOffset(2); got != LsnSlot {
		t.Errorf("non-root content offset: got %d, want %d", got, LsnSlot)
	}
}
