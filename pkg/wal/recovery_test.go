package wal

import (
	"bytes"
	"testing"

	"github.com/nainya/calicodb/pkg/env"
	"github.com/nainya/calicodb/pkg/page"
)

type appliedUpdate struct {
	lsn  page.Lsn
	pid  page.Id
	redo bool
}

func TestRecoverRedoesCommittedOnly(t *testing.T) {
	e := env.NewMemEnv()
	w := testWriter(t, e, DefaultSegmentSize)

	entry := func(tag string) []DeltaEntry {
		return []DeltaEntry{{Offset: 8, Before: []byte("b" + tag), After: []byte("a" + tag)}}
	}
	if _, err := w.LogUpdate(2, entry("1")); err != nil {
		t.Fatal(err)
	}
	if _, err := w.LogUpdate(3, entry("2")); err != nil {
		t.Fatal(err)
	}
	commitLsn, err := w.Commit()
	if err != nil {
		t.Fatal(err)
	}
	// Uncommitted tail
	if _, err := w.LogUpdate(2, entry("3")); err != nil {
		t.Fatal(err)
	}
	if err := w.FlushTo(w.LastLsn()); err != nil {
		t.Fatal(err)
	}
	w.Close()

	var applied []appliedUpdate
	stats, err := Recover(e, testPrefix,
		func(rec UpdateRecord) error {
			applied = append(applied, appliedUpdate{lsn: rec.Lsn, pid: rec.PageId, redo: true})
			return nil
		},
		func(rec UpdateRecord) error {
			applied = append(applied, appliedUpdate{lsn: rec.Lsn, pid: rec.PageId})
			return nil
		})
	if err != nil {
		t.Fatal(err)
	}

	if stats.CommitLsn != commitLsn {
		t.Errorf("commit LSN: got %d, want %d", stats.CommitLsn, commitLsn)
	}
	if stats.AppliedRecords != 2 || stats.UndoneRecords != 1 {
		t.Errorf("applied %d undone %d", stats.AppliedRecords, stats.UndoneRecords)
	}
	// Redo in LSN order first, then the undo of the tail
	want := []appliedUpdate{
		{lsn: 1, pid: 2, redo: true},
		{lsn: 2, pid: 3, redo: true},
		{lsn: 4, pid: 2},
	}
	if len(applied) != len(want) {
		t.Fatalf("applied %d operations, want %d", len(applied), len(want))
	}
	for i := range want {
		if applied[i] != want[i] {
			t.Errorf("operation %d: got %+v, want %+v", i, applied[i], want[i])
		}
	}
}

func TestRecoverUndoInReverseOrder(t *testing.T) {
	e := env.NewMemEnv()
	w := testWriter(t, e, DefaultSegmentSize)

	if _, err := w.Commit(); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err := w.LogUpdate(page.Id(i+2), []DeltaEntry{{Offset: 8, Before: []byte("b"), After: []byte("a")}}); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.FlushTo(w.LastLsn()); err != nil {
		t.Fatal(err)
	}
	w.Close()

	var undone []page.Lsn
	_, err := Recover(e, testPrefix,
		func(rec UpdateRecord) error { return nil },
		func(rec UpdateRecord) error {
			undone = append(undone, rec.Lsn)
			return nil
		})
	if err != nil {
		t.Fatal(err)
	}
	if len(undone) != 3 || undone[0] != 4 || undone[1] != 3 || undone[2] != 2 {
		t.Errorf("undo order: %v", undone)
	}
}

func TestRecoverEmptyLog(t *testing.T) {
	e := env.NewMemEnv()
	stats, err := Recover(e, testPrefix,
		func(UpdateRecord) error { t.Fatal("unexpected redo"); return nil },
		func(UpdateRecord) error { t.Fatal("unexpected undo"); return nil })
	if err != nil {
		t.Fatal(err)
	}
	if stats.ScannedRecords != 0 {
		t.Errorf("scanned %d records in empty log", stats.ScannedRecords)
	}
}

func TestRecoverDiscardsTornTail(t *testing.T) {
	e := env.NewMemEnv()
	w := testWriter(t, e, DefaultSegmentSize)

	if _, err := w.LogUpdate(2, []DeltaEntry{{Offset: 8, Before: []byte("b1"), After: []byte("a1")}}); err != nil {
		t.Fatal(err)
	}
	commitLsn, err := w.Commit()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.LogUpdate(2, []DeltaEntry{{Offset: 8, Before: []byte("b2"), After: []byte("a2")}}); err != nil {
		t.Fatal(err)
	}
	w.Close()

	// Tear the final record in half
	segments, _ := listSegments(e, testPrefix)
	contents, _ := e.GetFileContents(segments[0].path)
	e.PutFileContents(segments[0].path, contents[:len(contents)-5])

	redone, undone := 0, 0
	stats, err := Recover(e, testPrefix,
		func(UpdateRecord) error { redone++; return nil },
		func(UpdateRecord) error { undone++; return nil })
	if err != nil {
		t.Fatal(err)
	}
	if stats.CommitLsn != commitLsn {
		t.Errorf("commit LSN: got %d, want %d", stats.CommitLsn, commitLsn)
	}
	if redone != 1 || undone != 0 {
		t.Errorf("redone %d undone %d after torn tail", redone, undone)
	}
}

func TestRemoveAllSegments(t *testing.T) {
	e := env.NewMemEnv()
	w := testWriter(t, e, 128)
	for i := 0; i < 10; i++ {
		buf := bytes.Repeat([]byte{byte(i)}, 50)
		if _, err := w.LogUpdate(2, []DeltaEntry{{Offset: 8, Before: buf, After: buf}}); err != nil {
			t.Fatal(err)
		}
	}
	w.Close()

	if ok, _ := HasSegments(e, testPrefix); !ok {
		t.Fatal("expected segments on disk")
	}
	if err := RemoveAllSegments(e, testPrefix); err != nil {
		t.Fatal(err)
	}
	if ok, _ := HasSegments(e, testPrefix); ok {
		t.Error("segments survived removal")
	}
}
