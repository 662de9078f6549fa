package journal

import (
	"testing"

	"github.com/go-test/deep"

	"smrcore/pkg/types"
)

func testDecision(seq types.SeqNum) types.Decision {
	reqs := []types.Request{
		{Client: "client-a", Num: types.RequestNum(seq), Payload: []byte("PUT k v")},
	}
	return types.Decision{
		Seq:      seq,
		Requests: reqs,
		Digest:   types.DecisionDigest(seq, reqs),
	}
}

func TestFileLog_AppendAndReplay(t *testing.T) {
	dir := t.TempDir()

	fl, err := OpenFileLog(dir)
	if err != nil {
		t.Fatalf("OpenFileLog failed: %v", err)
	}

	want := []types.Decision{testDecision(1), testDecision(2), testDecision(3)}
	for _, d := range want {
		if err := fl.Append(d); err != nil {
			t.Fatalf("Append(%d) failed: %v", d.Seq, err)
		}
	}
	if err := fl.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Reopen: the log must survive the restart.
	fl, err = OpenFileLog(dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer fl.Close()

	got, err := fl.ReadRange(1, 0)
	if err != nil {
		t.Fatalf("ReadRange failed: %v", err)
	}
	if diff := deep.Equal(got, want); diff != nil {
		t.Fatalf("replayed log differs: %v", diff)
	}
}

func TestFileLog_TruncateDropsPrefix(t *testing.T) {
	dir := t.TempDir()

	fl, err := OpenFileLog(dir)
	if err != nil {
		t.Fatalf("OpenFileLog failed: %v", err)
	}

	for seq := types.SeqNum(1); seq <= 4; seq++ {
		if err := fl.Append(testDecision(seq)); err != nil {
			t.Fatalf("Append(%d) failed: %v", seq, err)
		}
	}

	if err := fl.Truncate(2); err != nil {
		t.Fatalf("Truncate failed: %v", err)
	}

	got, err := fl.ReadRange(3, 0)
	if err != nil {
		t.Fatalf("ReadRange failed: %v", err)
	}
	if len(got) != 2 || got[0].Seq != 3 || got[1].Seq != 4 {
		t.Fatalf("expected decisions 3..4 after truncate, got %d entries", len(got))
	}

	// The compacted file must be what survives a restart.
	if err := fl.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	fl, err = OpenFileLog(dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer fl.Close()

	got, err = fl.ReadRange(3, 0)
	if err != nil {
		t.Fatalf("ReadRange after reopen failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 decisions after reopen, got %d", len(got))
	}
}

func TestFileLog_AppendAfterTruncate(t *testing.T) {
	dir := t.TempDir()

	fl, err := OpenFileLog(dir)
	if err != nil {
		t.Fatalf("OpenFileLog failed: %v", err)
	}
	defer fl.Close()

	for seq := types.SeqNum(1); seq <= 3; seq++ {
		if err := fl.Append(testDecision(seq)); err != nil {
			t.Fatalf("Append(%d) failed: %v", seq, err)
		}
	}
	if err := fl.Truncate(3); err != nil {
		t.Fatalf("Truncate failed: %v", err)
	}
	if err := fl.Append(testDecision(4)); err != nil {
		t.Fatalf("Append after truncate failed: %v", err)
	}

	got, err := fl.ReadRange(4, 0)
	if err != nil {
		t.Fatalf("ReadRange failed: %v", err)
	}
	if len(got) != 1 || got[0].Seq != 4 {
		t.Fatalf("expected only decision 4, got %d entries", len(got))
	}
}

func TestFileLog_TruncateBelowWindowKeepsEntries(t *testing.T) {
	dir := t.TempDir()

	fl, err := OpenFileLog(dir)
	if err != nil {
		t.Fatalf("OpenFileLog failed: %v", err)
	}
	defer fl.Close()

	for seq := types.SeqNum(1); seq <= 4; seq++ {
		if err := fl.Append(testDecision(seq)); err != nil {
			t.Fatalf("Append(%d) failed: %v", seq, err)
		}
	}
	if err := fl.Truncate(2); err != nil {
		t.Fatalf("Truncate(2) failed: %v", err)
	}

	// A stale boundary below the surviving window must be a no-op, not a
	// window rewind.
	if err := fl.Truncate(1); err != nil {
		t.Fatalf("Truncate(1) failed: %v", err)
	}

	got, err := fl.ReadRange(3, 0)
	if err != nil {
		t.Fatalf("ReadRange failed: %v", err)
	}
	if len(got) != 2 || got[0].Seq != 3 || got[1].Seq != 4 {
		t.Fatalf("expected decisions 3..4 to survive the stale truncate, got %d entries", len(got))
	}
}

func TestMemLog_TruncateBelowWindowKeepsEntries(t *testing.T) {
	ml := NewMemLog()

	for seq := types.SeqNum(3); seq <= 4; seq++ {
		if err := ml.Append(testDecision(seq)); err != nil {
			t.Fatalf("Append(%d) failed: %v", seq, err)
		}
	}
	if err := ml.Truncate(1); err != nil {
		t.Fatalf("Truncate(1) failed: %v", err)
	}

	got, err := ml.ReadRange(3, 0)
	if err != nil {
		t.Fatalf("ReadRange failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected decisions 3..4 to survive the stale truncate, got %d entries", len(got))
	}
}

func TestFileLog_CheckpointRoundtrip(t *testing.T) {
	dir := t.TempDir()

	fl, err := OpenFileLog(dir)
	if err != nil {
		t.Fatalf("OpenFileLog failed: %v", err)
	}

	if _, ok, _ := fl.LatestCheckpoint(); ok {
		t.Fatal("fresh log should have no checkpoint")
	}

	blob := []byte(`{"k":"v"}`)
	want := Checkpoint{Seq: 10, Digest: types.DigestOf(blob), Blob: blob}
	if err := fl.PersistCheckpoint(want); err != nil {
		t.Fatalf("PersistCheckpoint failed: %v", err)
	}
	if err := fl.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	fl, err = OpenFileLog(dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer fl.Close()

	got, ok, err := fl.LatestCheckpoint()
	if err != nil {
		t.Fatalf("LatestCheckpoint failed: %v", err)
	}
	if !ok {
		t.Fatal("checkpoint lost across reopen")
	}
	if diff := deep.Equal(got, want); diff != nil {
		t.Fatalf("checkpoint differs after reopen: %v", diff)
	}
}
