package reconfig

import (
	"errors"
	"testing"

	"smrcore/pkg/smrerrors"
	"smrcore/pkg/types"
	"smrcore/pkg/view"
)

func testView(t *testing.T, epoch types.Epoch, members ...types.ReplicaID) view.View {
	t.Helper()
	v, err := view.New(epoch, members)
	if err != nil {
		t.Fatalf("view.New failed: %v", err)
	}
	return v
}

func TestIntegrator_QueuesAndSignals(t *testing.T) {
	i := NewIntegrator()
	v := testView(t, 2, 1, 2, 3, 4)

	if err := i.ProposeView(v, 10); err != nil {
		t.Fatalf("ProposeView failed: %v", err)
	}

	select {
	case <-i.Signal():
	default:
		t.Fatal("no signal for a queued proposal")
	}

	p, ok := i.Next()
	if !ok || p.Effective != 10 || p.View.Epoch != 2 {
		t.Fatalf("Next = (%+v, %v), want the queued proposal", p, ok)
	}
	if _, ok := i.Next(); ok {
		t.Fatal("queue should be empty")
	}
}

func TestIntegrator_OrdersByEffective(t *testing.T) {
	i := NewIntegrator()

	if err := i.ProposeView(testView(t, 3, 1, 2, 3), 20); err != nil {
		t.Fatalf("ProposeView(20) failed: %v", err)
	}
	if err := i.ProposeView(testView(t, 2, 1, 2, 3, 4), 10); err != nil {
		t.Fatalf("ProposeView(10) failed: %v", err)
	}

	first, _ := i.Next()
	second, _ := i.Next()
	if first.Effective != 10 || second.Effective != 20 {
		t.Fatalf("pop order = %d, %d, want 10 then 20", first.Effective, second.Effective)
	}
}

func TestIntegrator_RejectsInstalledEffective(t *testing.T) {
	i := NewIntegrator()
	v := testView(t, 2, 1, 2, 3, 4)

	if err := i.ProposeView(v, 10); err != nil {
		t.Fatalf("ProposeView failed: %v", err)
	}
	p, _ := i.Next()
	i.MarkInstalled(p)

	// Anything at or below the installed watermark is a conflict: the
	// certified install already won.
	err := i.ProposeView(testView(t, 3, 1, 2, 3), 10)
	if !errors.Is(err, smrerrors.ErrConfigurationConflict) {
		t.Fatalf("expected ErrConfigurationConflict, got %v", err)
	}
	err = i.ProposeView(testView(t, 3, 1, 2, 3), 5)
	if !errors.Is(err, smrerrors.ErrConfigurationConflict) {
		t.Fatalf("expected ErrConfigurationConflict below watermark, got %v", err)
	}
}

func TestIntegrator_LaterCertifiedReplacesSameEffective(t *testing.T) {
	i := NewIntegrator()

	if err := i.ProposeView(testView(t, 2, 1, 2, 3, 4), 10); err != nil {
		t.Fatalf("first proposal failed: %v", err)
	}
	if err := i.ProposeView(testView(t, 3, 1, 2, 3), 10); err != nil {
		t.Fatalf("replacing proposal failed: %v", err)
	}

	p, ok := i.Next()
	if !ok || p.View.Epoch != 3 {
		t.Fatalf("Next epoch = %d, want the later-certified 3", p.View.Epoch)
	}
	if _, ok := i.Next(); ok {
		t.Fatal("replaced proposal still queued")
	}
}

func TestIntegrator_ResignalsWhenMoreQueued(t *testing.T) {
	i := NewIntegrator()

	if err := i.ProposeView(testView(t, 2, 1, 2, 3, 4), 10); err != nil {
		t.Fatalf("ProposeView(10) failed: %v", err)
	}
	if err := i.ProposeView(testView(t, 3, 1, 2, 3), 20); err != nil {
		t.Fatalf("ProposeView(20) failed: %v", err)
	}

	<-i.Signal()
	if _, ok := i.Next(); !ok {
		t.Fatal("expected first proposal")
	}

	// A second proposal remains, so the signal must fire again.
	select {
	case <-i.Signal():
	default:
		t.Fatal("no re-signal with a proposal still queued")
	}
}
