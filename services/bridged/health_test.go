package bridged

import "testing"

func TestDirectionHealthThresholds(t *testing.T) {
	tracker := NewDirectionHealthTracker(2, 4, nil)

	if got := tracker.Status("canton_to_evm"); got.Status != HealthOK {
		t.Fatalf("unknown direction should report ok, got %s", got.Status)
	}

	tracker.Record("canton_to_evm", false)
	if got := tracker.Status("canton_to_evm"); got.Status != HealthOK {
		t.Fatalf("one failure should stay ok, got %s", got.Status)
	}
	tracker.Record("canton_to_evm", false)
	if got := tracker.Status("canton_to_evm"); got.Status != HealthDegraded {
		t.Fatalf("expected degraded at soft threshold, got %s", got.Status)
	}
	tracker.Record("canton_to_evm", false)
	tracker.Record("canton_to_evm", false)
	if got := tracker.Status("canton_to_evm"); got.Status != HealthFailed {
		t.Fatalf("expected failed at hard threshold, got %s", got.Status)
	}
}

func TestDirectionHealthRecoversOnSuccess(t *testing.T) {
	tracker := NewDirectionHealthTracker(2, 4, nil)
	for i := 0; i < 4; i++ {
		tracker.Record("evm_to_canton", false)
	}
	tracker.Record("evm_to_canton", true)
	got := tracker.Status("evm_to_canton")
	if got.Status != HealthOK || got.ConsecutiveFailures != 0 {
		t.Fatalf("success should clear failure state, got %+v", got)
	}
}

func TestDirectionHealthIsolation(t *testing.T) {
	tracker := NewDirectionHealthTracker(2, 4, nil)
	for i := 0; i < 4; i++ {
		tracker.Record("canton_to_evm", false)
	}
	if got := tracker.Status("evm_to_canton"); got.Status != HealthOK {
		t.Fatalf("unrelated direction affected: %+v", got)
	}
}

func TestDirectionHealthReset(t *testing.T) {
	tracker := NewDirectionHealthTracker(2, 4, nil)
	for i := 0; i < 4; i++ {
		tracker.Record("canton_to_evm", false)
	}
	tracker.Reset("Canton_To_EVM")
	if got := tracker.Status("canton_to_evm"); got.Status != HealthOK {
		t.Fatalf("reset should restore ok, got %+v", got)
	}
}
