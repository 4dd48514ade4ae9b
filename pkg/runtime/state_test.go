package runtime

import "testing"

func TestDaemonTransitionAllowed(t *testing.T) {
	tests := []struct {
		name      string
		current   DaemonPhase
		proposed  DaemonPhase
		wantApply bool
	}{
		{"off to starting applies", DaemonOff, DaemonStarting, true},
		{"starting to on applies", DaemonStarting, DaemonOn, true},
		{"on to stopping applies", DaemonOn, DaemonStopping, true},
		{"stopping to off applies", DaemonStopping, DaemonOff, true},
		{"on to starting drops", DaemonOn, DaemonStarting, false},
		{"off to on drops", DaemonOff, DaemonOn, false},
		{"off to stopping drops", DaemonOff, DaemonStopping, false},
		{"stopping to on drops", DaemonStopping, DaemonOn, false},
		{"on to on applies (bootstrap progress stream)", DaemonOn, DaemonOn, true},
		{"off to off drops", DaemonOff, DaemonOff, false},
		{"starting to starting drops", DaemonStarting, DaemonStarting, false},
		{"stopping to stopping drops", DaemonStopping, DaemonStopping, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := daemonTransitionAllowed(tt.current, tt.proposed)
			if got != tt.wantApply {
				t.Errorf("daemonTransitionAllowed(%v, %v) = %v, want %v", tt.current, tt.proposed, got, tt.wantApply)
			}
		})
	}
}

func TestStateGuardNeverSkipsAStep(t *testing.T) {
	g := newStateGuard()
	var seen []DaemonPhase
	g.Subscribe(func(s TorState) { seen = append(seen, s.Daemon) })

	// Attempt an illegal skip: Off -> On directly must be dropped.
	g.applyDaemon(DaemonOn, 50)
	if len(seen) != 1 {
		t.Fatalf("expected only the initial subscribe notification, got %d notifications", len(seen))
	}

	g.applyDaemon(DaemonStarting, 0)
	g.applyDaemon(DaemonOn, 100)
	g.applyDaemon(DaemonStopping, 0)
	g.applyDaemon(DaemonOff, 0)

	want := []DaemonPhase{DaemonOff, DaemonStarting, DaemonOn, DaemonStopping, DaemonOff}
	if len(seen) != len(want) {
		t.Fatalf("got %v transitions, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("transition %d = %v, want %v", i, seen[i], want[i])
		}
	}
}

func TestReadyLatchesAndResets(t *testing.T) {
	g := newStateGuard()
	g.applyDaemon(DaemonStarting, 0)
	g.applyDaemon(DaemonOn, 100)
	g.applyNetwork(NetworkEnabled)

	if !g.Snapshot().Ready {
		t.Fatal("expected Ready once bootstrap==100 && Network==Enabled")
	}

	g.applyNetwork(NetworkDisabled)
	if g.Snapshot().Ready {
		t.Fatal("expected Ready to reset once Network no longer Enabled")
	}
}

func TestBootstrapProgressStreamAdvancesAndLatchesReady(t *testing.T) {
	g := newStateGuard()
	g.applyDaemon(DaemonStarting, 0)

	for _, pct := range []int{5, 10, 50, 100} {
		g.applyDaemon(DaemonOn, pct)
		if got := g.Snapshot().Bootstrap; got != pct {
			t.Fatalf("after On(%d), Bootstrap = %d, want %d (bootstrap must not freeze at the first observed value)", pct, got, pct)
		}
	}

	g.applyNetwork(NetworkEnabled)
	if !g.Snapshot().Ready {
		t.Fatal("expected Ready once the bootstrap stream reaches 100 and Network is Enabled")
	}
}

func TestBootstrapProgressRepeatedValueIsNoOp(t *testing.T) {
	g := newStateGuard()
	g.applyDaemon(DaemonStarting, 0)
	g.applyDaemon(DaemonOn, 50)

	var notifications int
	g.Subscribe(func(TorState) { notifications++ })
	notifications = 0 // drop the immediate replay from Subscribe

	g.applyDaemon(DaemonOn, 50)
	if notifications != 0 {
		t.Fatalf("expected re-applying an identical On(50) to be a no-op, got %d notifications", notifications)
	}
}

func TestDaemonOffForcesNetworkDisabled(t *testing.T) {
	g := newStateGuard()
	g.applyDaemon(DaemonStarting, 0)
	g.applyDaemon(DaemonOn, 100)
	g.applyNetwork(NetworkEnabled)

	g.applyDaemon(DaemonStopping, 0)
	g.applyDaemon(DaemonOff, 0)

	if g.Snapshot().Network != NetworkDisabled {
		t.Error("expected Daemon.Off to force Network.Disabled")
	}
	if g.Snapshot().Ready {
		t.Error("expected Ready false once Daemon.Off")
	}
}
