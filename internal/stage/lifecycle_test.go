package stage

import "testing"

func TestLifecycleTransitions(t *testing.T) {
	var seen []State
	l := NewLifecycle(func(s State) { seen = append(seen, s) })

	steps := []State{StateConnected, StateConsuming, StateProcessing, StateConsuming, StateStopping, StateClosed}
	for _, s := range steps {
		if err := l.Transition(s); err != nil {
			t.Fatalf("Transition(%s) error = %v", s, err)
		}
	}

	want := append([]State{StateIdle}, steps...)
	if len(seen) != len(want) {
		t.Fatalf("observer saw %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("observer[%d] = %s, want %s", i, seen[i], want[i])
		}
	}
}

func TestLifecycleRejectsIllegalTransitions(t *testing.T) {
	tests := []struct {
		name string
		path []State
		next State
	}{
		{"idle to processing", nil, StateProcessing},
		{"idle to closed", nil, StateClosed},
		{"connected to processing", []State{StateConnected}, StateProcessing},
		{"processing to processing", []State{StateConnected, StateConsuming, StateProcessing}, StateProcessing},
		{"stopping to consuming", []State{StateStopping}, StateConsuming},
		{"closed to idle", []State{StateStopping, StateClosed}, StateIdle},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewLifecycle(nil)
			for _, s := range tt.path {
				if err := l.Transition(s); err != nil {
					t.Fatalf("setup Transition(%s) error = %v", s, err)
				}
			}
			before := l.State()
			if err := l.Transition(tt.next); err == nil {
				t.Fatalf("Transition(%s) succeeded, want error", tt.next)
			}
			if l.State() != before {
				t.Errorf("state changed to %s after rejected transition", l.State())
			}
		})
	}
}

func TestLifecycleCloseFromAnyState(t *testing.T) {
	for _, path := range [][]State{
		nil,
		{StateConnected},
		{StateConnected, StateConsuming, StateProcessing},
		{StateStopping},
	} {
		l := NewLifecycle(nil)
		for _, s := range path {
			if err := l.Transition(s); err != nil {
				t.Fatalf("setup Transition(%s) error = %v", s, err)
			}
		}
		l.Close()
		if l.State() != StateClosed {
			t.Errorf("after %v Close() state = %s, want closed", path, l.State())
		}
		l.Close()
		if l.State() != StateClosed {
			t.Errorf("second Close() state = %s", l.State())
		}
	}
}
