package circuitbreaker

import (
	"context"
	"testing"
	"time"
)

func TestRegistry_IndependentBreakersPerClass(t *testing.T) {
	reg := NewRegistry(map[string]Config{
		ClassChannelJoin: {FailureThreshold: 1, ResetTimeout: time.Minute},
	}, DefaultConfig())

	join := reg.Get(ClassChannelJoin)
	access := reg.Get(ClassStreamAccess)

	_ = join.Execute(context.Background(), func() error { return errTestError })

	if join.GetState() != StateOpen {
		t.Errorf("channel_join should be open, got %v", join.GetState())
	}
	if access.GetState() != StateClosed {
		t.Errorf("stream_access must be unaffected, got %v", access.GetState())
	}
	if access.Config().FailureThreshold != DefaultConfig().FailureThreshold {
		t.Errorf("unconfigured class should use the fallback config")
	}
	if reg.Get(ClassChannelJoin) != join {
		t.Error("Get should return the same instance for a class")
	}
	if join.Name() != ClassChannelJoin {
		t.Errorf("Name() = %q", join.Name())
	}
}

func TestRegistry_StateChangeListenerAndStats(t *testing.T) {
	reg := NewRegistry(nil, Config{FailureThreshold: 1, ResetTimeout: time.Minute})

	seen := make(chan string, 1)
	reg.OnStateChange(func(name string, from, to State) {
		if to == StateOpen {
			seen <- name
		}
	})

	_ = reg.Get(ClassEngineCleanup).Execute(context.Background(), func() error { return errTestError })

	select {
	case name := <-seen:
		if name != ClassEngineCleanup {
			t.Errorf("listener got %q", name)
		}
	case <-time.After(time.Second):
		t.Fatal("listener not called")
	}

	stats := reg.Stats()
	if stats[ClassEngineCleanup].State != StateOpen {
		t.Errorf("Stats() = %+v", stats)
	}

	reg.ResetAll()
	if reg.Get(ClassEngineCleanup).GetState() != StateClosed {
		t.Error("ResetAll should close every breaker")
	}
}
