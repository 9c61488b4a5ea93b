package mergedcontext

import (
	"context"
	"errors"
	"testing"
	"time"
)

type key struct{}

func TestDoneWhenEitherIsDone(t *testing.T) {
	for _, first := range []bool{true, false} {
		ctx1, cancel1 := context.WithCancel(context.Background())
		ctx2, cancel2 := context.WithCancel(context.Background())
		merged, cancel := MergeContexts(ctx1, ctx2)
		if first {
			cancel1()
		} else {
			cancel2()
		}
		select {
		case <-merged.Done():
		case <-time.After(time.Second):
			t.Fatal("merged context was not cancelled")
		}
		if !errors.Is(merged.Err(), context.Canceled) {
			t.Errorf("expected canceled, got %v", merged.Err())
		}
		cancel()
		cancel1()
		cancel2()
	}
}

func TestCancelReleases(t *testing.T) {
	merged, cancel := MergeContexts(context.Background(), context.Background())
	cancel()
	<-merged.Done()
	if merged.Err() == nil {
		t.Error("expected error after cancel")
	}
}

func TestValueAndDeadline(t *testing.T) {
	ctx1 := context.WithValue(context.Background(), key{}, "one")
	deadline := time.Now().Add(time.Hour)
	ctx2, cancel2 := context.WithDeadline(context.Background(), deadline)
	defer cancel2()
	merged, cancel := MergeContexts(ctx1, ctx2)
	defer cancel()
	if merged.Value(key{}) != "one" {
		t.Error("value from first context missing")
	}
	d, ok := merged.Deadline()
	if !ok || !d.Equal(deadline) {
		t.Errorf("expected deadline %s, got %s %v", deadline, d, ok)
	}
}
