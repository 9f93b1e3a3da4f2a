package retry

import (
	"context"
	"errors"
	"testing"

	"github.com/anatolykoptev/conduit/internal/pipeline"
)

func TestCrashedMatchesExitMessages(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("process exited with status 1"), true},
		{errors.New("exited with code 137"), true},
		{errors.New("context canceled"), false},
		{errors.New("bad prompt"), false},
	}
	for _, c := range cases {
		if got := crashed(c.err); got != c.want {
			t.Errorf("crashed(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestRunSucceedsWithoutRetry(t *testing.T) {
	calls := 0
	turn := func(ctx context.Context) (pipeline.Output, error) {
		calls++
		return pipeline.Output{Text: "ok"}, nil
	}
	out, err := Run(context.Background(), turn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Text != "ok" {
		t.Fatalf("got %+v", out)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one call, got %d", calls)
	}
}

func TestRunRetriesOnceOnCrash(t *testing.T) {
	calls := 0
	turn := func(ctx context.Context) (pipeline.Output, error) {
		calls++
		if calls == 1 {
			return pipeline.Output{}, errors.New("assistant exited with status 1")
		}
		return pipeline.Output{Text: "recovered"}, nil
	}
	out, err := Run(context.Background(), turn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Text != "recovered" {
		t.Fatalf("got %+v", out)
	}
	if calls != 2 {
		t.Fatalf("expected exactly 2 calls (1 retry), got %d", calls)
	}
}

func TestRunDoesNotRetryNonCrashFailures(t *testing.T) {
	calls := 0
	wantErr := errors.New("bad prompt")
	turn := func(ctx context.Context) (pipeline.Output, error) {
		calls++
		return pipeline.Output{}, wantErr
	}
	_, err := Run(context.Background(), turn)
	if err == nil {
		t.Fatal("expected an error")
	}
	if calls != 1 {
		t.Fatalf("expected no retry for a non-crash failure, got %d calls", calls)
	}
}

func TestRunStopsRetryingAfterOneAttempt(t *testing.T) {
	calls := 0
	turn := func(ctx context.Context) (pipeline.Output, error) {
		calls++
		return pipeline.Output{}, errors.New("exited with code 1")
	}
	_, err := Run(context.Background(), turn)
	if err == nil {
		t.Fatal("expected an error after exhausting the single retry")
	}
	if calls != 2 {
		t.Fatalf("expected exactly 2 calls total (initial + 1 retry), got %d", calls)
	}
}
