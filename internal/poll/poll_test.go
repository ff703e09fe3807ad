package poll

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// noSleep records requested intervals instead of sleeping.
func noSleep(got *[]time.Duration) Option {
	return func(p *poller) {
		p.sleep = func(ctx context.Context, d time.Duration, _ WaitOptions) (bool, error) {
			*got = append(*got, d)
			return false, ctx.Err()
		}
	}
}

func TestPoll_EscalationChainRunsEveryBudget(t *testing.T) {
	var slept []time.Duration
	var attempts []Attempt

	strategy := Strategy{
		MaxPollCount: 3,
		PollInterval: 10 * time.Millisecond,
		SubsequentStrategies: []Strategy{
			{MaxPollCount: 2, PollInterval: 20 * time.Millisecond},
		},
	}
	outcome, err := Poll(context.Background(), func(ctx context.Context, a Attempt) (bool, error) {
		attempts = append(attempts, a)
		return false, nil
	}, strategy, noSleep(&slept))
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if outcome != Exhausted {
		t.Fatalf("Poll() outcome = %v, want exhausted", outcome)
	}
	if len(attempts) != 5 {
		t.Fatalf("check invoked %d times, want 5", len(attempts))
	}

	wantSleeps := []time.Duration{10 * time.Millisecond, 10 * time.Millisecond, 20 * time.Millisecond, 20 * time.Millisecond}
	if len(slept) != len(wantSleeps) {
		t.Fatalf("slept %v, want %v", slept, wantSleeps)
	}
	for i := range wantSleeps {
		if slept[i] != wantSleeps[i] {
			t.Fatalf("sleep[%d] = %v, want %v", i, slept[i], wantSleeps[i])
		}
	}

	last := attempts[4]
	if last.Stage != 1 || last.Count != 2 || last.Total != 5 {
		t.Fatalf("last attempt = %+v, want stage 1 count 2 total 5", last)
	}
}

func TestPoll_StopsOnCompletion(t *testing.T) {
	var slept []time.Duration
	calls := 0
	outcome, err := Poll(context.Background(), func(ctx context.Context, a Attempt) (bool, error) {
		calls++
		return calls == 2, nil
	}, DefaultStrategy(), noSleep(&slept))
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if outcome != Completed || calls != 2 {
		t.Fatalf("Poll() = %v after %d calls, want completed after 2", outcome, calls)
	}
}

func TestPoll_StreamLogReachesCheckUnchanged(t *testing.T) {
	var slept []time.Duration
	var seen []Strategy
	strategy := Strategy{
		MaxPollCount: 1,
		SubsequentStrategies: []Strategy{
			{MaxPollCount: 1, StreamLog: true, LogFolderPath: "/tmp/logs"},
		},
	}
	_, err := Poll(context.Background(), func(ctx context.Context, a Attempt) (bool, error) {
		seen = append(seen, a.Strategy)
		return false, nil
	}, strategy, noSleep(&slept))
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if seen[0].StreamLog || !seen[1].StreamLog || seen[1].LogFolderPath != "/tmp/logs" {
		t.Fatalf("stages seen = %+v", seen)
	}
}

func TestPoll_CheckErrorAborts(t *testing.T) {
	var slept []time.Duration
	boom := errors.New("state endpoint failed")
	calls := 0
	_, err := Poll(context.Background(), func(ctx context.Context, a Attempt) (bool, error) {
		calls++
		return false, boom
	}, Strategy{MaxPollCount: 10}, noSleep(&slept))
	if !errors.Is(err, boom) {
		t.Fatalf("Poll() error = %v, want %v", err, boom)
	}
	if calls != 1 {
		t.Fatalf("check invoked %d times, want 1", calls)
	}
}

func TestPoll_ContextCancellationEndsWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := Poll(ctx, func(ctx context.Context, a Attempt) (bool, error) {
		calls++
		cancel()
		return false, nil
	}, Strategy{MaxPollCount: 5, PollInterval: time.Hour})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Poll() error = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Fatalf("check invoked %d times, want 1", calls)
	}
}

func TestPoll_RejectsNegativeBudget(t *testing.T) {
	_, err := Poll(context.Background(), func(context.Context, Attempt) (bool, error) { return true, nil },
		Strategy{MaxPollCount: 1, SubsequentStrategies: []Strategy{{MaxPollCount: -1}}})
	if err == nil {
		t.Fatal("Poll() error = nil, want argument error")
	}
}

func TestChain_FlattensDepthFirst(t *testing.T) {
	s := Strategy{MaxPollCount: 1, SubsequentStrategies: []Strategy{
		{MaxPollCount: 2, SubsequentStrategies: []Strategy{{MaxPollCount: 3}}},
		{MaxPollCount: 4},
	}}
	chain := Chain(s)

	var counts []int
	for _, stage := range chain {
		counts = append(counts, stage.MaxPollCount)
		if stage.SubsequentStrategies != nil {
			t.Fatalf("stage %d keeps nested strategies", stage.MaxPollCount)
		}
	}
	if got := len(counts); got != 4 || counts[0] != 1 || counts[1] != 2 || counts[2] != 3 || counts[3] != 4 {
		t.Fatalf("chain counts = %v, want [1 2 3 4]", counts)
	}
	if len(s.SubsequentStrategies) != 2 {
		t.Fatal("Chain() mutated its input")
	}
}

func TestDefaultStrategy(t *testing.T) {
	chain := Chain(DefaultStrategy())
	if len(chain) != 4 {
		t.Fatalf("default chain has %d stages, want 4", len(chain))
	}
	if chain[0].PollInterval != 300*time.Millisecond || chain[3].PollInterval != time.Minute {
		t.Fatalf("unexpected intervals: %v ... %v", chain[0].PollInterval, chain[3].PollInterval)
	}
}

func TestWait(t *testing.T) {
	t.Run("skips when Skip channel fires", func(t *testing.T) {
		skip := make(chan struct{})
		close(skip)

		skipped, err := Wait(context.Background(), 10*time.Second, WaitOptions{Skip: skip})
		if err != nil || !skipped {
			t.Fatalf("Wait() = (%v, %v), want (true, nil)", skipped, err)
		}
	})

	t.Run("returns ctx error when canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		skipped, err := Wait(ctx, 10*time.Second, WaitOptions{ShowCountdown: true})
		if err == nil || skipped {
			t.Fatalf("Wait() = (%v, %v), want context cancellation", skipped, err)
		}
	})

	t.Run("countdown renders progress", func(t *testing.T) {
		var buf bytes.Buffer
		_, err := Wait(context.Background(), 30*time.Millisecond, WaitOptions{
			Output:        &buf,
			ShowCountdown: true,
			Tick:          5 * time.Millisecond,
			BarWidth:      10,
		})
		if err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
		if !strings.Contains(buf.String(), "next check in") {
			t.Fatalf("countdown output = %q", buf.String())
		}
	})
}

func TestLogSink_AppendsOnlyNewLines(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	sink, err := NewLogSink(dir, "job/42")
	if err != nil {
		t.Fatalf("NewLogSink() error = %v", err)
	}
	if filepath.Base(sink.Path()) != "job-42.log" {
		t.Fatalf("sink path = %s", sink.Path())
	}

	steps := []struct {
		lines []string
		want  int
	}{
		{[]string{"1 data a;"}, 1},
		{[]string{"1 data a;", "2 run;", "NOTE: ok"}, 2},
		{[]string{"1 data a;", "2 run;", "NOTE: ok"}, 0},
	}
	for i, step := range steps {
		n, err := sink.Update(step.lines)
		if err != nil {
			t.Fatalf("step %d: Update() error = %v", i, err)
		}
		if n != step.want {
			t.Fatalf("step %d: appended %d lines, want %d", i, n, step.want)
		}
	}

	data, err := os.ReadFile(sink.Path())
	if err != nil {
		t.Fatalf("read sink: %v", err)
	}
	if got := string(data); got != "1 data a;\n2 run;\nNOTE: ok\n" {
		t.Fatalf("sink contents = %q", got)
	}
}
