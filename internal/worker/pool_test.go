package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type countingObserver struct {
	mu      sync.Mutex
	current float64
	peak    float64
}

func (o *countingObserver) InFlight(delta float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.current += delta
	if o.current > o.peak {
		o.peak = o.current
	}
}

func TestSubmit_ReturnsResult(t *testing.T) {
	p := New(2, nil)
	defer p.Close()

	got, err := Submit(context.Background(), p, func(ctx context.Context) (int, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if got != 42 {
		t.Errorf("got %d, want 42", got)
	}

	wantErr := errors.New("boom")
	_, err = Submit(context.Background(), p, func(ctx context.Context) (int, error) {
		return 0, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("expected job error, got %v", err)
	}
}

func TestSubmit_BoundsConcurrency(t *testing.T) {
	obs := &countingObserver{}
	p := New(2, obs)

	var running, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = Submit(context.Background(), p, func(ctx context.Context) (struct{}, error) {
				n := atomic.AddInt32(&running, 1)
				for {
					old := atomic.LoadInt32(&peak)
					if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				atomic.AddInt32(&running, -1)
				return struct{}{}, nil
			})
		}()
	}
	wg.Wait()

	if err := p.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if peak > 2 {
		t.Errorf("observed %d concurrent jobs, pool size is 2", peak)
	}
	if obs.peak > 2 || obs.current != 0 {
		t.Errorf("observer peak=%v current=%v", obs.peak, obs.current)
	}
}

func TestSubmit_CallerTimeoutDoesNotCancelJob(t *testing.T) {
	p := New(1, nil)

	finished := make(chan error, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := Submit(ctx, p, func(jobCtx context.Context) (int, error) {
		time.Sleep(80 * time.Millisecond)
		finished <- jobCtx.Err()
		return 1, nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected caller deadline error, got %v", err)
	}

	select {
	case jobErr := <-finished:
		if jobErr != nil {
			t.Errorf("job context was cancelled: %v", jobErr)
		}
	case <-time.After(time.Second):
		t.Fatal("job did not run to completion")
	}

	if err := p.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestSubmit_WaitingForSlotHonorsContext(t *testing.T) {
	p := New(1, nil)
	defer p.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = Submit(context.Background(), p, func(ctx context.Context) (int, error) {
			close(started)
			<-release
			return 0, nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	ran := false
	_, err := Submit(ctx, p, func(ctx context.Context) (int, error) {
		ran = true
		return 0, nil
	})
	close(release)

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline error while waiting for slot, got %v", err)
	}
	if ran {
		t.Error("job ran without a free slot")
	}
}

func TestSubmit_AfterClose(t *testing.T) {
	p := New(1, nil)
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}

	_, err := Submit(context.Background(), p, func(ctx context.Context) (int, error) {
		return 0, nil
	})
	if !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestSubmit_Panic(t *testing.T) {
	p := New(1, nil)

	_, err := Submit(context.Background(), p, func(ctx context.Context) (int, error) {
		panic("kaboom")
	})
	if !errors.Is(err, ErrPanicked) {
		t.Errorf("expected ErrPanicked from Submit, got %v", err)
	}

	if err := p.Close(); !errors.Is(err, ErrPanicked) {
		t.Errorf("expected ErrPanicked from Close, got %v", err)
	}
}

func TestNew_MinimumSize(t *testing.T) {
	if got := New(0, nil).Size(); got != 1 {
		t.Errorf("Size() = %d, want 1", got)
	}
}
