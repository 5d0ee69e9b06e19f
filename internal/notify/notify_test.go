package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rewired-gh/agrolens/internal/models"
)

type fakePublisher struct {
	channel  string
	messages [][]byte
	err      error
}

func (f *fakePublisher) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
		return cmd
	}
	f.channel = channel
	f.messages = append(f.messages, message.([]byte))
	cmd.SetVal(1)
	return cmd
}

func TestRedis_PublishesEvents(t *testing.T) {
	pub := &fakePublisher{}
	r := newRedis(pub, "")
	r.now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	if err := r.NotifyResult(ctx, testOutcome()); err != nil {
		t.Fatalf("NotifyResult: %v", err)
	}
	if err := r.NotifyFailure(ctx, Failure{RunID: "r2", Stage: "fetch"}); err != nil {
		t.Fatalf("NotifyFailure: %v", err)
	}
	if err := r.NotifyRecovery(ctx, 4); err != nil {
		t.Fatalf("NotifyRecovery: %v", err)
	}

	if pub.channel != "agrolens:analysis" {
		t.Errorf("channel = %q, want default", pub.channel)
	}
	if len(pub.messages) != 3 {
		t.Fatalf("published %d messages, want 3", len(pub.messages))
	}

	var events []Event
	for _, m := range pub.messages {
		var ev Event
		if err := json.Unmarshal(m, &ev); err != nil {
			t.Fatalf("event is not JSON: %v", err)
		}
		events = append(events, ev)
	}

	if events[0].Type != EventCompleted || events[0].Outcome == nil || events[0].Outcome.ResultID != 3 {
		t.Errorf("unexpected completed event: %+v", events[0])
	}
	if events[1].Type != EventFailed || events[1].Failure == nil || events[1].Failure.Stage != "fetch" {
		t.Errorf("unexpected failed event: %+v", events[1])
	}
	if events[2].Type != EventRecovered || events[2].Failures != 4 {
		t.Errorf("unexpected recovered event: %+v", events[2])
	}
	if !events[0].At.Equal(r.now()) {
		t.Errorf("At = %v, want %v", events[0].At, r.now())
	}
}

func TestRedis_PublishError(t *testing.T) {
	r := newRedis(&fakePublisher{err: errors.New("connection refused")}, "chan")
	if err := r.NotifyRecovery(context.Background(), 1); err == nil {
		t.Fatal("expected publish error")
	}
}

type countingNotifier struct {
	results, failures, recoveries int
	err                           error
}

func (c *countingNotifier) NotifyResult(context.Context, *models.RunOutcome) error {
	c.results++
	return c.err
}

func (c *countingNotifier) NotifyFailure(context.Context, Failure) error {
	c.failures++
	return c.err
}

func (c *countingNotifier) NotifyRecovery(context.Context, int) error {
	c.recoveries++
	return c.err
}

func TestMulti_FansOutAndJoinsErrors(t *testing.T) {
	ok := &countingNotifier{}
	broken := &countingNotifier{err: errors.New("down")}
	m := Multi{ok, broken}
	ctx := context.Background()

	if err := m.NotifyResult(ctx, testOutcome()); err == nil {
		t.Error("expected joined error from broken notifier")
	}
	_ = m.NotifyFailure(ctx, Failure{})
	_ = m.NotifyRecovery(ctx, 1)

	for _, n := range []*countingNotifier{ok, broken} {
		if n.results != 1 || n.failures != 1 || n.recoveries != 1 {
			t.Errorf("notifier not reached by every call: %+v", n)
		}
	}

	if err := (Multi{ok}).NotifyResult(ctx, testOutcome()); err != nil {
		t.Errorf("healthy fan-out returned %v", err)
	}
}
