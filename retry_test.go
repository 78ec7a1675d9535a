package reploid

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryRecoversTransient(t *testing.T) {
	inner := &fakeProvider{
		script: []ChatResponse{{}, {Content: "ok"}},
		errs:   []error{&ErrLLM{Provider: "fake", Status: 429, Message: "slow down"}, nil},
	}
	p := WithRetry(inner, RetryBaseDelay(time.Millisecond))
	resp, err := p.Chat(context.Background(), ChatRequest{})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Content != "ok" || inner.callCount() != 2 {
		t.Errorf("resp = %+v, calls = %d", resp, inner.callCount())
	}
}

func TestRetryGivesUpOnPermanentError(t *testing.T) {
	inner := &fakeProvider{errs: []error{&ErrLLM{Provider: "fake", Status: 400, Message: "bad request"}}}
	p := WithRetry(inner, RetryBaseDelay(time.Millisecond))
	_, err := p.Chat(context.Background(), ChatRequest{})
	var le *ErrLLM
	if !errors.As(err, &le) || le.Status != 400 {
		t.Errorf("err = %v, want the original 400", err)
	}
	if inner.callCount() != 1 {
		t.Errorf("permanent error retried %d times", inner.callCount())
	}
}

func TestRetryExhaustion(t *testing.T) {
	transient := &ErrLLM{Provider: "fake", Status: 503, Message: "overloaded"}
	inner := &fakeProvider{errs: []error{transient, transient, transient}}
	p := WithRetry(inner, RetryMaxAttempts(3), RetryBaseDelay(time.Millisecond))
	_, err := p.Chat(context.Background(), ChatRequest{})
	var re *RetryExhaustedError
	if !errors.As(err, &re) {
		t.Fatalf("err = %v, want RetryExhaustedError", err)
	}
	if re.Attempts != 3 || inner.callCount() != 3 {
		t.Errorf("attempts = %d, calls = %d", re.Attempts, inner.callCount())
	}
}

func TestRetryHonorsCancellation(t *testing.T) {
	transient := &ErrLLM{Provider: "fake", Status: 429}
	inner := &fakeProvider{errs: []error{transient, transient, transient}}
	p := WithRetry(inner, RetryBaseDelay(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := p.Chat(ctx, ChatRequest{})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
