package notify

import (
	"errors"
	"testing"
	"time"
)

func TestFeedExpiresSettledToasts(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	f := NewFeed(WithDuration(5 * time.Second))
	f.now = func() time.Time { return now }

	f.Loading("Submitting txn...")
	f.Success("Mint success: 0xabcdef")

	if got := len(f.Active()); got != 2 {
		t.Fatalf("expected 2 active toasts, got %d", got)
	}

	now = now.Add(6 * time.Second)
	active := f.Active()
	if len(active) != 1 || active[0].Kind != KindLoading {
		t.Fatalf("expected only the loading toast to remain, got %+v", active)
	}
}

func TestFeedDismiss(t *testing.T) {
	f := NewFeed()
	f.Loading("Submitting txn...")
	f.Error("Transaction failed")
	f.Dismiss()

	if got := len(f.Active()); got != 0 {
		t.Fatalf("expected no toasts after dismiss, got %d", got)
	}
}

func TestPromiseReplacesLoadingToast(t *testing.T) {
	msgs := PromiseMessages{Loading: "Submitting txn...", Success: "Txn submitted...", Error: "Canceled"}

	f := NewFeed()
	if err := f.Promise(msgs, func() error { return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	active := f.Active()
	if len(active) != 1 || active[0].Message != "Txn submitted..." || active[0].Kind != KindSuccess {
		t.Fatalf("unexpected toasts: %+v", active)
	}

	rejected := errors.New("user rejected")
	f = NewFeed()
	if err := f.Promise(msgs, func() error { return rejected }); !errors.Is(err, rejected) {
		t.Fatalf("expected fn error to pass through, got %v", err)
	}
	active = f.Active()
	if len(active) != 1 || active[0].Message != "Canceled" || active[0].Kind != KindError {
		t.Fatalf("unexpected toasts: %+v", active)
	}
}
