package apperr

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestKindOf(t *testing.T) {
	cases := []struct {
		err  error
		want Kind
	}{
		{Validationf("bad"), ValidationError},
		{NotFoundf("gone"), NotFound},
		{Conflictf("racing"), Conflict},
		{Forbiddenf("no"), Forbidden},
		{InsufficientFundsf("broke"), InsufficientFunds},
		{Timeoutf("slow"), Timeout},
		{Storagef(errors.New("io"), "op"), StorageError},
		{errors.New("mystery"), StorageError}, // unclassified is treated as infrastructure
	}
	for _, c := range cases {
		if got := KindOf(c.err); got != c.want {
			t.Fatalf("KindOf(%v) = %s, want %s", c.err, got, c.want)
		}
	}
}

func TestKindSurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("handler: %w", Conflictf("gate state mismatch"))
	if KindOf(err) != Conflict {
		t.Fatalf("wrapped error must keep its kind, got %s", KindOf(err))
	}
	if !errors.Is(err, KindError(Conflict)) {
		t.Fatal("errors.Is against the kind sentinel must match")
	}
	if errors.Is(err, KindError(NotFound)) {
		t.Fatal("errors.Is must not match a different kind")
	}
}

func TestRetryable(t *testing.T) {
	if Retryable(Validationf("bad")) {
		t.Fatal("validation errors are never retried")
	}
	if !Retryable(Storagef(errors.New("io"), "op")) {
		t.Fatal("storage errors are retryable")
	}
	if !Retryable(Timeoutf("deadline")) {
		t.Fatal("timeouts are retryable")
	}
}

func TestRateLimitedCarriesRetryAt(t *testing.T) {
	at := time.Now().Add(10 * time.Minute)
	err := RateLimitedAt(at, "cooldown")
	e, ok := As(err)
	if !ok {
		t.Fatal("As must extract the typed error")
	}
	if !e.RetryAt.Equal(at) {
		t.Fatalf("retry time must round-trip, got %v", e.RetryAt)
	}
}

func TestWithDetail(t *testing.T) {
	err := Validationf("var out of range").WithDetail("var_id", "v1").WithDetail("value", 1.2)
	if err.Detail["var_id"] != "v1" {
		t.Fatalf("detail must persist, got %v", err.Detail)
	}
}
