package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/TobiSchelling/StoryForge/internal/apperr"
)

var fast = Policy{MaxTries: 3, InitialInterval: time.Millisecond, MaxElapsed: time.Second}

func TestReadRetriesTransientErrors(t *testing.T) {
	calls := 0
	got, err := Read(context.Background(), fast, "test read", func() (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("database is locked")
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 42 || calls != 3 {
		t.Errorf("expected 42 after 3 calls, got %d after %d", got, calls)
	}
}

func TestReadStopsOnPermanentCode(t *testing.T) {
	calls := 0
	_, err := Read(context.Background(), fast, "test read", func() (int, error) {
		calls++
		return 0, apperr.New(apperr.CodeNotFound, "missing")
	})
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected a single attempt, got %d", calls)
	}
}

func TestReadGivesUpAfterMaxTries(t *testing.T) {
	calls := 0
	_, err := Read(context.Background(), fast, "test read", func() (string, error) {
		calls++
		return "", apperr.New(apperr.CodePersistenceFailure, "disk error")
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
}

func TestNonePolicySingleAttempt(t *testing.T) {
	calls := 0
	Read(context.Background(), None, "test read", func() (int, error) {
		calls++
		return 0, errors.New("boom")
	})
	if calls != 1 {
		t.Errorf("expected 1 attempt, got %d", calls)
	}
}
