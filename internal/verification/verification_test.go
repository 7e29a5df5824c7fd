package verification

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryCodeStoreIssueAndConsume(t *testing.T) {
	s := NewMemoryCodeStore()
	ctx := context.Background()

	code, err := s.Issue(ctx, "admin", "stock-adjust", time.Minute)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if len(code) != 6 {
		t.Fatalf("expected 6-digit code, got %q", code)
	}

	if err := s.Consume(ctx, "admin", "stock-adjust", code); err != nil {
		t.Fatalf("consume failed: %v", err)
	}
	// Single use: the same code must not work twice.
	if err := s.Consume(ctx, "admin", "stock-adjust", code); !errors.Is(err, ErrCodeMismatch) {
		t.Fatalf("expected ErrCodeMismatch on replay, got %v", err)
	}
}

func TestMemoryCodeStoreWrongCode(t *testing.T) {
	s := NewMemoryCodeStore()
	ctx := context.Background()

	if _, err := s.Issue(ctx, "admin", "stock-adjust", time.Minute); err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if err := s.Consume(ctx, "admin", "stock-adjust", "000000"); !errors.Is(err, ErrCodeMismatch) {
		t.Fatalf("expected ErrCodeMismatch, got %v", err)
	}
}

func TestMemoryCodeStoreExpiry(t *testing.T) {
	s := NewMemoryCodeStore()
	ctx := context.Background()

	code, err := s.Issue(ctx, "admin", "stock-adjust", -time.Second)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if err := s.Consume(ctx, "admin", "stock-adjust", code); !errors.Is(err, ErrCodeMismatch) {
		t.Fatalf("expected ErrCodeMismatch for expired code, got %v", err)
	}
}

func TestReissueReplacesPreviousCode(t *testing.T) {
	s := NewMemoryCodeStore()
	ctx := context.Background()

	first, err := s.Issue(ctx, "admin", "stock-adjust", time.Minute)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	second, err := s.Issue(ctx, "admin", "stock-adjust", time.Minute)
	if err != nil {
		t.Fatalf("reissue failed: %v", err)
	}
	if first != second {
		if err := s.Consume(ctx, "admin", "stock-adjust", first); !errors.Is(err, ErrCodeMismatch) {
			t.Fatalf("expected stale code to be rejected, got %v", err)
		}
	}
	if err := s.Consume(ctx, "admin", "stock-adjust", second); err != nil {
		t.Fatalf("consume of current code failed: %v", err)
	}
}
