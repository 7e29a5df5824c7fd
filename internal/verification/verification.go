// Package verification issues single-use codes that gate sensitive
// operations such as manual stock adjustments. Codes live in a shared store
// keyed by recipient and purpose with an explicit expiry, so they survive
// process restarts and work across instances.
package verification

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"
)

var (
	ErrCodeMismatch = errors.New("verification code invalid or expired")
)

type CodeStore interface {
	// Issue generates a fresh code for the recipient and purpose, replacing
	// any previous one, and stores it with the given TTL.
	Issue(ctx context.Context, recipient, purpose string, ttl time.Duration) (string, error)
	// Consume validates and deletes the code. A wrong, expired, or already
	// consumed code returns ErrCodeMismatch.
	Consume(ctx context.Context, recipient, purpose, code string) error
}

func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

func codeKey(recipient, purpose string) string {
	return "verify:" + recipient + ":" + purpose
}

// MemoryCodeStore keeps codes in process memory. Dev/demo fallback when no
// Redis address is configured; single-use semantics still hold.
type MemoryCodeStore struct {
	mu    sync.Mutex
	codes map[string]memoryCode
}

type memoryCode struct {
	code      string
	expiresAt time.Time
}

func NewMemoryCodeStore() *MemoryCodeStore {
	return &MemoryCodeStore{codes: make(map[string]memoryCode)}
}

func (s *MemoryCodeStore) Issue(_ context.Context, recipient, purpose string, ttl time.Duration) (string, error) {
	code, err := generateCode()
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[codeKey(recipient, purpose)] = memoryCode{
		code:      code,
		expiresAt: time.Now().Add(ttl),
	}
	return code, nil
}

func (s *MemoryCodeStore) Consume(_ context.Context, recipient, purpose, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := codeKey(recipient, purpose)
	entry, ok := s.codes[key]
	if !ok || time.Now().After(entry.expiresAt) || entry.code != code {
		return ErrCodeMismatch
	}
	delete(s.codes, key)
	return nil
}
