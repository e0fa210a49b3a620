// Package credential rotates a pool of interchangeable upstream credentials.
//
// A Pool is shared by every concurrent pipeline run in a process. When one run
// sees a quota failure on the current credential it rotates the shared cursor,
// so every later call starts from a credential that has not just failed.
package credential

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync/atomic"
)

// ErrEmptyPool is returned when a pool is built without credentials.
var ErrEmptyPool = errors.New("credential pool requires at least one credential")

// Pool holds N interchangeable credentials and a shared rotation cursor.
type Pool struct {
	credentials []string
	cursor      atomic.Uint32
}

// NewPool creates a pool. The slice is copied.
func NewPool(credentials []string) (*Pool, error) {
	creds := make([]string, 0, len(credentials))
	for _, c := range credentials {
		if c != "" {
			creds = append(creds, c)
		}
	}
	if len(creds) == 0 {
		return nil, ErrEmptyPool
	}
	return &Pool{credentials: creds}, nil
}

// Size returns the number of credentials.
func (p *Pool) Size() int {
	return len(p.credentials)
}

// Cursor returns the current cursor position.
func (p *Pool) Cursor() int {
	return int(p.cursor.Load())
}

// Current returns the cursor position and the credential it points at.
func (p *Pool) Current() (int, string) {
	idx := int(p.cursor.Load())
	return idx, p.credentials[idx]
}

// Rotate advances the cursor from the position the caller observed.
// If another caller already rotated away from from, the cursor is left alone.
// Either way the position now in effect is returned.
func (p *Pool) Rotate(from int) int {
	n := uint32(len(p.credentials))
	next := (uint32(from) + 1) % n
	if p.cursor.CompareAndSwap(uint32(from), next) {
		return int(next)
	}
	return int(p.cursor.Load())
}

// Fingerprint returns a short, non-reversible identifier for logs.
func Fingerprint(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:4])
}
