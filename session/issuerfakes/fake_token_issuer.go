package issuerfakes

import (
	"fmt"
	"sync"

	"github.com/retailgrid/poscore/session"
)

var _ session.TokenIssuer = (*FakeTokenIssuer)(nil)

// FakeTokenIssuer issues deterministic, fixed-length tokens for tests. Each
// call returns a distinct 64-character hex string.
type FakeTokenIssuer struct {
	mu   sync.Mutex
	next uint64
}

func NewFakeTokenIssuer() *FakeTokenIssuer {
	return &FakeTokenIssuer{}
}

func (f *FakeTokenIssuer) Issue() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	return fmt.Sprintf("%064x", f.next), nil
}

// Last returns the most recently issued token, or "" if none.
func (f *FakeTokenIssuer) Last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.next == 0 {
		return ""
	}
	return fmt.Sprintf("%064x", f.next)
}
