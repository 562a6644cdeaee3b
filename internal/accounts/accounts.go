// ABOUTME: Account directory mapping gateway account ids to member records.
// ABOUTME: Interface plus an in-memory implementation loaded from config.

package accounts

import (
	"errors"
	"sync"
)

// ErrNotFound is returned for account ids the directory does not know.
var ErrNotFound = errors.New("account not found")

// Account ties a gateway account id to the member it belongs to.
type Account struct {
	ID          int64
	MemberID    int64
	Phone       string
	PushChannel string
	Language    string
}

// Directory resolves account ids. The gateway processes hold no member
// database of their own; deployments back this with whatever owns the
// member records.
type Directory interface {
	Lookup(accountID int64) (Account, error)
}

// Static is a fixed in-memory directory. It also serves as the test
// double everywhere a Directory is needed.
type Static struct {
	mu   sync.RWMutex
	byID map[int64]Account
}

// NewStatic builds a directory from a fixed account list.
func NewStatic(accts []Account) *Static {
	byID := make(map[int64]Account, len(accts))
	for _, a := range accts {
		byID[a.ID] = a
	}
	return &Static{byID: byID}
}

func (s *Static) Lookup(accountID int64) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byID[accountID]
	if !ok {
		return Account{}, ErrNotFound
	}
	return a, nil
}

// Put adds or replaces one account.
func (s *Static) Put(a Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[a.ID] = a
}

// Remove drops one account.
func (s *Static) Remove(accountID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, accountID)
}
