package lock

import (
	"context"
	"fmt"
	"sync"

	"github.com/bwmarrin/snowflake"
	"golang.org/x/sync/semaphore"
)

// accountWeight is what an account scope takes from the account semaphore;
// product scopes take one unit, so at most accountWeight products of one
// account run at the same time.
const accountWeight = 1 << 16

type entry struct {
	sem  *semaphore.Weighted
	refs int
}

// MemoryLocker serializes scopes within one process.
type MemoryLocker struct {
	mu       sync.Mutex
	accounts map[snowflake.ID]*entry
	products map[Scope]*entry
}

func NewMemory() *MemoryLocker {
	return &MemoryLocker{
		accounts: map[snowflake.ID]*entry{},
		products: map[Scope]*entry{},
	}
}

func (l *MemoryLocker) Acquire(ctx context.Context, scope Scope) (Release, error) {
	acct := l.ref(l.accounts, scope.AccountID, accountWeight)
	weight := int64(1)
	if scope.AccountWide() {
		weight = accountWeight
	}
	if err := acct.sem.Acquire(ctx, weight); err != nil {
		l.unref(l.accounts, scope.AccountID)
		return nil, timeoutErr(scope, err)
	}
	if scope.AccountWide() {
		return l.releaser(func() {
			acct.sem.Release(weight)
			l.unref(l.accounts, scope.AccountID)
		}), nil
	}

	prod := l.refProduct(scope)
	if err := prod.sem.Acquire(ctx, 1); err != nil {
		l.unrefProduct(scope)
		acct.sem.Release(weight)
		l.unref(l.accounts, scope.AccountID)
		return nil, timeoutErr(scope, err)
	}
	return l.releaser(func() {
		prod.sem.Release(1)
		l.unrefProduct(scope)
		acct.sem.Release(weight)
		l.unref(l.accounts, scope.AccountID)
	}), nil
}

// AcquireGroup takes product scopes of one account. The account weight for
// all of them is taken at once, then the products in order.
func (l *MemoryLocker) AcquireGroup(ctx context.Context, scopes []Scope) (Release, error) {
	scopes = Ordered(scopes...)
	if len(scopes) == 0 {
		return func() {}, nil
	}
	accountID := scopes[0].AccountID
	for _, scope := range scopes {
		if scope.AccountWide() || scope.AccountID != accountID {
			return nil, fmt.Errorf("%s: %w", scope, ErrMixedGroup)
		}
	}

	weight := int64(len(scopes))
	acct := l.ref(l.accounts, accountID, accountWeight)
	if err := acct.sem.Acquire(ctx, weight); err != nil {
		l.unref(l.accounts, accountID)
		return nil, timeoutErr(scopes[0], err)
	}

	held := make([]*entry, 0, len(scopes))
	releaseHeld := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].sem.Release(1)
			l.unrefProduct(scopes[i])
		}
		acct.sem.Release(weight)
		l.unref(l.accounts, accountID)
	}
	for _, scope := range scopes {
		prod := l.refProduct(scope)
		if err := prod.sem.Acquire(ctx, 1); err != nil {
			l.unrefProduct(scope)
			releaseHeld()
			return nil, timeoutErr(scope, err)
		}
		held = append(held, prod)
	}
	return l.releaser(releaseHeld), nil
}

func (l *MemoryLocker) releaser(fn func()) Release {
	var once sync.Once
	return func() { once.Do(fn) }
}

func (l *MemoryLocker) ref(m map[snowflake.ID]*entry, id snowflake.ID, weight int64) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := m[id]
	if !ok {
		e = &entry{sem: semaphore.NewWeighted(weight)}
		m[id] = e
	}
	e.refs++
	return e
}

func (l *MemoryLocker) unref(m map[snowflake.ID]*entry, id snowflake.ID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := m[id]; ok {
		e.refs--
		if e.refs == 0 {
			delete(m, id)
		}
	}
}

func (l *MemoryLocker) refProduct(scope Scope) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.products[scope]
	if !ok {
		e = &entry{sem: semaphore.NewWeighted(1)}
		l.products[scope] = e
	}
	e.refs++
	return e
}

func (l *MemoryLocker) unrefProduct(scope Scope) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.products[scope]; ok {
		e.refs--
		if e.refs == 0 {
			delete(l.products, scope)
		}
	}
}

// size reports tracked entries; used by tests to check cleanup.
func (l *MemoryLocker) size() (int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.accounts), len(l.products)
}
