// Package lock serializes ledger work on an account.
//
// Two scope widths exist. A product scope covers one (account, product) pair
// and is taken by consumption and grants, so work on different products of the
// same account runs in parallel. An account scope (ProductID == 0) excludes
// every product scope of that account and is taken by merges.
//
// These locks sit in front of the database row locks; they bound contention
// and make SQLite deployments, which have no row locks, serialize correctly.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billable/pkg/errs"
)

var (
	ErrLockTimeout = errs.New(errs.ErrConcurrency, "lock_timeout")
	// ErrMixedGroup is returned when a group spans accounts or holds an account scope.
	ErrMixedGroup = errs.New(errs.ErrValidation, "lock_group_mixed")
)

// Scope names the ledger region being locked.
type Scope struct {
	AccountID snowflake.ID
	ProductID snowflake.ID
}

// AccountScope covers every product of an account.
func AccountScope(accountID snowflake.ID) Scope {
	return Scope{AccountID: accountID}
}

// ProductScope covers one product of an account.
func ProductScope(accountID, productID snowflake.ID) Scope {
	return Scope{AccountID: accountID, ProductID: productID}
}

func (s Scope) AccountWide() bool { return s.ProductID == 0 }

func (s Scope) String() string {
	if s.AccountWide() {
		return fmt.Sprintf("account:%s", s.AccountID)
	}
	return fmt.Sprintf("account:%s:product:%s", s.AccountID, s.ProductID)
}

// Release frees a held scope. It is safe to call more than once.
type Release func()

type Locker interface {
	// Acquire blocks until scope is held or ctx ends. A context deadline is
	// reported as ErrLockTimeout.
	Acquire(ctx context.Context, scope Scope) (Release, error)
}

// GroupLocker takes several product scopes of one account as a single step.
// A caller then never holds part of an account while an account scope is
// queued behind it.
type GroupLocker interface {
	AcquireGroup(ctx context.Context, scopes []Scope) (Release, error)
}

// AcquireAll takes scopes in the given order and releases them in reverse.
// Consecutive scopes of one account are taken together when l is a
// GroupLocker; an account scope in such a run covers the rest of it.
// A positive wait bounds the time spent waiting for all of them.
func AcquireAll(ctx context.Context, l Locker, wait time.Duration, scopes ...Scope) (Release, error) {
	if wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wait)
		defer cancel()
	}
	releases := make([]Release, 0, len(scopes))
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	group, grouped := l.(GroupLocker)
	for _, run := range accountRuns(scopes) {
		var (
			release Release
			err     error
		)
		switch {
		case run[0].AccountWide():
			release, err = l.Acquire(ctx, run[0])
		case grouped && len(run) > 1:
			release, err = group.AcquireGroup(ctx, run)
		default:
			release, err = acquireEach(ctx, l, run)
		}
		if err != nil {
			releaseAll()
			return nil, err
		}
		releases = append(releases, release)
	}
	return releaseAll, nil
}

// accountRuns splits scopes into runs of the same account. An account scope
// moves to the front of its run.
func accountRuns(scopes []Scope) [][]Scope {
	var runs [][]Scope
	for _, scope := range scopes {
		last := len(runs) - 1
		if last < 0 || runs[last][0].AccountID != scope.AccountID {
			runs = append(runs, []Scope{scope})
			continue
		}
		if scope.AccountWide() {
			runs[last] = append([]Scope{scope}, runs[last]...)
			continue
		}
		runs[last] = append(runs[last], scope)
	}
	return runs
}

func acquireEach(ctx context.Context, l Locker, scopes []Scope) (Release, error) {
	releases := make([]Release, 0, len(scopes))
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, scope := range scopes {
		release, err := l.Acquire(ctx, scope)
		if err != nil {
			releaseAll()
			return nil, err
		}
		releases = append(releases, release)
	}
	return releaseAll, nil
}

// Ordered dedupes scopes and sorts them by account then product, with the
// account-wide scope first. Every caller taking more than one scope goes
// through it so two callers never wait on each other in opposite order.
func Ordered(scopes ...Scope) []Scope {
	seen := make(map[Scope]struct{}, len(scopes))
	out := make([]Scope, 0, len(scopes))
	for _, scope := range scopes {
		if _, ok := seen[scope]; ok {
			continue
		}
		seen[scope] = struct{}{}
		out = append(out, scope)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AccountID != out[j].AccountID {
			return out[i].AccountID < out[j].AccountID
		}
		return out[i].ProductID < out[j].ProductID
	})
	return out
}

func timeoutErr(scope Scope, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", scope, ErrLockTimeout)
	}
	return err
}

type noopLocker struct{}

// NewNoop relies on database row locks alone.
func NewNoop() Locker { return noopLocker{} }

func (noopLocker) Acquire(context.Context, Scope) (Release, error) {
	return func() {}, nil
}
