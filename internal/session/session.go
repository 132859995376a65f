// Package session carries the signed-in identity and the per-view cancellation scope.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/punchamoorthee/ledgerclient/internal/domain"
)

// ErrScopeClosed is returned when a result arrives after its view was torn down.
var ErrScopeClosed = errors.New("scope closed; result discarded")

// Session identifies the signed-in customer. It is passed explicitly to every
// component that acts on the customer's behalf.
type Session struct {
	CustomerID int64
	Username   string
	FirstName  string
	LastName   string
}

// FromAccount builds a session from a logged-in account snapshot.
func FromAccount(a domain.Account) Session {
	return Session{
		CustomerID: a.ID,
		Username:   a.Username,
		FirstName:  a.FirstName,
		LastName:   a.LastName,
	}
}

// IsSelf reports whether username names this session's customer, ignoring case.
func (s Session) IsSelf(username string) bool {
	return strings.EqualFold(strings.TrimSpace(username), s.Username)
}

// Scope is a cancellation token owned by one view. Results of calls started
// under a scope must be applied through Apply so that nothing lands after Close.
type Scope struct {
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	closed bool
}

func NewScope(parent context.Context) *Scope {
	ctx, cancel := context.WithCancel(parent)
	return &Scope{ctx: ctx, cancel: cancel}
}

// Context is cancelled when the scope closes.
func (s *Scope) Context() context.Context {
	return s.ctx
}

func (s *Scope) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Close cancels outstanding calls. It waits for an Apply in progress to finish.
func (s *Scope) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.cancel()
}

func (s *Scope) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Apply runs fn unless the scope is closed, and reports whether it ran.
func (s *Scope) Apply(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	fn()
	return true
}

// Bind derives a context cancelled by either ctx or the scope.
func (s *Scope) Bind(ctx context.Context) (context.Context, context.CancelFunc) {
	merged, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	return merged, func() {
		stop()
		cancel()
	}
}
