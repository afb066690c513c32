// Package memory keeps users and refresh tokens in process memory.
// It follows the postgres storage semantics and is meant for tests and local runs.
package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/nkiryanov/usermanager/internal/models"
	"github.com/nkiryanov/usermanager/internal/repository"
)

type data struct {
	mu     sync.RWMutex
	users  map[uuid.UUID]models.User
	tokens map[uuid.UUID]models.RefreshToken

	// Insertion order of tokens, breaks created_at ties
	seq     map[uuid.UUID]uint64
	nextSeq uint64

	// Transactions are serialized
	txMu sync.Mutex
}

type Storage struct {
	data *data

	// Not nil inside transaction
	log *undoLog
}

func NewStorage() *Storage {
	return &Storage{
		data: &data{
			users:  make(map[uuid.UUID]models.User),
			tokens: make(map[uuid.UUID]models.RefreshToken),
			seq:    make(map[uuid.UUID]uint64),
		},
	}
}

func (s *Storage) User() repository.UserRepo {
	return &UserRepo{data: s.data, log: s.log}
}

func (s *Storage) Refresh() repository.RefreshTokenRepo {
	return &RefreshTokenRepo{data: s.data, log: s.log}
}

// Run fn holding the transaction lock
// If fn fails only the writes made by fn are reverted
func (s *Storage) InTx(ctx context.Context, fn func(repository.Storage) error) error {
	if s.log != nil {
		return fn(s)
	}

	s.data.txMu.Lock()
	defer s.data.txMu.Unlock()

	log := &undoLog{
		users:  make(changes[models.User]),
		tokens: make(changes[models.RefreshToken]),
	}

	err := fn(&Storage{data: s.data, log: log})
	if err != nil {
		s.data.mu.Lock()
		log.users.undo(s.data.users)
		log.tokens.undo(s.data.tokens)
		s.data.mu.Unlock()
	}

	return err
}

// Writes made by a transaction
type undoLog struct {
	users  changes[models.User]
	tokens changes[models.RefreshToken]
}

func (l *undoLog) userChanges() changes[models.User] {
	if l == nil {
		return nil
	}
	return l.users
}

func (l *undoLog) tokenChanges() changes[models.RefreshToken] {
	if l == nil {
		return nil
	}
	return l.tokens
}

type change[T comparable] struct {
	before  T
	existed bool

	after   T
	deleted bool
}

// Nil changes track nothing: writes outside transaction
type changes[T comparable] map[uuid.UUID]*change[T]

// Set m[id] = v and remember the previous value
// Must be called holding the data lock
func (c changes[T]) set(m map[uuid.UUID]T, id uuid.UUID, v T) {
	ch := c.remember(m, id)
	m[id] = v
	if ch != nil {
		ch.after, ch.deleted = v, false
	}
}

// Must be called holding the data lock
func (c changes[T]) delete(m map[uuid.UUID]T, id uuid.UUID) {
	ch := c.remember(m, id)
	delete(m, id)
	if ch != nil {
		var zero T
		ch.after, ch.deleted = zero, true
	}
}

func (c changes[T]) remember(m map[uuid.UUID]T, id uuid.UUID) *change[T] {
	if c == nil {
		return nil
	}
	if ch, ok := c[id]; ok {
		return ch
	}

	before, existed := m[id]
	ch := &change[T]{before: before, existed: existed}
	c[id] = ch
	return ch
}

// Restore values written by the transaction
// A key written again outside the transaction keeps that newer value
func (c changes[T]) undo(m map[uuid.UUID]T) {
	for id, ch := range c {
		current, ok := m[id]
		ours := (ch.deleted && !ok) || (!ch.deleted && ok && current == ch.after)
		if !ours {
			continue
		}

		if ch.existed {
			m[id] = ch.before
		} else {
			delete(m, id)
		}
	}
}
