package repository

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"
)

// Store groups the repositories that take part in statement persistence and
// lets callers run them inside one database transaction.
type Store interface {
	Agents() AgentRepository
	Verbs() VerbRepository
	Activities() ActivityRepository
	Statements() StatementRepository
	// Transaction runs fn against a Store bound to a single transaction. Nested
	// calls open a savepoint.
	Transaction(ctx context.Context, fn func(tx Store) error) error
}

type gormStore struct {
	db *gorm.DB
}

// NewStore instantiates the GORM backed store.
func NewStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) Agents() AgentRepository {
	return NewAgentRepository(s.db)
}

func (s *gormStore) Verbs() VerbRepository {
	return NewVerbRepository(s.db)
}

func (s *gormStore) Activities() ActivityRepository {
	return NewActivityRepository(s.db)
}

func (s *gormStore) Statements() StatementRepository {
	return NewStatementRepository(s.db)
}

func (s *gormStore) Transaction(ctx context.Context, fn func(tx Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormStore{db: tx})
	})
}

// IsNotFound reports whether err is a missing-row error.
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

// IsDuplicateKey reports whether err is a unique constraint violation.
func IsDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	message := strings.ToLower(err.Error())
	return strings.Contains(message, "unique constraint") ||
		strings.Contains(message, "duplicate key")
}
