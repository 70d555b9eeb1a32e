package service

import (
	"context"
	"fmt"

	"github.com/noah-isme/gema-lrs/internal/repository"
)

// VoidingIndex records which statements void which. Relations are permanent.
type VoidingIndex interface {
	Register(ctx context.Context, targetStatementID, voidingStatementID string) error
	IsVoided(ctx context.Context, statementID string) (bool, error)
	VoidersOf(ctx context.Context, targetStatementID string) ([]string, error)
	WithStore(store repository.Store) VoidingIndex
}

type voidingIndex struct {
	store repository.Store
}

// NewVoidingIndex constructs a VoidingIndex backed by the statement_voids table.
func NewVoidingIndex(store repository.Store) VoidingIndex {
	return &voidingIndex{store: store}
}

func (v *voidingIndex) WithStore(store repository.Store) VoidingIndex {
	return &voidingIndex{store: store}
}

func (v *voidingIndex) Register(ctx context.Context, targetStatementID, voidingStatementID string) error {
	if targetStatementID == "" {
		return validationErrorf("voiding statement must reference a statement id")
	}

	if err := v.store.Statements().RegisterVoid(ctx, targetStatementID, voidingStatementID); err != nil {
		return fmt.Errorf("register void of %s: %w", targetStatementID, err)
	}
	return nil
}

func (v *voidingIndex) IsVoided(ctx context.Context, statementID string) (bool, error) {
	voided, err := v.store.Statements().IsVoided(ctx, statementID)
	if err != nil {
		return false, fmt.Errorf("check voiding of %s: %w", statementID, err)
	}
	return voided, nil
}

func (v *voidingIndex) VoidersOf(ctx context.Context, targetStatementID string) ([]string, error) {
	voiders, err := v.store.Statements().VoidersOf(ctx, targetStatementID)
	if err != nil {
		return nil, fmt.Errorf("list voiders of %s: %w", targetStatementID, err)
	}
	return voiders, nil
}
