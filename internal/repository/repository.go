// Package repository declares the storage interfaces the service layer
// programs against. Concrete implementations live in subpackages (sqlite);
// tests substitute in-memory mocks.
package repository

import (
	"context"

	"github.com/sakif/compiler-lab/internal/model"
)

// ListOptions controls pagination. The service layer clamps Limit before it
// reaches a repository.
type ListOptions struct {
	Limit  int
	Offset int
}

type SnippetRepository interface {
	Create(ctx context.Context, snippet *model.Snippet) error
	GetByID(ctx context.Context, id string) (*model.Snippet, error)
	// List returns snippets newest-first.
	List(ctx context.Context, opts ListOptions) ([]model.Snippet, error)
	Update(ctx context.Context, snippet *model.Snippet) error
	Delete(ctx context.Context, id string) error
}

type UserRepository interface {
	// Upsert creates the user on first login and refreshes the profile
	// fields on subsequent logins, keyed on the GitHub numeric ID.
	Upsert(ctx context.Context, user *model.User) error
	GetUserByID(ctx context.Context, id string) (*model.User, error)
}
