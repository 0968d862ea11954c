package repomanager

import (
	"context"
	"database/sql"

	"github.com/duckpass/duckpass/internal/dbx"
	"github.com/duckpass/duckpass/internal/server/repositories/revokedtokens"
	"github.com/duckpass/duckpass/internal/server/repositories/users"
)

// RepositoryManager binds repositories to a connection or transaction.
type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Users(db dbx.DBTX) users.Repository
	RevokedTokens(db dbx.DBTX) revokedtokens.Repository
}
