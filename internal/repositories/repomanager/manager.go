package repomanager

import (
	"context"
	"database/sql"

	"github.com/dkovalev/docvault/internal/dbx"
	"github.com/dkovalev/docvault/internal/repositories/files"
	"github.com/dkovalev/docvault/internal/repositories/replication"
)

type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Files(db dbx.DBTX) files.Repository
	Replication(db dbx.DBTX) replication.Repository
}
