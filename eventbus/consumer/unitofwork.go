package consumer

import (
	"context"
	"database/sql"
)

// UnitOfWork supplies the transaction one handler invocation runs inside.
// The host service owns the database handle; the dispatcher only asks for
// transactions on it.
type UnitOfWork interface {
	Begin(ctx context.Context) (*sql.Tx, error)
}

type sqlUnitOfWork struct {
	db *sql.DB
}

// NewSQLUnitOfWork adapts a *sql.DB into a UnitOfWork.
func NewSQLUnitOfWork(db *sql.DB) (UnitOfWork, error) {
	if db == nil {
		return nil, ErrConnectionRequired
	}

	return &sqlUnitOfWork{db: db}, nil
}

func (uow *sqlUnitOfWork) Begin(ctx context.Context) (*sql.Tx, error) {
	return uow.db.BeginTx(ctx, nil)
}
