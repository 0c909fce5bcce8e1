package database

import "context"

// DBPool is the exported interface of the pool used by the Manager.
type DBPool = dbPool

// WithNewPool overrides how the connection pool is created.
func WithNewPool(newPool func(ctx context.Context, dsn string) (DBPool, error)) Options {
	return func(o *options) {
		o.newPool = newPool
	}
}

// InsertStatement exposes the chunk statement builder.
var InsertStatement = insertStatement
