// Package pg provides the PostgreSQL plumbing for the billing core:
// pooled connectivity via pgx/v5, schema migrations via goose/v3, a
// transaction helper used by every state-mutating subscription
// operation, and SQLSTATE classification helpers.
//
// The error helpers matter to billing correctness: IsDuplicateKeyError
// drives the bill number generator's retry loop, and
// IsLockNotAvailableError lets sweep jobs skip rows currently locked by
// a concurrent writer instead of blocking.
//
//	var cfg pg.Config
//	config.MustLoad(&cfg)
//
//	pool, err := pg.Connect(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	defer pool.Close()
//
//	if err := pg.Migrate(ctx, pool, cfg, slog.Default()); err != nil {
//		return err
//	}
package pg
