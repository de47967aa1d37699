package cli

import (
	"context"
	"fmt"

	"github.com/pitboss-dev/pitboss/internal/config"
	"github.com/pitboss-dev/pitboss/internal/db"
	"github.com/pitboss-dev/pitboss/internal/db/driver"
	pberrors "github.com/pitboss-dev/pitboss/internal/errors"
)

// openBoard opens the read model selected by the database config and
// brings the schema up to date. Default is sqlite at .pitboss/board.db.
func openBoard(ctx context.Context, repoRoot string, cfg *config.Config) (*db.DB, error) {
	dialect, err := driver.ParseDialect(cfg.Database.Dialect)
	if err != nil {
		return nil, err
	}

	dsn := cfg.Database.DSN
	if dsn == "" {
		if dialect == driver.DialectPostgres {
			return nil, pberrors.ErrConfigMissing("database.dsn")
		}
		dsn = config.DBPath(repoRoot)
	}

	database, err := db.OpenWithDialect(dsn, dialect)
	if err != nil {
		return nil, fmt.Errorf("open board: %w", err)
	}
	if err := database.Migrate(ctx); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("migrate board: %w", err)
	}
	return database, nil
}
