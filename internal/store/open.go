package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	_ "github.com/microsoft/go-mssqldb"
	"github.com/redis/go-redis/v9"

	"sql-task-queue/internal/config"
)

// Backend is a store the services can also inspect and shut down.
type Backend interface {
	Store
	Inspector
	Close() error
}

// Open connects the backend selected by cfg.StoreBackend. It does not run
// Init; callers decide whether provisioning failures are fatal.
func Open(ctx context.Context, cfg config.Config) (Backend, error) {
	opts := Options{
		Schema:      cfg.DBSchema,
		BackoffBase: cfg.BackoffBase,
		HangLag:     cfg.HangLag,
	}
	switch cfg.StoreBackend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		return NewRedisStore(client, cfg.RedisPrefix, opts), nil
	case "sql", "":
		return openSQL(ctx, cfg, opts)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

func openSQL(ctx context.Context, cfg config.Config, opts Options) (Backend, error) {
	dialect := DialectFor(cfg.DBDriver)

	if cfg.DBDriver == "pgx" {
		poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseDSN)
		if err != nil {
			return nil, fmt.Errorf("parse postgres dsn: %w", err)
		}
		if cfg.DBMaxConns > 0 {
			poolCfg.MaxConns = int32(cfg.DBMaxConns)
		}
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		return &pooledStore{
			SQLStore: NewSQLStore(stdlib.OpenDBFromPool(pool), dialect, opts),
			pool:     pool,
		}, nil
	}

	driver := cfg.DBDriver
	switch dialect.Name {
	case SQLite.Name:
		driver = "sqlite3"
	case MSSQL.Name:
		driver = "sqlserver"
	}
	db, err := sql.Open(driver, cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if dialect.Name == SQLite.Name {
		db.SetMaxOpenConns(1)
	} else if cfg.DBMaxConns > 0 {
		db.SetMaxOpenConns(cfg.DBMaxConns)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	return NewSQLStore(db, dialect, opts), nil
}

// pooledStore owns the pgx pool behind a stdlib *sql.DB.
type pooledStore struct {
	*SQLStore
	pool *pgxpool.Pool
}

func (p *pooledStore) Close() error {
	err := p.SQLStore.Close()
	p.pool.Close()
	return err
}
