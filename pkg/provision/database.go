package provision

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/hostkit/hostkit/pkg/envfile"
	"github.com/hostkit/hostkit/pkg/fsops"
	"github.com/hostkit/hostkit/pkg/store"
	"github.com/hostkit/hostkit/pkg/types"
)

// adminConn is the slice of pgx used for role and database management.
type adminConn interface {
	Exec(ctx context.Context, sql string, args ...any) error
	Close(ctx context.Context) error
}

// adminFactory opens a superuser connection to the named database.
// "postgres" for cluster-level DDL, the project database for extensions.
type adminFactory func(ctx context.Context, database string) (adminConn, error)

type pgxConn struct{ conn *pgx.Conn }

func (c pgxConn) Exec(ctx context.Context, sql string, args ...any) error {
	_, err := c.conn.Exec(ctx, sql, args...)
	return err
}

func (c pgxConn) Close(ctx context.Context) error { return c.conn.Close(ctx) }

func (o *Orchestrator) pgxAdmin(ctx context.Context, database string) (adminConn, error) {
	pg := o.cfg.Postgres
	conn, err := pgx.Connect(ctx, pg.DSN(database, pg.AdminUser, pg.AdminPass))
	if err != nil {
		return nil, types.Wrap(types.ErrDatabaseFailed, err, "connect to postgres as admin")
	}
	return pgxConn{conn: conn}, nil
}

// createDatabase makes a role and database owned by the project, writes
// DATABASE_URL into the env file and optionally installs pgvector.
func (o *Orchestrator) createDatabase(ctx context.Context, project string, l fsops.Layout, vector bool) (string, error) {
	password := uuid.NewString()

	admin, err := o.admin(ctx, "postgres")
	if err != nil {
		return "", err
	}
	defer admin.Close(ctx)

	// Identifiers come from a validated project name; only the password
	// needs quoting.
	if err := admin.Exec(ctx, fmt.Sprintf(`CREATE ROLE %s WITH LOGIN PASSWORD '%s'`, project, password)); err != nil {
		return "", types.Wrap(types.ErrDatabaseFailed, err, "create role %s", project)
	}
	if err := admin.Exec(ctx, fmt.Sprintf(`CREATE DATABASE %s OWNER %s`, project, project)); err != nil {
		return "", types.Wrap(types.ErrDatabaseFailed, err, "create database %s", project)
	}

	if vector {
		projDB, err := o.admin(ctx, project)
		if err != nil {
			return "", err
		}
		defer projDB.Close(ctx)
		if err := projDB.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
			return "", types.Wrap(types.ErrDatabaseFailed, err, "install vector extension in %s", project)
		}
	}

	dsn := o.cfg.Postgres.DSN(project, project, password)
	if err := envfile.Set(l.EnvFile(), "DATABASE_URL", dsn); err != nil {
		return "", err
	}
	if err := o.journal.Emit(project, types.CategoryProject, "database.created",
		fmt.Sprintf("database %s created", project), types.LevelInfo,
		map[string]any{"vector": vector}); err != nil {
		return "", err
	}
	detail := "database " + project
	if vector {
		detail += " (vector)"
	}
	return detail, nil
}

// redisChecker verifies the redis server is reachable before an index
// slot is committed.
type redisChecker func(ctx context.Context) error

func (o *Orchestrator) redisPing(ctx context.Context) error {
	client := redis.NewClient(&redis.Options{
		Addr:        o.cfg.Redis.Addr,
		DialTimeout: 3 * time.Second,
	})
	defer client.Close()
	if err := client.Ping(ctx).Err(); err != nil {
		return types.Wrap(types.ErrServiceStartFailed, err, "redis at %s is unreachable", o.cfg.Redis.Addr)
	}
	return nil
}

// allocateRedisIndex reserves a logical database slot and records
// REDIS_URL in the env file.
func (o *Orchestrator) allocateRedisIndex(ctx context.Context, project string, l fsops.Layout) (int, error) {
	if err := o.redisAlloc(ctx); err != nil {
		return 0, err
	}
	var idx int
	if err := o.store.Transaction(func(tx *sqlx.Tx) error {
		n, err := store.NextFreeDatabaseIndexTx(tx, o.cfg.Redis.MaxIndex)
		if err != nil {
			return err
		}
		idx = n
		if err := store.SetDatabaseIndexTx(tx, project, idx); err != nil {
			return err
		}
		return o.journal.EmitTx(tx, project, types.CategoryProject, "redis.allocated",
			fmt.Sprintf("redis database %d allocated", idx), types.LevelInfo,
			map[string]any{"index": idx})
	}); err != nil {
		return 0, err
	}
	url := fmt.Sprintf("redis://%s/%d", o.cfg.Redis.Addr, idx)
	if err := envfile.Set(l.EnvFile(), "REDIS_URL", url); err != nil {
		return 0, err
	}
	return idx, nil
}
