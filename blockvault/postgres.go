package blockvault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/lib/pq"
	"github.com/mezonai/combinedb/common"
	"github.com/mezonai/combinedb/logx"
)

const (
	pqUniqueViolation      = "23505"
	pqSerializationFailure = "40001"
)

const createTablesSQL = `
CREATE TABLE IF NOT EXISTS block_data (
	watermark_bn      BIGINT NOT NULL,
	watermark_ts      BIGINT NOT NULL,
	lib               BIGINT NOT NULL,
	block_num         BIGINT NOT NULL,
	block_id          BYTEA UNIQUE,
	previous_block_id BYTEA,
	block             BYTEA NOT NULL
);
CREATE TABLE IF NOT EXISTS snapshot_data (
	watermark_bn BIGINT NOT NULL,
	watermark_ts BIGINT NOT NULL,
	snapshot     BYTEA NOT NULL
);`

const (
	insertConstructedBlockSQL = `
INSERT INTO block_data (watermark_bn, watermark_ts, lib, block_num, block_id, previous_block_id, block)
SELECT $1::BIGINT, $2::BIGINT, $3::BIGINT, $1::BIGINT, $4::BYTEA, $5::BYTEA, $6::BYTEA
WHERE NOT EXISTS (SELECT 1 FROM block_data WHERE watermark_bn >= $1 OR watermark_ts >= $2 OR lib > $3)`

	insertExternalBlockSQL = `
INSERT INTO block_data (watermark_bn, watermark_ts, lib, block_num, block_id, previous_block_id, block)
SELECT COALESCE((SELECT MAX(watermark_bn) FROM block_data), 0),
       COALESCE((SELECT MAX(watermark_ts) FROM block_data), 0),
       $2::BIGINT, $1::BIGINT, $3::BYTEA, $4::BYTEA, $5::BYTEA
WHERE NOT EXISTS (SELECT 1 FROM block_data WHERE lib >= $1)`

	insertSnapshotSQL = `
INSERT INTO snapshot_data (watermark_bn, watermark_ts, snapshot)
SELECT $1::BIGINT, $2::BIGINT, $3::BYTEA
WHERE NOT EXISTS (SELECT 1 FROM snapshot_data WHERE watermark_bn >= $1 OR watermark_ts >= $2)`

	pruneBlocksSQL    = `DELETE FROM block_data WHERE watermark_bn <= $1 OR watermark_ts <= $2`
	pruneSnapshotsSQL = `DELETE FROM snapshot_data WHERE watermark_bn < $1 OR watermark_ts < $2`

	syncWatermarkSQL = `
SELECT watermark_bn, watermark_ts FROM block_data WHERE previous_block_id = $1
ORDER BY watermark_bn, watermark_ts LIMIT 1`
	blocksSinceSQL = `
SELECT block FROM block_data WHERE watermark_bn >= $1 AND watermark_ts >= $2 ORDER BY block_num`
	hasBlockSQL       = `SELECT COUNT(*) FROM block_data WHERE block_id = $1`
	latestSnapshotSQL = `SELECT snapshot FROM snapshot_data ORDER BY watermark_bn DESC, watermark_ts DESC LIMIT 1`
	allBlocksSQL      = `SELECT block FROM block_data ORDER BY block_num`
)

// PostgresBackend keeps the archive in two postgres tables shared by every
// producer. Proposals run in serializable transactions, so concurrent
// producers cannot both win the same watermark.
type PostgresBackend struct {
	db *sql.DB
}

var _ Backend = (*PostgresBackend)(nil)

// ConnectPostgres opens dsn, retrying while the server comes up, and creates
// the archive tables.
func ConnectPostgres(ctx context.Context, dsn string) (*PostgresBackend, error) {
	const maxRetries = 5
	const retryDelay = 3 * time.Second

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			logx.Warn(logCategory, "retrying postgres connection (attempt ", attempt+1, "/", maxRetries, ") after: ", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryDelay):
			}
		}

		db, err := sql.Open("postgres", dsn)
		if err != nil {
			lastErr = fmt.Errorf("open postgres: %w", err)
			continue
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			lastErr = fmt.Errorf("ping postgres: %w", err)
			continue
		}

		b := &PostgresBackend{db: db}
		if err := b.createTables(ctx); err != nil {
			db.Close()
			return nil, err
		}
		logx.Info(logCategory, "connected to postgres archive")
		return b, nil
	}
	return nil, fmt.Errorf("connect postgres after %d attempts: %w", maxRetries, lastErr)
}

func (b *PostgresBackend) createTables(ctx context.Context) error {
	_, err := b.db.ExecContext(ctx, createTablesSQL)
	// another producer creating the tables at the same moment is fine
	if err != nil && !isCode(err, pqUniqueViolation) {
		return fmt.Errorf("create archive tables: %w", err)
	}
	return nil
}

func isCode(err error, code pq.ErrorCode) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == code
}

// inTx runs fn in a serializable transaction and commits when fn reports an
// insert. The result is false on refusal and on any error.
func (b *PostgresBackend) inTx(ctx context.Context, what string, fn func(tx *sql.Tx) (bool, error)) bool {
	tx, err := b.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		logx.Error(logCategory, what, ": begin transaction: ", err)
		return false
	}
	defer tx.Rollback()

	inserted, err := fn(tx)
	if err == nil && inserted {
		err = tx.Commit()
	}
	switch {
	case err == nil:
		return inserted
	case isCode(err, pqUniqueViolation):
		logx.Warn(logCategory, what, ": already present")
	case isCode(err, pqSerializationFailure):
		logx.Warn(logCategory, what, ": lost to a concurrent proposal")
	default:
		logx.Error(logCategory, what, ": ", err)
	}
	return false
}

func inserted(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (b *PostgresBackend) ProposeConstructedBlock(ctx context.Context, wm Watermark, lib uint32, block, id, previousID []byte) bool {
	return b.inTx(ctx, "propose block "+common.ShortID(id), func(tx *sql.Tx) (bool, error) {
		res, err := tx.ExecContext(ctx, insertConstructedBlockSQL,
			int64(wm.BlockNum), int64(wm.Timestamp), int64(lib), id, previousID, block)
		if err != nil {
			return false, err
		}
		return inserted(res)
	})
}

func (b *PostgresBackend) AppendExternalBlock(ctx context.Context, blockNum, lib uint32, block, id, previousID []byte) bool {
	return b.inTx(ctx, "append block "+common.ShortID(id), func(tx *sql.Tx) (bool, error) {
		res, err := tx.ExecContext(ctx, insertExternalBlockSQL,
			int64(blockNum), int64(lib), id, previousID, block)
		if err != nil {
			return false, err
		}
		return inserted(res)
	})
}

func (b *PostgresBackend) ProposeSnapshot(ctx context.Context, wm Watermark, path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		logx.Error(logCategory, "read snapshot ", path, ": ", err)
		return false
	}
	return b.inTx(ctx, "propose snapshot at "+wm.String(), func(tx *sql.Tx) (bool, error) {
		res, err := tx.ExecContext(ctx, insertSnapshotSQL, int64(wm.BlockNum), int64(wm.Timestamp), data)
		if err != nil {
			return false, err
		}
		ok, err := inserted(res)
		if err != nil || !ok {
			return false, err
		}
		if _, err := tx.ExecContext(ctx, pruneBlocksSQL, int64(wm.BlockNum), int64(wm.Timestamp)); err != nil {
			return false, err
		}
		if _, err := tx.ExecContext(ctx, pruneSnapshotsSQL, int64(wm.BlockNum), int64(wm.Timestamp)); err != nil {
			return false, err
		}
		return true, nil
	})
}

func (b *PostgresBackend) Sync(ctx context.Context, previousID []byte, cb SyncCallback) error {
	tx, err := b.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return fmt.Errorf("begin sync: %w", err)
	}
	defer tx.Rollback()

	if len(previousID) > 0 {
		var bn, ts int64
		err := tx.QueryRowContext(ctx, syncWatermarkSQL, previousID).Scan(&bn, &ts)
		switch {
		case err == nil:
			return streamBlocks(ctx, tx, cb, blocksSinceSQL, bn, ts)
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("find sync watermark: %w", err)
		}

		var count int
		if err := tx.QueryRowContext(ctx, hasBlockSQL, previousID).Scan(&count); err != nil {
			return fmt.Errorf("look up block %s: %w", common.ShortID(previousID), err)
		}
		if count != 0 {
			logx.Info(logCategory, "block ", common.ShortID(previousID), " is the latest archived block, nothing to sync")
			return nil
		}
	}

	var snapshot []byte
	err = tx.QueryRowContext(ctx, latestSnapshotSQL).Scan(&snapshot)
	switch {
	case err == nil:
		if err := deliverSnapshot(snapshot, cb); err != nil {
			return err
		}
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("load latest snapshot: %w", err)
	}
	return streamBlocks(ctx, tx, cb, allBlocksSQL)
}

func streamBlocks(ctx context.Context, tx *sql.Tx, cb SyncCallback, query string, args ...any) error {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("load blocks: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var block []byte
		if err := rows.Scan(&block); err != nil {
			return fmt.Errorf("scan block: %w", err)
		}
		if err := cb.OnBlock(block); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (b *PostgresBackend) Close() error {
	return b.db.Close()
}
