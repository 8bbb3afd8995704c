package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/uma-arai/sbcntr-visitor/internal/common/tracing"
)

//go:embed schema.sql
var schemaSQL string

// PostgreSQLの一意制約違反
const uniqueViolation = "23505"

type DB struct {
	*sqlx.DB
}

// NewDB は接続済みのsqlx.DBをリポジトリ用に包みます
func NewDB(conn *sqlx.DB) *DB {
	return &DB{conn}
}

// EnsureSchema はテーブルとインデックスを作成します(冪等)
func (db *DB) EnsureSchema(ctx context.Context) error {
	ctx, seg := tracing.Subsegment(ctx, "DB.EnsureSchema")
	defer seg.Close(nil)

	if _, err := db.DB.ExecContext(ctx, schemaSQL); err != nil {
		seg.Close(err)
		return fmt.Errorf("failed to apply schema: %w", err)
	}

	log.Println("Database schema is up to date")
	return nil
}

// WithTx はトランザクション内でfnを実行します
// fnがエラーを返した場合はロールバックし、それ以外はコミットします
func (db *DB) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	ctx, seg := tracing.Subsegment(ctx, "DB.WithTx")
	defer func() { seg.Close(err) }()

	tx, err := db.DB.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	// トランザクションのロールバックを遅延実行
	// エラーが発生した場合のみロールバックを実行
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				log.Printf("rollback failed: %v, original error: %v", rbErr, err)
			}
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// QueryxContext wraps sqlx.DB.QueryxContext with X-Ray tracing
func (db *DB) QueryxContext(ctx context.Context, query string, args ...interface{}) (*sqlx.Rows, error) {
	ctx, seg := tracing.Subsegment(ctx, "DB.Queryx")
	defer seg.Close(nil)

	// クエリをメタデータとして追加
	seg.AddMetadata("query", query)

	rows, err := db.DB.QueryxContext(ctx, query, args...)
	if err != nil {
		seg.Close(err)
		return nil, err
	}

	return rows, nil
}

// ExecContext wraps sqlx.DB.ExecContext with X-Ray tracing
func (db *DB) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	ctx, seg := tracing.Subsegment(ctx, "DB.Exec")
	defer seg.Close(nil)

	// クエリをメタデータとして追加
	seg.AddMetadata("query", query)

	result, err := db.DB.ExecContext(ctx, query, args...)
	if err != nil {
		seg.Close(err)
		return nil, err
	}

	return result, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// expectOneRow は更新件数が0件の場合にnotFoundを返します
func expectOneRow(result sql.Result, notFound error) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return notFound
	}
	return nil
}
