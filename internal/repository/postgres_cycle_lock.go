package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// DefaultCycleLockKey は取り込みサイクルの排他に使うアドバイザリロックのキー。
const DefaultCycleLockKey int64 = 0x6e6577736d616e // "newsman"

// unlockTimeout はロック解放時のタイムアウト。
// サイクルのコンテキストがキャンセル済みでも解放できるよう独立させる。
const unlockTimeout = 5 * time.Second

// PostgresCycleLock はPostgreSQLのセッションアドバイザリロックによるプロセス間排他。
// worker、serveの組み込みスケジューラ、ingestコマンドが同時にサイクルを実行しないようにする。
type PostgresCycleLock struct {
	db  *sql.DB
	key int64
}

// NewPostgresCycleLock はPostgresCycleLockを生成する。
func NewPostgresCycleLock(db *sql.DB, key int64) *PostgresCycleLock {
	return &PostgresCycleLock{db: db, key: key}
}

// TryLock はロックの取得を1回だけ試みる。
// 取得できた場合は解放関数とtrueを返す。他プロセスが保持中の場合はfalseを返す。
// アドバイザリロックはセッション単位のため、解放まで専用のコネクションを保持する。
func (l *PostgresCycleLock) TryLock(ctx context.Context) (func(), bool, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("ロック用コネクションの取得に失敗しました: %w", err)
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, l.key).Scan(&acquired); err != nil {
		conn.Close()
		return nil, false, fmt.Errorf("アドバイザリロックの取得に失敗しました: %w", err)
	}
	if !acquired {
		conn.Close()
		return nil, false, nil
	}

	release := func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
		defer cancel()
		// 解放に失敗してもコネクションを閉じればセッション終了とともにロックは外れる
		_, _ = conn.ExecContext(unlockCtx, `SELECT pg_advisory_unlock($1)`, l.key)
		conn.Close()
	}
	return release, true, nil
}
