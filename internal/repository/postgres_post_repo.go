package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hitoshi/crosspost/internal/model"
)

// PostgresPostRepo はPostgreSQLを使用した予約投稿リポジトリ。
// 複数プロセスで永続化を共有したいデプロイ向け。content/platforms/options/result
// はJSONBカラムに格納する。
type PostgresPostRepo struct {
	db *sql.DB
}

// NewPostgresPostRepo はPostgresPostRepoを生成する。
func NewPostgresPostRepo(db *sql.DB) *PostgresPostRepo {
	return &PostgresPostRepo{db: db}
}

// Save は予約投稿を作成または上書き保存する。
func (r *PostgresPostRepo) Save(ctx context.Context, post *model.ScheduledPost) error {
	content, err := json.Marshal(post.Content)
	if err != nil {
		return fmt.Errorf("投稿内容のシリアライズに失敗しました: %w", err)
	}
	platforms, err := json.Marshal(post.Platforms)
	if err != nil {
		return fmt.Errorf("プラットフォームリストのシリアライズに失敗しました: %w", err)
	}
	options, err := json.Marshal(post.Options)
	if err != nil {
		return fmt.Errorf("投稿オプションのシリアライズに失敗しました: %w", err)
	}
	var result []byte
	if post.Result != nil {
		result, err = json.Marshal(post.Result)
		if err != nil {
			return fmt.Errorf("投稿結果のシリアライズに失敗しました: %w", err)
		}
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO scheduled_posts (id, content, platforms, scheduled_time, status,
		                              attempts, max_attempts, options, result, error_message,
		                              created_at, updated_at, last_attempt_at,
		                              completed_at, failed_at, cancelled_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		 ON CONFLICT (id) DO UPDATE SET
		    content = EXCLUDED.content,
		    platforms = EXCLUDED.platforms,
		    scheduled_time = EXCLUDED.scheduled_time,
		    status = EXCLUDED.status,
		    attempts = EXCLUDED.attempts,
		    max_attempts = EXCLUDED.max_attempts,
		    options = EXCLUDED.options,
		    result = EXCLUDED.result,
		    error_message = EXCLUDED.error_message,
		    updated_at = EXCLUDED.updated_at,
		    last_attempt_at = EXCLUDED.last_attempt_at,
		    completed_at = EXCLUDED.completed_at,
		    failed_at = EXCLUDED.failed_at,
		    cancelled_at = EXCLUDED.cancelled_at`,
		post.ID, content, platforms, post.ScheduledTime, post.Status,
		post.Attempts, post.MaxAttempts, options, result, post.ErrorMessage,
		post.CreatedAt, post.UpdatedAt, nullTime(post.LastAttemptAt),
		nullTime(post.CompletedAt), nullTime(post.FailedAt), nullTime(post.CancelledAt),
	)
	if err != nil {
		return fmt.Errorf("予約投稿の保存に失敗しました: %w", err)
	}
	return nil
}

// FindByID は指定IDの予約投稿を取得する。見つからない場合はnilを返す。
func (r *PostgresPostRepo) FindByID(ctx context.Context, id string) (*model.ScheduledPost, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, content, platforms, scheduled_time, status,
		        attempts, max_attempts, options, result, error_message,
		        created_at, updated_at, last_attempt_at,
		        completed_at, failed_at, cancelled_at
		 FROM scheduled_posts WHERE id = $1`,
		id,
	)

	post, err := scanPost(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("予約投稿の取得に失敗しました: %w", err)
	}
	return post, nil
}

// List は全予約投稿を返す。
func (r *PostgresPostRepo) List(ctx context.Context) ([]*model.ScheduledPost, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, content, platforms, scheduled_time, status,
		        attempts, max_attempts, options, result, error_message,
		        created_at, updated_at, last_attempt_at,
		        completed_at, failed_at, cancelled_at
		 FROM scheduled_posts
		 ORDER BY scheduled_time ASC, id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("予約投稿一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return scanPosts(rows)
}

// ListDue はscheduled状態かつ予定時刻がnow以前の投稿を
// 予定時刻昇順（同時刻はID昇順）で返す。
func (r *PostgresPostRepo) ListDue(ctx context.Context, now time.Time) ([]*model.ScheduledPost, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, content, platforms, scheduled_time, status,
		        attempts, max_attempts, options, result, error_message,
		        created_at, updated_at, last_attempt_at,
		        completed_at, failed_at, cancelled_at
		 FROM scheduled_posts
		 WHERE status = 'scheduled' AND scheduled_time <= $1
		 ORDER BY scheduled_time ASC, id ASC`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("実行対象投稿の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return scanPosts(rows)
}

// DeleteTerminalBefore は終端状態への到達がcutoffより古い投稿を削除し、
// 削除件数を返す。
func (r *PostgresPostRepo) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM scheduled_posts
		 WHERE status IN ('completed', 'failed', 'cancelled')
		   AND COALESCE(completed_at, failed_at, cancelled_at) < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("終端投稿の削除に失敗しました: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗しました: %w", err)
	}
	return int(affected), nil
}

// Close はデータベース接続を閉じる。
func (r *PostgresPostRepo) Close() error {
	return r.db.Close()
}

// rowScanner は*sql.Rowと*sql.Rowsの共通部分。
type rowScanner interface {
	Scan(dest ...any) error
}

// scanPost は1行を読み取りScheduledPostへ変換する。
func scanPost(row rowScanner) (*model.ScheduledPost, error) {
	post := &model.ScheduledPost{}
	var content, platforms, options, result []byte
	var lastAttemptAt, completedAt, failedAt, cancelledAt sql.NullTime

	if err := row.Scan(
		&post.ID, &content, &platforms, &post.ScheduledTime, &post.Status,
		&post.Attempts, &post.MaxAttempts, &options, &result, &post.ErrorMessage,
		&post.CreatedAt, &post.UpdatedAt, &lastAttemptAt,
		&completedAt, &failedAt, &cancelledAt,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal(content, &post.Content); err != nil {
		return nil, fmt.Errorf("投稿内容の復元に失敗しました: %w", err)
	}
	if err := json.Unmarshal(platforms, &post.Platforms); err != nil {
		return nil, fmt.Errorf("プラットフォームリストの復元に失敗しました: %w", err)
	}
	if len(options) > 0 {
		if err := json.Unmarshal(options, &post.Options); err != nil {
			return nil, fmt.Errorf("投稿オプションの復元に失敗しました: %w", err)
		}
	}
	if len(result) > 0 {
		post.Result = &model.PostResult{}
		if err := json.Unmarshal(result, post.Result); err != nil {
			return nil, fmt.Errorf("投稿結果の復元に失敗しました: %w", err)
		}
	}

	post.LastAttemptAt = nullTimeValue(lastAttemptAt)
	post.CompletedAt = nullTimeValue(completedAt)
	post.FailedAt = nullTimeValue(failedAt)
	post.CancelledAt = nullTimeValue(cancelledAt)

	return post, nil
}

// scanPosts は複数行を読み取りScheduledPostのスライスへ変換する。
func scanPosts(rows *sql.Rows) ([]*model.ScheduledPost, error) {
	var posts []*model.ScheduledPost
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("予約投稿の読み取りに失敗しました: %w", err)
		}
		posts = append(posts, post)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("予約投稿の走査に失敗しました: %w", err)
	}
	return posts, nil
}

// nullTime は*time.Timeをsql.NullTimeに変換する。
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// nullTimeValue はsql.NullTimeから*time.Timeを取得する。
func nullTimeValue(nt sql.NullTime) *time.Time {
	if nt.Valid {
		t := nt.Time
		return &t
	}
	return nil
}

// compile-time interface check
var _ PostRepository = (*PostgresPostRepo)(nil)
