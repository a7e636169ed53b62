package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/crosspost/internal/model"
)

const postsFileName = "posts.json"

// FilePostRepo は単一のJSONドキュメントで予約投稿を永続化するリポジトリ。
// 全操作がファイル全体の読み込み・書き戻しで完結するwrite-through方式。
// ファイルが存在しない場合は空のコレクションとして扱う。
type FilePostRepo struct {
	path string
	mu   sync.Mutex
}

// postsDocument はJSONファイルの内容を表す。
type postsDocument struct {
	Posts []*model.ScheduledPost `json:"posts"`
}

// NewFilePostRepo はFilePostRepoを生成する。
// dirが存在しない場合は作成する。
func NewFilePostRepo(dir string) (*FilePostRepo, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ストレージディレクトリの作成に失敗しました: %w", err)
	}
	return &FilePostRepo{path: filepath.Join(dir, postsFileName)}, nil
}

// Save は予約投稿を作成または上書き保存する。
func (r *FilePostRepo) Save(ctx context.Context, post *model.ScheduledPost) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, err := r.load()
	if err != nil {
		return err
	}

	replaced := false
	for i, p := range doc.Posts {
		if p.ID == post.ID {
			doc.Posts[i] = post
			replaced = true
			break
		}
	}
	if !replaced {
		doc.Posts = append(doc.Posts, post)
	}

	return r.store(doc)
}

// FindByID は指定IDの予約投稿を取得する。見つからない場合はnilを返す。
func (r *FilePostRepo) FindByID(ctx context.Context, id string) (*model.ScheduledPost, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, err := r.load()
	if err != nil {
		return nil, err
	}

	for _, p := range doc.Posts {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, nil
}

// List は全予約投稿を返す。
func (r *FilePostRepo) List(ctx context.Context) ([]*model.ScheduledPost, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, err := r.load()
	if err != nil {
		return nil, err
	}
	return doc.Posts, nil
}

// ListDue はscheduled状態かつ予定時刻がnow以前の投稿を
// 予定時刻昇順（同時刻はID昇順）で返す。
func (r *FilePostRepo) ListDue(ctx context.Context, now time.Time) ([]*model.ScheduledPost, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, err := r.load()
	if err != nil {
		return nil, err
	}

	var due []*model.ScheduledPost
	for _, p := range doc.Posts {
		if p.Status == model.PostStatusScheduled && !p.ScheduledTime.After(now) {
			due = append(due, p)
		}
	}

	sort.Slice(due, func(i, j int) bool {
		if due[i].ScheduledTime.Equal(due[j].ScheduledTime) {
			return due[i].ID < due[j].ID
		}
		return due[i].ScheduledTime.Before(due[j].ScheduledTime)
	})

	return due, nil
}

// DeleteTerminalBefore は終端状態への到達がcutoffより古い投稿を削除し、
// 削除件数を返す。
func (r *FilePostRepo) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, err := r.load()
	if err != nil {
		return 0, err
	}

	kept := doc.Posts[:0]
	deleted := 0
	for _, p := range doc.Posts {
		terminalAt := p.TerminalAt()
		if terminalAt != nil && terminalAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, p)
	}

	if deleted == 0 {
		return 0, nil
	}

	doc.Posts = kept
	if err := r.store(doc); err != nil {
		return 0, err
	}
	return deleted, nil
}

// Close は保持しているリソースを解放する。ファイルストアでは何もしない。
func (r *FilePostRepo) Close() error {
	return nil
}

// load はJSONドキュメントを読み込む。ファイルが存在しない場合は空を返す。
func (r *FilePostRepo) load() (*postsDocument, error) {
	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return &postsDocument{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("投稿ファイルの読み込みに失敗しました: %w", err)
	}

	doc := &postsDocument{}
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("投稿ファイルの解析に失敗しました: %w", err)
	}
	return doc, nil
}

// store はJSONドキュメントを一時ファイル経由でアトミックに書き戻す。
func (r *FilePostRepo) store(doc *postsDocument) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("投稿ファイルのシリアライズに失敗しました: %w", err)
	}

	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("投稿ファイルの書き込みに失敗しました: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("投稿ファイルの置き換えに失敗しました: %w", err)
	}
	return nil
}

// compile-time interface check
var _ PostRepository = (*FilePostRepo)(nil)
