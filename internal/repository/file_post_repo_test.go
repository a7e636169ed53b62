package repository

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hitoshi/crosspost/internal/model"
)

func newTestFileRepo(t *testing.T) *FilePostRepo {
	t.Helper()
	repo, err := NewFilePostRepo(t.TempDir())
	if err != nil {
		t.Fatalf("NewFilePostRepo: %v", err)
	}
	return repo
}

func testPost(id string, status model.PostStatus, scheduledTime time.Time) *model.ScheduledPost {
	now := time.Now().UTC().Truncate(time.Second)
	return &model.ScheduledPost{
		ID:            id,
		Content:       model.PostContent{Text: "テスト投稿です"},
		Platforms:     []model.Platform{model.PlatformTwitter, model.PlatformMastodon},
		ScheduledTime: scheduledTime,
		Status:        status,
		MaxAttempts:   3,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestFilePostRepo_MissingFileReturnsEmpty(t *testing.T) {
	repo := newTestFileRepo(t)

	posts, err := repo.List(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(posts) != 0 {
		t.Errorf("ファイル未作成時は空のコレクションを返すべき, got %d", len(posts))
	}
}

func TestFilePostRepo_SaveAndFindByID(t *testing.T) {
	repo := newTestFileRepo(t)
	ctx := context.Background()

	scheduled := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	post := testPost("post-1", model.PostStatusScheduled, scheduled)

	if err := repo.Save(ctx, post); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := repo.FindByID(ctx, "post-1")
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if got == nil {
		t.Fatal("保存した投稿が取得できるべき")
	}
	if got.ID != "post-1" {
		t.Errorf("ID = %q, want %q", got.ID, "post-1")
	}
	if got.Status != model.PostStatusScheduled {
		t.Errorf("Status = %q, want %q", got.Status, model.PostStatusScheduled)
	}
	if !got.ScheduledTime.Equal(scheduled) {
		t.Errorf("ScheduledTime = %v, want %v", got.ScheduledTime, scheduled)
	}
	if got.Content.Text != "テスト投稿です" {
		t.Errorf("Content.Text = %q, want %q", got.Content.Text, "テスト投稿です")
	}
	if len(got.Platforms) != 2 {
		t.Errorf("Platforms length = %d, want 2", len(got.Platforms))
	}
}

func TestFilePostRepo_FindByID_NotFoundReturnsNil(t *testing.T) {
	repo := newTestFileRepo(t)

	got, err := repo.FindByID(context.Background(), "no-such-post")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got != nil {
		t.Errorf("存在しないIDはnilを返すべき, got %+v", got)
	}
}

func TestFilePostRepo_SaveOverwritesExisting(t *testing.T) {
	repo := newTestFileRepo(t)
	ctx := context.Background()

	post := testPost("post-1", model.PostStatusScheduled, time.Now().Add(time.Hour))
	if err := repo.Save(ctx, post); err != nil {
		t.Fatalf("Save: %v", err)
	}

	post.Status = model.PostStatusExecuting
	post.Attempts = 1
	if err := repo.Save(ctx, post); err != nil {
		t.Fatalf("Save(更新): %v", err)
	}

	got, err := repo.FindByID(ctx, "post-1")
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if got.Status != model.PostStatusExecuting {
		t.Errorf("Status = %q, want %q", got.Status, model.PostStatusExecuting)
	}
	if got.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", got.Attempts)
	}

	all, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("上書き保存でレコードは増えないべき: len = %d", len(all))
	}
}

func TestFilePostRepo_PersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	repo1, err := NewFilePostRepo(dir)
	if err != nil {
		t.Fatalf("NewFilePostRepo: %v", err)
	}
	scheduled := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	if err := repo1.Save(ctx, testPost("post-1", model.PostStatusScheduled, scheduled)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// 別インスタンス（再起動相当）から同じデータが見えること
	repo2, err := NewFilePostRepo(dir)
	if err != nil {
		t.Fatalf("NewFilePostRepo(再作成): %v", err)
	}
	got, err := repo2.FindByID(ctx, "post-1")
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if got == nil {
		t.Fatal("再起動後も投稿が読み込めるべき")
	}
	if !got.ScheduledTime.Equal(scheduled) {
		t.Errorf("ScheduledTime = %v, want %v（タイムスタンプが復元されるべき）", got.ScheduledTime, scheduled)
	}
}

func TestFilePostRepo_StoresRFC3339Timestamps(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	repo, err := NewFilePostRepo(dir)
	if err != nil {
		t.Fatalf("NewFilePostRepo: %v", err)
	}
	if err := repo.Save(ctx, testPost("post-1", model.PostStatusScheduled, time.Now().Add(time.Hour))); err != nil {
		t.Fatalf("Save: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, postsFileName))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	var doc struct {
		Posts []map[string]interface{} `json:"posts"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("ファイルは有効なJSONであるべき: %v", err)
	}
	if len(doc.Posts) != 1 {
		t.Fatalf("posts length = %d, want 1", len(doc.Posts))
	}

	raw, ok := doc.Posts[0]["scheduled_time"].(string)
	if !ok {
		t.Fatal("scheduled_time は文字列で格納されるべき")
	}
	if _, err := time.Parse(time.RFC3339, raw); err != nil {
		t.Errorf("scheduled_time はRFC3339形式であるべき: %q (%v)", raw, err)
	}
}

func TestFilePostRepo_ListDue_FiltersAndSorts(t *testing.T) {
	repo := newTestFileRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// 実行対象: 過去時刻のscheduledのみ。同時刻はID順。
	duePast := testPost("b-due", model.PostStatusScheduled, now.Add(-10*time.Minute))
	dueOlder := testPost("a-due", model.PostStatusScheduled, now.Add(-20*time.Minute))
	dueSameTime := testPost("a-same", model.PostStatusScheduled, now.Add(-10*time.Minute))
	future := testPost("future", model.PostStatusScheduled, now.Add(time.Hour))
	executing := testPost("executing", model.PostStatusExecuting, now.Add(-30*time.Minute))
	completed := testPost("completed", model.PostStatusCompleted, now.Add(-30*time.Minute))

	for _, p := range []*model.ScheduledPost{duePast, dueOlder, dueSameTime, future, executing, completed} {
		if err := repo.Save(ctx, p); err != nil {
			t.Fatalf("Save(%s): %v", p.ID, err)
		}
	}

	due, err := repo.ListDue(ctx, now)
	if err != nil {
		t.Fatalf("ListDue: %v", err)
	}

	if len(due) != 3 {
		t.Fatalf("ListDue length = %d, want 3", len(due))
	}
	if due[0].ID != "a-due" {
		t.Errorf("due[0].ID = %q, want %q（予定時刻昇順）", due[0].ID, "a-due")
	}
	if due[1].ID != "a-same" {
		t.Errorf("due[1].ID = %q, want %q（同時刻はID昇順）", due[1].ID, "a-same")
	}
	if due[2].ID != "b-due" {
		t.Errorf("due[2].ID = %q, want %q", due[2].ID, "b-due")
	}
}

func TestFilePostRepo_DeleteTerminalBefore(t *testing.T) {
	repo := newTestFileRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	oldCompletedAt := now.Add(-48 * time.Hour)
	recentCompletedAt := now.Add(-time.Hour)

	oldCompleted := testPost("old-completed", model.PostStatusCompleted, now.Add(-72*time.Hour))
	oldCompleted.CompletedAt = &oldCompletedAt

	oldCancelled := testPost("old-cancelled", model.PostStatusCancelled, now.Add(-72*time.Hour))
	oldCancelled.CancelledAt = &oldCompletedAt

	recentCompleted := testPost("recent-completed", model.PostStatusCompleted, now.Add(-2*time.Hour))
	recentCompleted.CompletedAt = &recentCompletedAt

	scheduled := testPost("scheduled", model.PostStatusScheduled, now.Add(time.Hour))

	for _, p := range []*model.ScheduledPost{oldCompleted, oldCancelled, recentCompleted, scheduled} {
		if err := repo.Save(ctx, p); err != nil {
			t.Fatalf("Save(%s): %v", p.ID, err)
		}
	}

	cutoff := now.Add(-24 * time.Hour)
	deleted, err := repo.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		t.Fatalf("DeleteTerminalBefore: %v", err)
	}
	if deleted != 2 {
		t.Errorf("deleted = %d, want 2", deleted)
	}

	// 非終端と新しい終端は残る
	if got, _ := repo.FindByID(ctx, "scheduled"); got == nil {
		t.Error("scheduled状態の投稿は削除されないべき")
	}
	if got, _ := repo.FindByID(ctx, "recent-completed"); got == nil {
		t.Error("cutoffより新しい終端投稿は削除されないべき")
	}
	if got, _ := repo.FindByID(ctx, "old-completed"); got != nil {
		t.Error("cutoffより古い終端投稿は削除されるべき")
	}

	// 冪等性: 2回目は0件
	deleted, err = repo.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		t.Fatalf("DeleteTerminalBefore(2回目): %v", err)
	}
	if deleted != 0 {
		t.Errorf("2回目のdeleted = %d, want 0", deleted)
	}
}

func TestFilePostRepo_CorruptFileReturnsError(t *testing.T) {
	dir := t.TempDir()
	repo, err := NewFilePostRepo(dir)
	if err != nil {
		t.Fatalf("NewFilePostRepo: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, postsFileName), []byte("{broken"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := repo.List(context.Background()); err == nil {
		t.Error("壊れたファイルはエラーを返すべき")
	}
}

func TestFilePostRepo_ResultRoundTrip(t *testing.T) {
	repo := newTestFileRepo(t)
	ctx := context.Background()

	completedAt := time.Now().UTC().Truncate(time.Second)
	post := testPost("post-1", model.PostStatusCompleted, completedAt.Add(-time.Minute))
	post.CompletedAt = &completedAt
	post.Attempts = 2
	post.Result = &model.PostResult{
		Results: []model.PlatformResult{
			{Platform: model.PlatformTwitter, Success: true, PostID: "tw-1", PostedAt: completedAt},
			{Platform: model.PlatformMastodon, Success: true, PostID: "ms-1", PostedAt: completedAt},
		},
	}

	if err := repo.Save(ctx, post); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := repo.FindByID(ctx, "post-1")
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if got.Result == nil {
		t.Fatal("Result が復元されるべき")
	}
	if !got.Result.AllSucceeded() {
		t.Error("Result.AllSucceeded() = false, want true")
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(completedAt) {
		t.Errorf("CompletedAt = %v, want %v", got.CompletedAt, completedAt)
	}
	if got.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", got.Attempts)
	}
}
