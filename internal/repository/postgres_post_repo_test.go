package repository

import (
	"database/sql"
	"testing"
	"time"
)

// PostgresPostRepoはPostRepositoryインターフェースを満たすことを検証
func TestPostgresPostRepo_ImplementsInterface(t *testing.T) {
	var _ PostRepository = (*PostgresPostRepo)(nil)
}

// NewPostgresPostRepoが正しく初期化されることを検証
func TestNewPostgresPostRepo_Initializes(t *testing.T) {
	repo := NewPostgresPostRepo(nil)
	if repo == nil {
		t.Fatal("expected non-nil repo")
	}
}

func TestNullTime_Nil(t *testing.T) {
	nt := nullTime(nil)
	if nt.Valid {
		t.Error("nilはValid=falseに変換されるべき")
	}
}

func TestNullTime_Value(t *testing.T) {
	now := time.Now()
	nt := nullTime(&now)
	if !nt.Valid {
		t.Fatal("非nilはValid=trueに変換されるべき")
	}
	if !nt.Time.Equal(now) {
		t.Errorf("Time = %v, want %v", nt.Time, now)
	}
}

func TestNullTimeValue_Invalid(t *testing.T) {
	if got := nullTimeValue(sql.NullTime{}); got != nil {
		t.Errorf("Valid=falseはnilを返すべき, got %v", got)
	}
}

func TestNullTimeValue_Valid(t *testing.T) {
	now := time.Now()
	got := nullTimeValue(sql.NullTime{Time: now, Valid: true})
	if got == nil {
		t.Fatal("Valid=trueは非nilを返すべき")
	}
	if !got.Equal(now) {
		t.Errorf("value = %v, want %v", *got, now)
	}
}
