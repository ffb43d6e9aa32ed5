package event

import (
	"errors"
	"fmt"
)

var (
	// ErrVersionConflict は同じAggregateとバージョンのイベントが既に存在する場合に返される。
	// 呼び出し側は最新バージョンを取得し直して再試行する。
	ErrVersionConflict = errors.New("イベントのバージョンが競合しています")
	// ErrValidation はイベントの必須項目が欠けている、または形式が不正な場合に返される。
	ErrValidation = errors.New("イベントの検証に失敗しました")
	// ErrStorageUnavailable は永続化先に到達できない一時的な障害を表す。
	ErrStorageUnavailable = errors.New("ストレージが利用できません")
	// ErrNotFound は指定されたイベントが存在しない場合に返される。
	ErrNotFound = errors.New("イベントが見つかりません")
)

// VersionConflictError は競合したAggregateとバージョンを保持する。
// errors.Is(err, ErrVersionConflict) が真になる。
type VersionConflictError struct {
	// AggregateID は競合したAggregateの識別子。
	AggregateID string
	// AggregateType は競合したAggregateの種類。
	AggregateType string
	// Version は既に使用されていたバージョン。
	Version int64
}

// Error はエラーメッセージを返す。
func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("%s: aggregate=%s/%s, version=%d",
		ErrVersionConflict.Error(), e.AggregateType, e.AggregateID, e.Version)
}

// Is はErrVersionConflictとの比較を可能にする。
func (e *VersionConflictError) Is(target error) bool {
	return target == ErrVersionConflict
}

// NewVersionConflict は指定したイベントに対するVersionConflictErrorを生成する。
func NewVersionConflict(e *Event) error {
	return &VersionConflictError{
		AggregateID:   e.AggregateID,
		AggregateType: e.AggregateType,
		Version:       e.Version,
	}
}

// ValidationError は検証に失敗したフィールドと理由を保持する。
// errors.Is(err, ErrValidation) が真になる。
type ValidationError struct {
	// Field は検証に失敗したフィールドのJSON名。
	Field string
	// Reason は失敗の理由。
	Reason string
}

// Error はエラーメッセージを返す。
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrValidation.Error(), e.Field, e.Reason)
}

// Is はErrValidationとの比較を可能にする。
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Unavailable はerrをErrStorageUnavailableでラップする。
// errors.Isで元のエラーとErrStorageUnavailableの両方に一致する。
func Unavailable(err error) error {
	return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
}
