package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// 保存できる発生日時の年の範囲（UTC）。
// 保存形式の文字列比較で順序を保てるのは4桁の年に限られる。
const (
	MinOccurredYear = 1
	MaxOccurredYear = 9999
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// validatorInstance はイベント検証用のvalidatorを返す。
// フィールド名はJSONタグ名で報告される。
func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
		// RegisterValidationはタグ名が空でない限り失敗しない
		_ = v.RegisterValidation("jsonobject", func(fl validator.FieldLevel) bool {
			return isJSONObject(fl.Field().Bytes())
		})
		validate = v
	})
	return validate
}

// isJSONObject はbがJSONオブジェクトとして妥当かを判定する。
func isJSONObject(b []byte) bool {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return false
	}
	return json.Valid(trimmed)
}

// Validate はイベントが追記可能な形式であるかを検証する。
// 失敗した場合は最初に見つかった違反を*ValidationErrorとして返す。
func (e *Event) Validate() error {
	err := validatorInstance().Struct(e)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &ValidationError{Field: "event", Reason: err.Error()}
	}

	fe := verrs[0]
	return &ValidationError{Field: fe.Field(), Reason: reasonFor(fe)}
}

// reasonFor は検証タグに対応する理由の文言を返す。
func reasonFor(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "必須項目です"
	case "max":
		return "255文字以内で指定してください"
	case "gte":
		return "0以上で指定してください"
	case "jsonobject":
		return "JSONオブジェクトで指定してください"
	default:
		return fe.Error()
	}
}

// PrepareForAppend は追記用に正規化・検証したイベントのコピーを返す。
// OccurredAtが未設定ならnowを使い、いずれの場合も秒精度のUTCに丸める。
// メタデータのJSON nullは未設定として扱う。受け取ったイベントは変更しない。
func (e *Event) PrepareForAppend(now time.Time) (*Event, error) {
	if e == nil {
		return nil, &ValidationError{Field: "event", Reason: "必須項目です"}
	}
	if e.ID != 0 {
		return nil, &ValidationError{Field: "id", Reason: "IDはストアが採番するため指定できません"}
	}

	prepared := *e
	if prepared.OccurredAt.IsZero() {
		prepared.OccurredAt = now
	}
	prepared.OccurredAt = TruncateTime(prepared.OccurredAt)
	if y := prepared.OccurredAt.Year(); y < MinOccurredYear || y > MaxOccurredYear {
		return nil, &ValidationError{
			Field:  "occurred_at",
			Reason: fmt.Sprintf("%d年から%d年の範囲で指定してください", MinOccurredYear, MaxOccurredYear),
		}
	}

	if bytes.Equal(bytes.TrimSpace(prepared.Metadata), []byte("null")) {
		prepared.Metadata = nil
	}

	if err := prepared.Validate(); err != nil {
		return nil, err
	}

	prepared.Payload = cloneRaw(bytes.TrimSpace(prepared.Payload))
	prepared.Metadata = cloneRaw(bytes.TrimSpace(prepared.Metadata))
	return &prepared, nil
}

// cloneRaw は呼び出し側のバッファと共有しないようにJSONをコピーする。
func cloneRaw(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	out := make(json.RawMessage, len(b))
	copy(out, b)
	return out
}
