package event

import (
	"encoding/json"
	"time"
)

// MaxIdentifierLength はEventType、AggregateID、AggregateTypeの最大文字数。
const MaxIdentifierLength = 255

// Event はEvent Storeに永続化される不変のイベントレコードを表す。
// IDはストアが採番するため、追記前のイベントでは0のままにしておく。
type Event struct {
	// ID はストアが採番する単調増加の識別子。全体の順序のタイブレークに使用する。
	ID int64 `json:"id"`
	// EventType はイベントの種類（例: "OrderCreated"）。
	EventType string `json:"event_type" validate:"required,max=255"`
	// AggregateID は対象エンティティのインスタンス識別子。
	AggregateID string `json:"aggregate_id" validate:"required,max=255"`
	// AggregateType は対象エンティティの種類（例: "Order"）。
	AggregateType string `json:"aggregate_type" validate:"required,max=255"`
	// Payload はイベント固有のデータ。JSONオブジェクトでなければならない。
	Payload json.RawMessage `json:"payload" validate:"required,jsonobject"`
	// Metadata はリクエスト元などの付帯情報。省略可能。
	Metadata json.RawMessage `json:"metadata,omitempty" validate:"omitempty,jsonobject"`
	// Version はAggregateのストリーム内での位置。楽観的排他制御に使用する。
	Version int64 `json:"version" validate:"gte=0"`
	// OccurredAt はイベントが論理的に発生した日時（秒精度）。過去日時も許容する。
	OccurredAt time.Time `json:"occurred_at"`
}

// HasMetadata はメタデータが設定されているかを返す。
func (e *Event) HasMetadata() bool {
	return len(e.Metadata) > 0
}

// OrderField はQueryの並び替えキーを表す。
type OrderField string

const (
	// OrderByID はストアが採番したIDで並び替える。
	OrderByID OrderField = "id"
	// OrderByOccurredAt は発生日時で並び替える。同時刻の場合はIDで並べる。
	OrderByOccurredAt OrderField = "occurred_at"
	// OrderByVersion はバージョン、発生日時、IDの順で並び替える。Aggregate単位の取得で使用する。
	OrderByVersion OrderField = "version"
)

// Filter はQueryの検索条件。ゼロ値のフィールドは条件に含めない。
type Filter struct {
	// AggregateID が空でなければAggregateIDの完全一致で絞り込む。
	AggregateID string
	// AggregateType が空でなければAggregateTypeの完全一致で絞り込む。
	AggregateType string
	// EventType が空でなければイベントタイプの完全一致で絞り込む。
	EventType string
	// After がゼロでなければ、これより後に発生したイベントのみを返す（境界は含まない）。
	After time.Time
	// Before がゼロでなければ、これより前に発生したイベントのみを返す（境界は含まない）。
	Before time.Time
	// AfterID が正なら、これより大きいIDのイベントのみを返す。ログの追従に使用する。
	AfterID int64
	// OrderBy は並び替えキー。空の場合はOrderByID。
	OrderBy OrderField
	// Descending が真なら降順で返す。
	Descending bool
	// Limit が正なら返す件数の上限。
	Limit int
}

// OrderField は空の場合にデフォルトを補った並び替えキーを返す。
func (f Filter) OrderField() OrderField {
	if f.OrderBy == "" {
		return OrderByID
	}
	return f.OrderBy
}

// StreamFilter はAggregateのイベントをバージョン昇順で取得する条件を返す。
// 状態の再構築にはこの順序でイベントを適用する。
func StreamFilter(aggregateID, aggregateType string) Filter {
	return Filter{AggregateID: aggregateID, AggregateType: aggregateType, OrderBy: OrderByVersion}
}

// TypeFilter はイベントタイプに一致するイベントを新しい順に取得する条件を返す。
func TypeFilter(eventType string) Filter {
	return Filter{EventType: eventType, OrderBy: OrderByOccurredAt, Descending: true}
}

// AfterFilter はatより後に発生したイベントを古い順に取得する条件を返す。
// eventTypeが空ならすべてのタイプが対象になる。
func AfterFilter(eventType string, at time.Time) Filter {
	return Filter{EventType: eventType, After: at, OrderBy: OrderByOccurredAt}
}

// BeforeFilter はatより前に発生したイベントを新しい順に取得する条件を返す。
// eventTypeが空ならすべてのタイプが対象になる。
func BeforeFilter(eventType string, at time.Time) Filter {
	return Filter{EventType: eventType, Before: at, OrderBy: OrderByOccurredAt, Descending: true}
}

// TruncateTime はストアの保存精度（UTC、秒）に日時を丸める。
func TruncateTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

// CeilTime は秒未満を切り上げてUTCの秒精度に丸める。
// 保存値は秒精度のため、「tより前」は「CeilTime(t)より前」と同値になる。
func CeilTime(t time.Time) time.Time {
	truncated := TruncateTime(t)
	if truncated.Equal(t) {
		return truncated
	}
	return truncated.Add(time.Second)
}
