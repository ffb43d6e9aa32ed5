package httpclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/nao1215/eventstore/pkg/event"
)

// EventStoreClient はEvent StoreのHTTP APIを呼び出す型付きクライアント。
// サーバー側のStoreと同じメソッドを持ち、HTTPステータスをイベントストアのエラーに変換する。
type EventStoreClient struct {
	client *Client
}

// NewEventStoreClient はEvent Store用のクライアントを生成する。
func NewEventStoreClient(baseURL string, opts ...Option) *EventStoreClient {
	return &EventStoreClient{client: New(baseURL, opts...)}
}

// appendRequest はイベント追記リクエストのJSON構造。
type appendRequest struct {
	EventType     string          `json:"event_type"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	Payload       json.RawMessage `json:"payload"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	Version       int64           `json:"version"`
	OccurredAt    *time.Time      `json:"occurred_at,omitempty"`
}

// versionResponse は最新バージョン取得のレスポンス。
type versionResponse struct {
	Version int64 `json:"version"`
}

// Append はイベントを追記し、サーバーが採番したIDを含むイベントを返す。
func (c *EventStoreClient) Append(ctx context.Context, e *event.Event) (*event.Event, error) {
	if e == nil {
		return nil, &event.ValidationError{Field: "event", Reason: "イベントがnilです"}
	}
	if e.ID != 0 {
		return nil, &event.ValidationError{Field: "id", Reason: "IDはストアが採番するため指定できません"}
	}
	for field, raw := range map[string]json.RawMessage{"payload": e.Payload, "metadata": e.Metadata} {
		// 不正なJSONは送信時のシリアライズに失敗するため、送信前に検証エラーとして返す
		if len(raw) > 0 && !json.Valid(raw) {
			return nil, &event.ValidationError{Field: field, Reason: "JSONとして不正です"}
		}
	}

	req := appendRequest{
		EventType:     e.EventType,
		AggregateID:   e.AggregateID,
		AggregateType: e.AggregateType,
		Payload:       e.Payload,
		Metadata:      e.Metadata,
		Version:       e.Version,
	}
	if !e.OccurredAt.IsZero() {
		at := e.OccurredAt
		req.OccurredAt = &at
	}

	var stored event.Event
	if err := c.client.PostJSON(ctx, "/api/v1/events", req, &stored); err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Status == http.StatusConflict {
			return nil, event.NewVersionConflict(e)
		}
		return nil, translate(ctx, err)
	}
	return &stored, nil
}

// FindByID はIDに一致するイベントを返す。
func (c *EventStoreClient) FindByID(ctx context.Context, id int64) (*event.Event, error) {
	var e event.Event
	if err := c.client.GetJSON(ctx, "/api/v1/events/"+strconv.FormatInt(id, 10), &e); err != nil {
		return nil, translate(ctx, err)
	}
	return &e, nil
}

// FindByAggregate はAggregateのイベントをバージョン昇順で返す。
func (c *EventStoreClient) FindByAggregate(ctx context.Context, aggregateID, aggregateType string) ([]*event.Event, error) {
	return c.list(ctx, aggregatePath(aggregateID, aggregateType, "events"), nil)
}

// FindByEventType はイベントタイプに一致するイベントを新しい順に返す。
func (c *EventStoreClient) FindByEventType(ctx context.Context, eventType string) ([]*event.Event, error) {
	return c.list(ctx, eventTypePath(eventType), nil)
}

// FindEventsAfter はatより後に発生したイベントを古い順に返す。
func (c *EventStoreClient) FindEventsAfter(ctx context.Context, at time.Time) ([]*event.Event, error) {
	return c.list(ctx, "/api/v1/events/after", url.Values{"at": {formatTime(at)}})
}

// FindEventsBefore はatより前に発生したイベントを新しい順に返す。
func (c *EventStoreClient) FindEventsBefore(ctx context.Context, at time.Time) ([]*event.Event, error) {
	return c.list(ctx, "/api/v1/events/before", url.Values{"at": {formatTime(at)}})
}

// FindEventsByTypeAfter はイベントタイプが一致し、atより後に発生したイベントを古い順に返す。
func (c *EventStoreClient) FindEventsByTypeAfter(ctx context.Context, eventType string, at time.Time) ([]*event.Event, error) {
	return c.list(ctx, eventTypePath(eventType), url.Values{"after": {formatTime(at)}})
}

// FindEventsByTypeBefore はイベントタイプが一致し、atより前に発生したイベントを新しい順に返す。
func (c *EventStoreClient) FindEventsByTypeBefore(ctx context.Context, eventType string, at time.Time) ([]*event.Event, error) {
	return c.list(ctx, eventTypePath(eventType), url.Values{"before": {formatTime(at)}})
}

// GetLatestVersion はAggregateの最大バージョンを返す。イベントがなければ0。
func (c *EventStoreClient) GetLatestVersion(ctx context.Context, aggregateID, aggregateType string) (int64, error) {
	var resp versionResponse
	if err := c.client.GetJSON(ctx, aggregatePath(aggregateID, aggregateType, "version"), &resp); err != nil {
		return 0, translate(ctx, err)
	}
	return resp.Version, nil
}

// Query はFilterに一致するイベントを返す。
func (c *EventStoreClient) Query(ctx context.Context, f event.Filter) ([]*event.Event, error) {
	q := url.Values{}
	setIfNotEmpty(q, "aggregate_id", f.AggregateID)
	setIfNotEmpty(q, "aggregate_type", f.AggregateType)
	setIfNotEmpty(q, "event_type", f.EventType)
	if !f.After.IsZero() {
		q.Set("after", formatTime(f.After))
	}
	if !f.Before.IsZero() {
		q.Set("before", formatTime(f.Before))
	}
	if f.AfterID > 0 {
		q.Set("after_id", strconv.FormatInt(f.AfterID, 10))
	}
	setIfNotEmpty(q, "order_by", string(f.OrderBy))
	if f.Descending {
		q.Set("order", "desc")
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	return c.list(ctx, "/api/v1/events", q)
}

// Ping はEvent Storeのヘルスチェックを呼び出す。
func (c *EventStoreClient) Ping(ctx context.Context) error {
	if err := c.client.GetJSON(ctx, "/health", nil); err != nil {
		return translate(ctx, err)
	}
	return nil
}

// list はイベントの配列を返すエンドポイントを呼び出す。
func (c *EventStoreClient) list(ctx context.Context, path string, q url.Values) ([]*event.Event, error) {
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	events := make([]*event.Event, 0)
	if err := c.client.GetJSON(ctx, path, &events); err != nil {
		return nil, translate(ctx, err)
	}
	return events, nil
}

// translate はHTTPのエラーをイベントストアのエラーに変換する。
// コンテキストのキャンセルはそのまま返す。
func translate(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	var se *StatusError
	if !errors.As(err, &se) {
		// 接続できない場合はストレージ障害として扱う
		return event.Unavailable(err)
	}

	switch se.Status {
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", event.ErrVersionConflict, se.Message)
	case http.StatusBadRequest:
		return &event.ValidationError{Field: se.Field, Reason: se.Message}
	case http.StatusNotFound:
		return fmt.Errorf("%s: %w", se.Message, event.ErrNotFound)
	case http.StatusServiceUnavailable:
		return event.Unavailable(se)
	default:
		return se
	}
}

// aggregatePath はAggregate配下のリソースのパスを返す。
func aggregatePath(aggregateID, aggregateType, resource string) string {
	return fmt.Sprintf("/api/v1/aggregates/%s/%s/%s",
		url.PathEscape(aggregateType), url.PathEscape(aggregateID), resource)
}

// eventTypePath はイベントタイプ別のイベント一覧のパスを返す。
func eventTypePath(eventType string) string {
	return "/api/v1/event-types/" + url.PathEscape(eventType) + "/events"
}

// formatTime はクエリパラメータ用に日時をRFC3339形式にする。
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func setIfNotEmpty(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}
