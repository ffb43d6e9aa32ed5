package eventstore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/nao1215/eventstore/pkg/event"
)

// Store はイベントの追記と参照を提供する。
// sqlstore.Store、badgerstore.Store、httpclient.EventStoreClientが実装する。
type Store interface {
	// Append はイベントを検証して追記し、採番されたIDを設定したイベントを返す。
	Append(ctx context.Context, e *event.Event) (*event.Event, error)
	// FindByID はIDに一致するイベントを返す。存在しなければErrNotFound。
	FindByID(ctx context.Context, id int64) (*event.Event, error)
	// FindByAggregate はAggregateのイベントをバージョン昇順で返す。
	FindByAggregate(ctx context.Context, aggregateID, aggregateType string) ([]*event.Event, error)
	// FindByEventType はイベントタイプに一致するイベントを新しい順に返す。
	FindByEventType(ctx context.Context, eventType string) ([]*event.Event, error)
	// FindEventsAfter はatより後に発生したイベントを古い順に返す。
	FindEventsAfter(ctx context.Context, at time.Time) ([]*event.Event, error)
	// FindEventsBefore はatより前に発生したイベントを新しい順に返す。
	FindEventsBefore(ctx context.Context, at time.Time) ([]*event.Event, error)
	// FindEventsByTypeAfter はイベントタイプが一致し、atより後に発生したイベントを古い順に返す。
	FindEventsByTypeAfter(ctx context.Context, eventType string, at time.Time) ([]*event.Event, error)
	// FindEventsByTypeBefore はイベントタイプが一致し、atより前に発生したイベントを新しい順に返す。
	FindEventsByTypeBefore(ctx context.Context, eventType string, at time.Time) ([]*event.Event, error)
	// GetLatestVersion はAggregateの最大バージョンを返す。イベントがなければ0。
	GetLatestVersion(ctx context.Context, aggregateID, aggregateType string) (int64, error)
	// Query はFilterに一致するイベントを返す。
	Query(ctx context.Context, f event.Filter) ([]*event.Event, error)
}

// Pinger は永続化先の疎通確認を提供する。ヘルスチェックで使用する。
type Pinger interface {
	Ping(ctx context.Context) error
}

// DefaultMaxAttempts はAppendNextの試行回数のデフォルト値。
const DefaultMaxAttempts = 5

// BuildFunc は次のバージョン番号を受け取り、追記するイベントを組み立てる。
type BuildFunc func(next int64) (*event.Event, error)

// AppendNext はAggregateの最新バージョンの次の番号でイベントを追記する。
// ErrVersionConflictの場合のみ最新バージョンを取得し直して再試行し、
// それ以外のエラーは即座に返す。maxAttemptsが0以下ならDefaultMaxAttempts。
// 組み立てたイベントのAggregateとバージョンは引数の値で上書きする。
func AppendNext(ctx context.Context, s Store, aggregateID, aggregateType string, build BuildFunc, maxAttempts int) (*event.Event, error) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		latest, err := s.GetLatestVersion(ctx, aggregateID, aggregateType)
		if err != nil {
			return nil, fmt.Errorf("最新バージョンの取得に失敗: %w", err)
		}

		next := latest + 1
		e, err := build(next)
		if err != nil {
			return nil, err
		}
		if e == nil {
			return nil, &event.ValidationError{Field: "event", Reason: "イベントがnilです"}
		}
		e.AggregateID = aggregateID
		e.AggregateType = aggregateType
		e.Version = next

		stored, err := s.Append(ctx, e)
		if err == nil {
			return stored, nil
		}
		if !errors.Is(err, event.ErrVersionConflict) {
			return nil, err
		}

		lastErr = err
		log.Printf("[EventStore] バージョンが競合したため再試行します: aggregate=%s/%s, version=%d, attempt=%d/%d",
			aggregateType, aggregateID, next, attempt, maxAttempts)
	}
	return nil, fmt.Errorf("%d回の試行で追記できませんでした: %w", maxAttempts, lastErr)
}
