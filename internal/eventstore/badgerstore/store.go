package badgerstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/nao1215/eventstore/pkg/event"
)

// sequenceBandwidth はIDの採番で一度に確保する数。
const sequenceBandwidth = 1000

// Store はBadgerDBに永続化するイベントストア。
type Store struct {
	db     *badger.DB
	seq    *badger.Sequence
	now    func() time.Time
	closed bool
	mu     sync.RWMutex
}

// Option はStoreの設定を変更する。
type Option func(*Store)

// WithClock は現在時刻の取得方法を差し替える。テストで使用する。
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Open は指定ディレクトリのBadgerDBを開く。dirが空の場合はインメモリで動作する。
func Open(dir string, opts ...Option) (*Store, error) {
	bopts := badger.DefaultOptions(dir)
	if dir == "" {
		bopts = bopts.WithInMemory(true)
	}
	bopts.Logger = nil

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("BadgerDBのオープンに失敗: %w", event.Unavailable(err))
	}

	seq, err := db.GetSequence([]byte(sequenceKey), sequenceBandwidth)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ID採番の初期化に失敗: %w", err)
	}

	s := &Store{db: db, seq: seq, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}

	log.Printf("[EventStore] badgerストアを初期化しました (dir=%q)", dir)
	return s, nil
}

// Close はID採番の予約を解放し、データベースを閉じる。
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if err := s.seq.Release(); err != nil {
		_ = s.db.Close()
		return fmt.Errorf("ID採番の解放に失敗: %w", err)
	}
	return s.db.Close()
}

// Ping はデータベースが利用可能かを確認する。
func (s *Store) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed || s.db.IsClosed() {
		return event.Unavailable(badger.ErrDBClosed)
	}
	return nil
}

// record はBadgerDBに保存するイベントの形式。
// ペイロードは受け取ったバイト列をそのまま返すため文字列として保持する。
type record struct {
	ID            int64   `json:"id"`
	EventType     string  `json:"event_type"`
	AggregateID   string  `json:"aggregate_id"`
	AggregateType string  `json:"aggregate_type"`
	Payload       string  `json:"payload"`
	Metadata      *string `json:"metadata,omitempty"`
	Version       int64   `json:"version"`
	OccurredAt    int64   `json:"occurred_at"`
}

// toRecord はイベントを保存形式に変換する。
func toRecord(e *event.Event) record {
	r := record{
		ID:            e.ID,
		EventType:     e.EventType,
		AggregateID:   e.AggregateID,
		AggregateType: e.AggregateType,
		Payload:       string(e.Payload),
		Version:       e.Version,
		OccurredAt:    e.OccurredAt.Unix(),
	}
	if e.HasMetadata() {
		md := string(e.Metadata)
		r.Metadata = &md
	}
	return r
}

// toEvent は保存形式をイベントに変換する。
func (r record) toEvent() *event.Event {
	e := &event.Event{
		ID:            r.ID,
		EventType:     r.EventType,
		AggregateID:   r.AggregateID,
		AggregateType: r.AggregateType,
		Payload:       json.RawMessage(r.Payload),
		Version:       r.Version,
		OccurredAt:    time.Unix(r.OccurredAt, 0).UTC(),
	}
	if r.Metadata != nil {
		e.Metadata = json.RawMessage(*r.Metadata)
	}
	return e
}

// Append はイベントを追記し、採番されたIDを設定したイベントを返す。
// バージョンキーの存在確認と書き込みは同一トランザクションで行い、
// 並行する追記とはコミット時の競合検出で1件だけが成功する。
func (s *Store) Append(ctx context.Context, e *event.Event) (*event.Event, error) {
	if err := s.Ping(ctx); err != nil {
		return nil, err
	}

	prepared, err := e.PrepareForAppend(s.now())
	if err != nil {
		return nil, err
	}

	id, err := s.seq.Next()
	if err != nil {
		return nil, fmt.Errorf("IDの採番に失敗: %w", event.Unavailable(err))
	}
	// Sequenceは0から始まるため、IDは1から振る
	prepared.ID = int64(id) + 1

	data, err := json.Marshal(toRecord(prepared))
	if err != nil {
		return nil, fmt.Errorf("イベントのシリアライズに失敗: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		vkey := versionKey(prepared.AggregateID, prepared.AggregateType, prepared.Version)
		if _, err := txn.Get(vkey); err == nil {
			return event.NewVersionConflict(prepared)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		if err := txn.Set(vkey, appendInt(nil, prepared.ID)); err != nil {
			return err
		}
		if err := txn.Set(eventKey(prepared.ID), data); err != nil {
			return err
		}
		if err := txn.Set(typeKey(prepared.EventType, prepared.OccurredAt, prepared.ID), nil); err != nil {
			return err
		}
		return txn.Set(timeKey(prepared.OccurredAt, prepared.ID), nil)
	})

	switch {
	case err == nil:
		return prepared, nil
	case errors.Is(err, event.ErrVersionConflict):
		return nil, err
	case errors.Is(err, badger.ErrConflict):
		return nil, event.NewVersionConflict(prepared)
	default:
		return nil, s.translate(err, "イベントの追記に失敗")
	}
}

// translate はBadgerDBのエラーをドメインのエラーに変換する。
func (s *Store) translate(err error, op string) error {
	if errors.Is(err, badger.ErrDBClosed) || errors.Is(err, badger.ErrBlockedWrites) {
		return fmt.Errorf("%s: %w", op, event.Unavailable(err))
	}
	return fmt.Errorf("%s: %w", op, err)
}

// FindByID はIDに一致するイベントを返す。存在しない場合はErrNotFoundを返す。
func (s *Store) FindByID(ctx context.Context, id int64) (*event.Event, error) {
	if err := s.Ping(ctx); err != nil {
		return nil, err
	}

	var found *event.Event
	err := s.db.View(func(txn *badger.Txn) error {
		e, err := loadEvent(txn, id)
		found = e
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("id=%d: %w", id, event.ErrNotFound)
	}
	if err != nil {
		return nil, s.translate(err, "イベントの取得に失敗")
	}
	return found, nil
}

// FindByAggregate はAggregateのイベントをバージョン昇順で返す。
func (s *Store) FindByAggregate(ctx context.Context, aggregateID, aggregateType string) ([]*event.Event, error) {
	return s.Query(ctx, event.StreamFilter(aggregateID, aggregateType))
}

// FindByEventType はイベントタイプに一致するイベントを新しい順に返す。
func (s *Store) FindByEventType(ctx context.Context, eventType string) ([]*event.Event, error) {
	return s.Query(ctx, event.TypeFilter(eventType))
}

// FindEventsAfter はatより後に発生したイベントを古い順に返す。
func (s *Store) FindEventsAfter(ctx context.Context, at time.Time) ([]*event.Event, error) {
	return s.Query(ctx, event.AfterFilter("", at))
}

// FindEventsBefore はatより前に発生したイベントを新しい順に返す。
func (s *Store) FindEventsBefore(ctx context.Context, at time.Time) ([]*event.Event, error) {
	return s.Query(ctx, event.BeforeFilter("", at))
}

// FindEventsByTypeAfter はイベントタイプが一致し、atより後に発生したイベントを古い順に返す。
func (s *Store) FindEventsByTypeAfter(ctx context.Context, eventType string, at time.Time) ([]*event.Event, error) {
	return s.Query(ctx, event.AfterFilter(eventType, at))
}

// FindEventsByTypeBefore はイベントタイプが一致し、atより前に発生したイベントを新しい順に返す。
func (s *Store) FindEventsByTypeBefore(ctx context.Context, eventType string, at time.Time) ([]*event.Event, error) {
	return s.Query(ctx, event.BeforeFilter(eventType, at))
}

// GetLatestVersion はAggregateの最大バージョンを返す。イベントがなければ0を返す。
func (s *Store) GetLatestVersion(ctx context.Context, aggregateID, aggregateType string) (int64, error) {
	if err := s.Ping(ctx); err != nil {
		return 0, err
	}

	prefix := streamPrefix(aggregateID, aggregateType)
	var latest int64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		// 逆順イテレータは指定キー以下の最大のキーに位置付ける
		it.Seek(versionKey(aggregateID, aggregateType, 1<<63-1))
		if it.ValidForPrefix(prefix) {
			key := it.Item().Key()
			latest = decodeInt(key[len(key)-8:])
		}
		return nil
	})
	if err != nil {
		return 0, s.translate(err, "最新バージョンの取得に失敗")
	}
	return latest, nil
}

// Query はFilterに一致するイベントを返す。該当がなければ空のスライスを返す。
// 条件に応じて最も絞り込める索引で候補を集め、本体を読み出してから並べ替える。
func (s *Store) Query(ctx context.Context, f event.Filter) ([]*event.Event, error) {
	if err := s.Ping(ctx); err != nil {
		return nil, err
	}
	if _, err := event.ParseOrderField(string(f.OrderBy)); err != nil {
		return nil, err
	}

	events := make([]*event.Event, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		ids, err := candidates(ctx, txn, f)
		if err != nil {
			return err
		}
		for _, id := range ids {
			e, err := loadEvent(txn, id)
			if err != nil {
				return err
			}
			if f.Matches(e) {
				events = append(events, e)
			}
		}
		return nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, s.translate(err, "イベントの検索に失敗")
	}
	return f.Apply(events)
}

// loadEvent はIDに対応するイベント本体を読み出す。
func loadEvent(txn *badger.Txn, id int64) (*event.Event, error) {
	item, err := txn.Get(eventKey(id))
	if err != nil {
		return nil, err
	}
	var r record
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &r)
	}); err != nil {
		return nil, err
	}
	return r.toEvent(), nil
}

// candidates はFilterに一致し得るイベントのIDを索引から集める。
func candidates(ctx context.Context, txn *badger.Txn, f event.Filter) ([]int64, error) {
	switch {
	case f.AggregateID != "" && f.AggregateType != "":
		return scanIndex(ctx, txn, streamPrefix(f.AggregateID, f.AggregateType), nil, func(it *badger.Iterator) (int64, error) {
			var id int64
			err := it.Item().Value(func(val []byte) error {
				id = decodeInt(val)
				return nil
			})
			return id, err
		})
	case f.EventType != "":
		prefix := typePrefix(f.EventType)
		return scanIndex(ctx, txn, prefix, seekBound(prefix, event.TruncateTime(f.After)), keyID)
	case !f.After.IsZero() || !f.Before.IsZero():
		prefix := []byte(prefixTime)
		return scanIndex(ctx, txn, prefix, seekBound(prefix, event.TruncateTime(f.After)), keyID)
	default:
		prefix := []byte(prefixEvent)
		var seek []byte
		if f.AfterID > 0 {
			seek = eventKey(f.AfterID + 1)
		}
		return scanIndex(ctx, txn, prefix, seek, keyID)
	}
}

// keyID は索引キーの末尾からIDを読み取る。
func keyID(it *badger.Iterator) (int64, error) {
	return idSuffix(it.Item().Key()), nil
}

// scanIndex は接頭辞に一致するキーを走査し、各キーからIDを取り出す。
// seekがnilでなければその位置から走査を始める。
func scanIndex(ctx context.Context, txn *badger.Txn, prefix, seek []byte, id func(*badger.Iterator) (int64, error)) ([]int64, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	if seek == nil || !bytes.HasPrefix(seek, prefix) {
		seek = prefix
	}

	var ids []int64
	for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		v, err := id(it)
		if err != nil {
			return nil, err
		}
		ids = append(ids, v)
	}
	return ids, nil
}
