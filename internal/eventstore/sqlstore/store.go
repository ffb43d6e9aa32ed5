package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	// 対応するドライバをdatabase/sqlに登録する
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/nao1215/eventstore/pkg/event"
	"github.com/nao1215/eventstore/pkg/migration"
)

//go:embed migrations
var migrationsFS embed.FS

// Store はSQLデータベースに永続化するイベントストア。
// 保持する状態は渡されたコネクションプールのみで、複数のゴルーチンから安全に使用できる。
type Store struct {
	// db はデータベース接続プール。
	db *sql.DB
	// dialect はデータベースごとの差異。
	dialect Dialect
	// now は現在時刻を返す関数。OccurredAt未指定時の補完に使用する。
	now func() time.Time
	// migrated はMigrateが成功したか。Pingでテーブルの確認を行うかに使用する。
	migrated atomic.Bool
}

// Option はStoreの設定を変更する。
type Option func(*Store)

// WithClock は現在時刻の取得方法を差し替える。テストで使用する。
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New は既存のデータベース接続からStoreを生成する。スキーマは作成しない。
func New(db *sql.DB, dialect Dialect, opts ...Option) *Store {
	s := &Store{
		db:      db,
		dialect: dialect,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open はデータベースに接続し、マイグレーションを適用したStoreを返す。
// driverには"sqlite"または"postgres"を指定する。
func Open(ctx context.Context, driver, dsn string, opts ...Option) (*Store, error) {
	dialect, err := DialectFor(driver)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(dialect.DriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	if dialect.Name == SQLite.Name && isMemoryDSN(dsn) {
		// インメモリDBは接続ごとに別のDBになるため1接続に固定する
		db.SetMaxOpenConns(1)
	}

	s := New(db, dialect, opts...)
	if err := s.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	log.Printf("[EventStore] %sストアを初期化しました", dialect.Name)
	return s, nil
}

// isMemoryDSN はSQLiteのインメモリDBを指すDSNかを判定する。
func isMemoryDSN(dsn string) bool {
	return strings.HasPrefix(dsn, ":memory:") || strings.Contains(dsn, "mode=memory")
}

// Migrate はeventsテーブルとインデックスを作成する。何度呼んでもよい。
func (s *Store) Migrate(ctx context.Context) error {
	if err := migration.Run(ctx, s.db, migrationsFS, s.dialect.migrationsDir, s.dialect.placeholder); err != nil {
		return s.translate(err, "スキーマの適用に失敗", nil)
	}
	s.migrated.Store(true)
	return nil
}

// Ping はデータベースに到達できるかを確認する。
// スキーマ適用後はeventsテーブルが参照できることも確認する。
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("データベースへの疎通確認に失敗: %w", event.Unavailable(err))
	}
	if !s.migrated.Load() {
		return nil
	}
	var one int
	err := s.db.QueryRowContext(ctx, pingEvents).Scan(&one)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return s.translate(err, "eventsテーブルの疎通確認に失敗", nil)
	}
	return nil
}

// Close はデータベース接続を閉じる。
func (s *Store) Close() error {
	return s.db.Close()
}

// Append はイベントを追記し、採番されたIDを設定したイベントを返す。
// 同じAggregateとバージョンのイベントが既に存在する場合はErrVersionConflictを返す。
// 一意性の判定と挿入は1つのINSERT文で行われ、ユニークインデックスが競合を検出する。
func (s *Store) Append(ctx context.Context, e *event.Event) (*event.Event, error) {
	prepared, err := e.PrepareForAppend(s.now())
	if err != nil {
		return nil, err
	}

	var metadata sql.NullString
	if prepared.HasMetadata() {
		metadata = sql.NullString{String: string(prepared.Metadata), Valid: true}
	}

	err = s.db.QueryRowContext(ctx, s.dialect.rebind(insertEvent),
		prepared.EventType,
		prepared.AggregateID,
		prepared.AggregateType,
		string(prepared.Payload),
		metadata,
		prepared.Version,
		formatTime(prepared.OccurredAt),
	).Scan(&prepared.ID)
	if err != nil {
		return nil, s.translate(err, "イベントの追記に失敗", prepared)
	}
	return prepared, nil
}

// FindByID はIDに一致するイベントを返す。存在しない場合はErrNotFoundを返す。
func (s *Store) FindByID(ctx context.Context, id int64) (*event.Event, error) {
	e, err := scanEvent(s.db.QueryRowContext(ctx, s.dialect.rebind(selectEventByID), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("id=%d: %w", id, event.ErrNotFound)
	}
	if err != nil {
		return nil, s.translate(err, "イベントの取得に失敗", nil)
	}
	return e, nil
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
	var version int64
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(selectLatestVersion), aggregateID, aggregateType).Scan(&version)
	if err != nil {
		return 0, s.translate(err, "最新バージョンの取得に失敗", nil)
	}
	return version, nil
}

// Query はFilterに一致するイベントを返す。該当がなければ空のスライスを返す。
func (s *Store) Query(ctx context.Context, f event.Filter) ([]*event.Event, error) {
	query, args, err := buildSelect(f)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, s.translate(err, "イベントの検索に失敗", nil)
	}
	defer func() { _ = rows.Close() }()

	events := make([]*event.Event, 0)
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("イベント行の読み取りに失敗: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, s.translate(err, "イベントの検索に失敗", nil)
	}
	return events, nil
}
