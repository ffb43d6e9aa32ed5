package sqlstore

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/nao1215/eventstore/pkg/event"
)

// setupMockStore はsqlmockを使ったPostgreSQL方言のStoreを構築するヘルパー関数。
func setupMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmockの生成に失敗: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	return New(db, Postgres, WithClock(func() time.Time { return baseTime })), mock
}

// eventRowColumns はSELECT結果の列名。
var eventRowColumns = []string{"id", "event_type", "aggregate_id", "aggregate_type", "payload", "metadata", "version", "occurred_at"}

// TestPostgresAppend はPostgreSQL方言での追記を検証する。
func TestPostgresAppend(t *testing.T) {
	t.Parallel()

	insertPattern := regexp.QuoteMeta(`INSERT INTO events (event_type, aggregate_id, aggregate_type, payload, metadata, version, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING id`)

	t.Run("$形式のプレースホルダでINSERTし採番されたIDを返す", func(t *testing.T) {
		t.Parallel()

		s, mock := setupMockStore(t)
		mock.ExpectQuery(insertPattern).
			WithArgs("OrderCreated", "order-1", "Order", `{"total":0}`, sqlmock.AnyArg(), int64(1), "2025-10-05 20:28:41").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))

		stored, err := s.Append(context.Background(), newOrderCreated())
		if err != nil {
			t.Fatalf("Append()でエラーが発生: %v", err)
		}
		if stored.ID != 42 {
			t.Errorf("ID = %d; 期待値 = 42", stored.ID)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("期待したクエリが実行されていない: %v", err)
		}
	})

	tests := []struct {
		name   string
		dbErr  error
		target error
		not    error
	}{
		{
			name:   "unique_violationはErrVersionConflictになる",
			dbErr:  &pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"},
			target: event.ErrVersionConflict,
			not:    event.ErrStorageUnavailable,
		},
		{
			name:   "connection_exceptionはErrStorageUnavailableになる",
			dbErr:  &pq.Error{Code: "08006", Message: "connection failure"},
			target: event.ErrStorageUnavailable,
			not:    event.ErrVersionConflict,
		},
		{
			name:   "admin_shutdownはErrStorageUnavailableになる",
			dbErr:  &pq.Error{Code: "57P01", Message: "terminating connection"},
			target: event.ErrStorageUnavailable,
			not:    event.ErrVersionConflict,
		},
		{
			name:   "ネットワークエラーはErrStorageUnavailableになる",
			dbErr:  &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")},
			target: event.ErrStorageUnavailable,
			not:    event.ErrVersionConflict,
		},
		{
			name:   "check_violationはErrValidationになる",
			dbErr:  &pq.Error{Code: "23514", Message: "violates check constraint"},
			target: event.ErrValidation,
			not:    event.ErrVersionConflict,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			s, mock := setupMockStore(t)
			mock.ExpectQuery(insertPattern).WillReturnError(tc.dbErr)

			_, err := s.Append(context.Background(), newOrderCreated())
			if !errors.Is(err, tc.target) {
				t.Fatalf("Append() = %v; %vであるべき", err, tc.target)
			}
			if errors.Is(err, tc.not) {
				t.Errorf("Append() = %v; %vと区別されるべき", err, tc.not)
			}
		})
	}
}

// TestPostgresQueries はPostgreSQL方言での読み取りを検証する。
func TestPostgresQueries(t *testing.T) {
	t.Parallel()

	t.Run("Aggregate単位の取得はバージョン順のクエリを発行する", func(t *testing.T) {
		t.Parallel()

		s, mock := setupMockStore(t)
		pattern := regexp.QuoteMeta(`SELECT ` + eventColumns + ` FROM events WHERE aggregate_id = $1 AND aggregate_type = $2 ORDER BY version ASC, occurred_at ASC, id ASC`)
		mock.ExpectQuery(pattern).
			WithArgs("order-1", "Order").
			WillReturnRows(sqlmock.NewRows(eventRowColumns).
				AddRow(int64(1), "OrderCreated", "order-1", "Order", []byte(`{"total":0}`), nil, int64(1), baseTime).
				AddRow(int64(2), "OrderItemAdded", "order-1", "Order", []byte(`{"item":"x"}`), []byte(`{"src":"test"}`), int64(2), baseTime))

		events, err := s.FindByAggregate(context.Background(), "order-1", "Order")
		if err != nil {
			t.Fatalf("FindByAggregate()でエラーが発生: %v", err)
		}
		if len(events) != 2 {
			t.Fatalf("イベント数 = %d; 期待値 = 2", len(events))
		}
		if events[0].HasMetadata() {
			t.Errorf("1件目のMetadata = %s; 未設定であるべき", events[0].Metadata)
		}
		if string(events[1].Metadata) != `{"src":"test"}` {
			t.Errorf("2件目のMetadata = %s", events[1].Metadata)
		}
		if !events[1].OccurredAt.Equal(baseTime) {
			t.Errorf("OccurredAt = %v; 期待値 = %v", events[1].OccurredAt, baseTime)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("期待したクエリが実行されていない: %v", err)
		}
	})

	t.Run("タイプと日時の絞り込みは境界を含まない比較を発行する", func(t *testing.T) {
		t.Parallel()

		s, mock := setupMockStore(t)
		pattern := regexp.QuoteMeta(`WHERE event_type = $1 AND occurred_at < $2 ORDER BY occurred_at DESC, id DESC`)
		mock.ExpectQuery(pattern).
			WithArgs("Paid", "2025-10-05 20:28:41").
			WillReturnRows(sqlmock.NewRows(eventRowColumns))

		events, err := s.FindEventsByTypeBefore(context.Background(), "Paid", baseTime)
		if err != nil {
			t.Fatalf("FindEventsByTypeBefore()でエラーが発生: %v", err)
		}
		if events == nil || len(events) != 0 {
			t.Errorf("イベント = %v; 空のスライスであるべき", events)
		}
	})

	t.Run("最新バージョンの取得", func(t *testing.T) {
		t.Parallel()

		s, mock := setupMockStore(t)
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT COALESCE(MAX(version), 0) FROM events`)).
			WithArgs("order-1", "Order").
			WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(int64(7)))

		got, err := s.GetLatestVersion(context.Background(), "order-1", "Order")
		if err != nil {
			t.Fatalf("GetLatestVersion()でエラーが発生: %v", err)
		}
		if got != 7 {
			t.Errorf("最新バージョン = %d; 期待値 = 7", got)
		}
	})

	t.Run("LIMITもプレースホルダで渡される", func(t *testing.T) {
		t.Parallel()

		s, mock := setupMockStore(t)
		pattern := regexp.QuoteMeta(`WHERE id > $1 ORDER BY id ASC LIMIT $2`)
		mock.ExpectQuery(pattern).
			WithArgs(int64(10), 5).
			WillReturnRows(sqlmock.NewRows(eventRowColumns))

		if _, err := s.Query(context.Background(), event.Filter{AfterID: 10, Limit: 5}); err != nil {
			t.Fatalf("Query()でエラーが発生: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("期待したクエリが実行されていない: %v", err)
		}
	})
}

// newOrderCreated はテスト用のOrderCreatedイベントを返す。
func newOrderCreated() *event.Event {
	return &event.Event{
		EventType:     "OrderCreated",
		AggregateID:   "order-1",
		AggregateType: "Order",
		Payload:       json.RawMessage(`{"total":0}`),
		Version:       1,
	}
}

// TestRebind はプレースホルダの書き換えを検証する。
func TestRebind(t *testing.T) {
	t.Parallel()

	query := "SELECT * FROM events WHERE a = ? AND b = ? LIMIT ?"
	if got := SQLite.rebind(query); got != query {
		t.Errorf("SQLite.rebind() = %q; 変更されないべき", got)
	}
	if got, want := Postgres.rebind(query), "SELECT * FROM events WHERE a = $1 AND b = $2 LIMIT $3"; got != want {
		t.Errorf("Postgres.rebind() = %q; 期待値 = %q", got, want)
	}
}

// TestDialectFor は方言の解決を検証する。
func TestDialectFor(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"sqlite", "SQLite3", "postgres", "postgresql"} {
		if _, err := DialectFor(name); err != nil {
			t.Errorf("DialectFor(%q)でエラーが発生: %v", name, err)
		}
	}
	if _, err := DialectFor("mysql"); err == nil {
		t.Error("DialectFor(\"mysql\")がエラーを返すべき")
	}
}

// TestTimestampScan はoccurred_at列の読み取りを検証する。
func TestTimestampScan(t *testing.T) {
	t.Parallel()

	want := time.Date(2025, 10, 5, 20, 28, 41, 0, time.UTC)
	inputs := []any{
		want.In(time.FixedZone("JST", 9*60*60)),
		"2025-10-05 20:28:41",
		[]byte("2025-10-05T20:28:41Z"),
		"2025-10-05 20:28:41+00:00",
		want.Unix(),
	}
	for _, in := range inputs {
		var ts timestamp
		if err := ts.Scan(in); err != nil {
			t.Errorf("Scan(%v)でエラーが発生: %v", in, err)
			continue
		}
		if !ts.time.Equal(want) || ts.time.Location() != time.UTC {
			t.Errorf("Scan(%v) = %v; 期待値 = %v", in, ts.time, want)
		}
	}

	var ts timestamp
	if err := ts.Scan(3.14); err == nil {
		t.Error("未対応の型でエラーが返るべき")
	}
	if err := ts.Scan("yesterday"); err == nil {
		t.Error("不正な形式でエラーが返るべき")
	}
}
