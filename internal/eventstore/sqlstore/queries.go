package sqlstore

import (
	"fmt"
	"strings"

	"github.com/nao1215/eventstore/pkg/event"
)

const (
	// eventColumns はSELECTで取得する列。scanEventの引数順と一致させること。
	eventColumns = `id, event_type, aggregate_id, aggregate_type, payload, metadata, version, occurred_at`

	insertEvent = `INSERT INTO events (event_type, aggregate_id, aggregate_type, payload, metadata, version, occurred_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
RETURNING id`

	selectEventByID = `SELECT ` + eventColumns + ` FROM events WHERE id = ?`

	selectLatestVersion = `SELECT COALESCE(MAX(version), 0) FROM events
WHERE aggregate_id = ? AND aggregate_type = ?`

	// pingEvents はテーブルが参照可能かを確認する。
	pingEvents = `SELECT 1 FROM events LIMIT 1`
)

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

// scanEvent は1行をイベントに変換する。
func scanEvent(row rowScanner) (*event.Event, error) {
	var (
		e        event.Event
		payload  []byte
		metadata []byte
		occurred timestamp
	)
	if err := row.Scan(
		&e.ID,
		&e.EventType,
		&e.AggregateID,
		&e.AggregateType,
		&payload,
		&metadata,
		&e.Version,
		&occurred,
	); err != nil {
		return nil, err
	}

	e.Payload = payload
	if len(metadata) > 0 {
		e.Metadata = metadata
	}
	e.OccurredAt = occurred.time
	return &e, nil
}

// buildSelect はFilterからSELECT文とパラメータを組み立てる。
// プレースホルダは?で書き、呼び出し側で方言に合わせて書き換える。
func buildSelect(f event.Filter) (string, []any, error) {
	var (
		where []string
		args  []any
	)
	if f.AggregateID != "" {
		where = append(where, "aggregate_id = ?")
		args = append(args, f.AggregateID)
	}
	if f.AggregateType != "" {
		where = append(where, "aggregate_type = ?")
		args = append(args, f.AggregateType)
	}
	if f.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, f.EventType)
	}
	if !f.After.IsZero() {
		where = append(where, "occurred_at > ?")
		args = append(args, formatTime(f.After))
	}
	if !f.Before.IsZero() {
		where = append(where, "occurred_at < ?")
		args = append(args, formatTime(event.CeilTime(f.Before)))
	}
	if f.AfterID > 0 {
		where = append(where, "id > ?")
		args = append(args, f.AfterID)
	}

	orderBy, err := orderClause(f)
	if err != nil {
		return "", nil, err
	}

	var b strings.Builder
	b.WriteString("SELECT " + eventColumns + " FROM events")
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY " + orderBy)
	if f.Limit > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, f.Limit)
	}
	return b.String(), args, nil
}

// orderClause は並び替えキーと方向からORDER BY句を組み立てる。
// 同値の場合に結果が揺れないよう、常に最後にidを加える。
func orderClause(f event.Filter) (string, error) {
	dir := "ASC"
	if f.Descending {
		dir = "DESC"
	}

	switch f.OrderField() {
	case event.OrderByID:
		return "id " + dir, nil
	case event.OrderByOccurredAt:
		return fmt.Sprintf("occurred_at %[1]s, id %[1]s", dir), nil
	case event.OrderByVersion:
		return fmt.Sprintf("version %[1]s, occurred_at %[1]s, id %[1]s", dir), nil
	default:
		return "", &event.ValidationError{Field: "order_by", Reason: fmt.Sprintf("未対応の並び替えキーです: %q", f.OrderBy)}
	}
}
