package event

import (
	"fmt"
	"sort"
)

// Matches はイベントがFilterの絞り込み条件を満たすかを返す。
// 並び替えと件数の上限は考慮しない。
func (f Filter) Matches(e *Event) bool {
	if f.AggregateID != "" && e.AggregateID != f.AggregateID {
		return false
	}
	if f.AggregateType != "" && e.AggregateType != f.AggregateType {
		return false
	}
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	if !f.After.IsZero() && !e.OccurredAt.After(TruncateTime(f.After)) {
		return false
	}
	if !f.Before.IsZero() && !e.OccurredAt.Before(CeilTime(f.Before)) {
		return false
	}
	if f.AfterID > 0 && e.ID <= f.AfterID {
		return false
	}
	return true
}

// Apply はイベント列をFilterの並び順に並べ替え、件数の上限を適用する。
// 絞り込みは行わないため、事前にMatchesで選別しておくこと。
func (f Filter) Apply(events []*Event) ([]*Event, error) {
	less, err := f.less()
	if err != nil {
		return nil, err
	}
	sort.SliceStable(events, func(i, j int) bool {
		if f.Descending {
			return less(events[j], events[i])
		}
		return less(events[i], events[j])
	})
	if f.Limit > 0 && len(events) > f.Limit {
		events = events[:f.Limit]
	}
	return events, nil
}

// less は昇順の比較関数を返す。同値の場合は常にIDで比較する。
func (f Filter) less() (func(a, b *Event) bool, error) {
	switch f.OrderField() {
	case OrderByID:
		return func(a, b *Event) bool { return a.ID < b.ID }, nil
	case OrderByOccurredAt:
		return func(a, b *Event) bool {
			if !a.OccurredAt.Equal(b.OccurredAt) {
				return a.OccurredAt.Before(b.OccurredAt)
			}
			return a.ID < b.ID
		}, nil
	case OrderByVersion:
		return func(a, b *Event) bool {
			if a.Version != b.Version {
				return a.Version < b.Version
			}
			if !a.OccurredAt.Equal(b.OccurredAt) {
				return a.OccurredAt.Before(b.OccurredAt)
			}
			return a.ID < b.ID
		}, nil
	default:
		return nil, &ValidationError{Field: "order_by", Reason: fmt.Sprintf("未対応の並び替えキーです: %q", f.OrderBy)}
	}
}

// ParseOrderField は文字列を並び替えキーに変換する。空文字列はOrderByID。
func ParseOrderField(s string) (OrderField, error) {
	switch OrderField(s) {
	case "", OrderByID:
		return OrderByID, nil
	case OrderByOccurredAt:
		return OrderByOccurredAt, nil
	case OrderByVersion:
		return OrderByVersion, nil
	default:
		return "", &ValidationError{Field: "order_by", Reason: fmt.Sprintf("未対応の並び替えキーです: %q", s)}
	}
}
