package badgerstore

import (
	"encoding/binary"
	"math"
	"time"
)

// BadgerDB上のレコード種別ごとのキー接頭辞。
const (
	prefixEvent   = "e:" // イベント本体: e:<id>
	prefixVersion = "v:" // 一意性の要: v:<aggregate_type><aggregate_id><version> -> id
	prefixType    = "y:" // タイプ索引: y:<event_type><occurred_at><id>
	prefixTime    = "t:" // 日時索引: t:<occurred_at><id>
	sequenceKey   = "s:event_id"
)

// appendString は長さ付きで文字列を追加する。接頭辞検索で別の値と衝突しないようにする。
func appendString(key []byte, s string) []byte {
	key = binary.BigEndian.AppendUint16(key, uint16(len(s)))
	return append(key, s...)
}

// appendInt は符号付き整数を辞書順と数値順が一致する形式で追加する。
func appendInt(key []byte, v int64) []byte {
	return binary.BigEndian.AppendUint64(key, uint64(v)^(1<<63))
}

// decodeInt はappendIntで追加した整数を読み取る。
func decodeInt(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b) ^ (1 << 63))
}

// eventKey はイベント本体のキー。
func eventKey(id int64) []byte {
	return appendInt([]byte(prefixEvent), id)
}

// streamPrefix はAggregateのバージョンキーの接頭辞。
func streamPrefix(aggregateID, aggregateType string) []byte {
	key := appendString([]byte(prefixVersion), aggregateType)
	return appendString(key, aggregateID)
}

// versionKey はAggregateとバージョンの組に対応するキー。
func versionKey(aggregateID, aggregateType string, version int64) []byte {
	return appendInt(streamPrefix(aggregateID, aggregateType), version)
}

// typePrefix はイベントタイプ索引の接頭辞。
func typePrefix(eventType string) []byte {
	return appendString([]byte(prefixType), eventType)
}

// typeKey はイベントタイプ索引のキー。
func typeKey(eventType string, occurredAt time.Time, id int64) []byte {
	return appendInt(appendInt(typePrefix(eventType), occurredAt.Unix()), id)
}

// timeKey は日時索引のキー。
func timeKey(occurredAt time.Time, id int64) []byte {
	return appendInt(appendInt([]byte(prefixTime), occurredAt.Unix()), id)
}

// idSuffix は索引キーの末尾8バイトからイベントIDを読み取る。
func idSuffix(key []byte) int64 {
	return decodeInt(key[len(key)-8:])
}

// seekBound は接頭辞に発生日時の下限を付けたシーク位置を返す。
// 下限がゼロ値の場合は接頭辞そのもの。
func seekBound(prefix []byte, after time.Time) []byte {
	if after.IsZero() {
		return prefix
	}
	seek := make([]byte, len(prefix), len(prefix)+16)
	copy(seek, prefix)
	return appendInt(appendInt(seek, after.Unix()), math.MaxInt64)
}
