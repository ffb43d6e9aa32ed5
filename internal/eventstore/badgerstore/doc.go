// Package badgerstore はBadgerDBを永続化先とする組み込み型のイベントストアを提供する。
//
// 同じAggregateとバージョンへの並行追記は、BadgerDBのトランザクションが
// 読み取ったバージョンキーの書き込み競合（badger.ErrConflict）として検出する。
// 検出はコミット時にストレージエンジンが行うため、読み取りと書き込みの間に
// 別の追記が割り込むことはない。
package badgerstore
