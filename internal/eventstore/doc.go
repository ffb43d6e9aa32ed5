// Package eventstore は追記専用のイベントストアサービスを提供する。
//
// Event Sourcingの中核となるサービスで、状態変更をイベントとして永続化する。
// イベントは不変（immutable）であり、追記のみ（append-only）で運用される。
// 同じAggregateとバージョンの組はストレージの一意制約で1件に限られ、
// 楽観的排他制御の競合はErrVersionConflictとして呼び出し側に返る。
//
// 主な機能:
//   - イベントの追記（Append、AppendNext）
//   - Aggregateによるイベント取得（状態再構築用）
//   - イベントタイプによるイベント取得（Saga購読用）
//   - 日時指定によるイベント取得（Read Model増分更新用）
//   - 条件指定とIDカーソルによる検索（Query）
//
// 永続化先はsqlstore（SQLite、PostgreSQL）とbadgerstore（BadgerDB）から選択する。
package eventstore
