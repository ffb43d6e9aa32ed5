// Package event はEvent Storeが扱うドメインイベントの型と、その生成・検証・
// デシリアライズのヘルパーを提供する。
//
// イベントは (AggregateID, AggregateType, Version) の組で一意に識別され、
// 一度永続化されたら変更も削除もされない（append-only）。
// ストアの実装やクライアントは、このパッケージのセンチネルエラーを
// errors.Is で判定して分岐する。
package event
