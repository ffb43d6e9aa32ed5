// Package sqlstore はSQLデータベースを永続化先とするイベントストアを提供する。
//
// SQLite（modernc.org/sqlite）とPostgreSQL（github.com/lib/pq）に対応する。
// バージョンの一意性は (aggregate_id, aggregate_type, version) のユニーク
// インデックスでデータベース自身が保証し、アプリケーション側で
// 読み取ってから書き込むような判定は行わない。
package sqlstore
