package sqlstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"github.com/nao1215/eventstore/pkg/event"
	"github.com/nao1215/eventstore/pkg/migration"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Dialect はデータベースごとの差異（ドライバ名、プレースホルダ、
// マイグレーション、エラーコードの解釈）をまとめたもの。
type Dialect struct {
	// Name は設定ファイルで指定する名前。
	Name string
	// DriverName はdatabase/sqlに登録されたドライバ名。
	DriverName string
	// placeholder はバインドパラメータの表記。
	placeholder migration.Placeholder
	// migrationsDir はembedされたマイグレーションのディレクトリ。
	migrationsDir string
	// classify はドライバ固有のエラーをドメインのエラーに変換する。
	// 対応するものがなければnilを返す。
	classify func(err error) error
}

var (
	// SQLite はmodernc.org/sqliteを使用する方言。
	SQLite = Dialect{
		Name:          "sqlite",
		DriverName:    "sqlite",
		placeholder:   migration.Question,
		migrationsDir: "migrations/sqlite",
		classify:      classifySQLite,
	}
	// Postgres はgithub.com/lib/pqを使用する方言。
	Postgres = Dialect{
		Name:          "postgres",
		DriverName:    "postgres",
		placeholder:   migration.Dollar,
		migrationsDir: "migrations/postgres",
		classify:      classifyPostgres,
	}
)

// DialectFor は名前に対応する方言を返す。
func DialectFor(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "sqlite", "sqlite3":
		return SQLite, nil
	case "postgres", "postgresql":
		return Postgres, nil
	default:
		return Dialect{}, fmt.Errorf("未対応のデータベースです: %q", name)
	}
}

// rebind は?で書かれたクエリを方言のプレースホルダに書き換える。
func (d Dialect) rebind(query string) string {
	if d.placeholder == nil {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString(d.placeholder(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// classifySQLite はSQLiteの拡張結果コードを解釈する。
func classifySQLite(err error) error {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return nil
	}

	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return event.ErrVersionConflict
	case sqlite3.SQLITE_CONSTRAINT_CHECK, sqlite3.SQLITE_CONSTRAINT_NOTNULL:
		return event.ErrValidation
	}

	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_CANTOPEN,
		sqlite3.SQLITE_IOERR, sqlite3.SQLITE_FULL, sqlite3.SQLITE_READONLY:
		return event.ErrStorageUnavailable
	}
	return nil
}

// classifyPostgres はPostgreSQLのSQLSTATEを解釈する。
func classifyPostgres(err error) error {
	var pe *pq.Error
	if !errors.As(err, &pe) {
		return nil
	}

	switch pe.Code.Name() {
	case "unique_violation":
		return event.ErrVersionConflict
	case "check_violation", "not_null_violation", "string_data_right_truncation",
		"invalid_text_representation", "invalid_json_text":
		return event.ErrValidation
	}

	switch pe.Code.Class() {
	// 08: connection_exception, 53: insufficient_resources,
	// 57: operator_intervention (admin_shutdown等)
	case "08", "53", "57":
		return event.ErrStorageUnavailable
	}
	return nil
}
