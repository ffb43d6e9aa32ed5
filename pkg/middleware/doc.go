// Package middleware はEvent StoreのHTTP APIで使用するGinミドルウェアを提供する。
//
// 書き込み元（プロデューサー）のJWT認証、リクエストIDの付与、
// パニックリカバリ、CORS設定を含む。
package middleware
