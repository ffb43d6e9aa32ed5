// Package httpclient はEvent StoreのHTTP APIを呼び出すクライアントを提供する。
//
// Clientは汎用のJSONクライアントで、HTTPステータスをStatusErrorとして返す。
// EventStoreClientはその上に構築した型付きクライアントで、
// ステータスをイベントストアのエラー（競合、検証、未検出、利用不可）に対応付ける。
package httpclient
