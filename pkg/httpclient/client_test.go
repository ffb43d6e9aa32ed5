package httpclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// testRequest はテストサーバーが受け取ったリクエスト情報を保持する構造体。
type testRequest struct {
	// Method はHTTPメソッド。
	Method string
	// Path はリクエストパス。
	Path string
	// Body はリクエストボディ。
	Body []byte
	// Headers はリクエストヘッダー。
	Headers http.Header
}

// testPayload はテスト用のリクエスト/レスポンスペイロード。
type testPayload struct {
	Name  string `json:"name"`
	Value int    `json:"value"`
}

// newRecordingServer は受け取ったリクエストを記録し、指定のステータスとボディを返すテストサーバーを起動する。
func newRecordingServer(t *testing.T, status int, body string) (*httptest.Server, *testRequest) {
	t.Helper()

	captured := &testRequest{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.Method = r.Method
		captured.Path = r.URL.RequestURI()
		captured.Headers = r.Header.Clone()
		captured.Body, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, captured
}

// TestNew はNew関数でクライアントが正しく生成されることを検証する。
func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("デフォルトのタイムアウトが30秒に設定されていること", func(t *testing.T) {
		t.Parallel()

		client := New("http://localhost:8084")
		if client.baseURL != "http://localhost:8084" {
			t.Errorf("baseURL = %q, want %q", client.baseURL, "http://localhost:8084")
		}
		if client.httpClient.Timeout != 30*time.Second {
			t.Errorf("Timeout = %v, want 30s", client.httpClient.Timeout)
		}
	})

	t.Run("オプションでトークンとHTTPクライアントを設定できること", func(t *testing.T) {
		t.Parallel()

		hc := &http.Client{Timeout: time.Second}
		client := New("http://localhost:8084", WithToken("token-1"), WithHTTPClient(hc))
		if client.token != "token-1" {
			t.Errorf("token = %q, want %q", client.token, "token-1")
		}
		if client.httpClient != hc {
			t.Error("httpClientが差し替えられていない")
		}
	})
}

// TestPostJSON はPostJSONを検証する。
func TestPostJSON(t *testing.T) {
	t.Parallel()

	t.Run("JSONボディとヘッダーを送信してレスポンスを取得できること", func(t *testing.T) {
		t.Parallel()

		srv, captured := newRecordingServer(t, http.StatusCreated, `{"name":"resp","value":2}`)
		client := New(srv.URL, WithToken("secret-token"))

		var result testPayload
		ctx := WithRequestID(context.Background(), "req-1")
		if err := client.PostJSON(ctx, "/api/v1/events", testPayload{Name: "req", Value: 1}, &result); err != nil {
			t.Fatalf("PostJSON()でエラーが発生: %v", err)
		}

		if captured.Method != http.MethodPost {
			t.Errorf("Method = %q, want %q", captured.Method, http.MethodPost)
		}
		if captured.Path != "/api/v1/events" {
			t.Errorf("Path = %q, want %q", captured.Path, "/api/v1/events")
		}
		var sent testPayload
		if err := json.Unmarshal(captured.Body, &sent); err != nil {
			t.Fatalf("送信ボディのパースに失敗: %v", err)
		}
		if sent.Name != "req" || sent.Value != 1 {
			t.Errorf("送信ボディ = %+v", sent)
		}
		if got := captured.Headers.Get("Authorization"); got != "Bearer secret-token" {
			t.Errorf("Authorization = %q, want %q", got, "Bearer secret-token")
		}
		if got := captured.Headers.Get("X-Request-ID"); got != "req-1" {
			t.Errorf("X-Request-ID = %q, want %q", got, "req-1")
		}
		if result.Name != "resp" || result.Value != 2 {
			t.Errorf("result = %+v", result)
		}
	})

	t.Run("トークンが無い場合はAuthorizationヘッダーを付与しないこと", func(t *testing.T) {
		t.Parallel()

		srv, captured := newRecordingServer(t, http.StatusOK, `{}`)
		if err := New(srv.URL).PostJSON(context.Background(), "/x", testPayload{}, nil); err != nil {
			t.Fatalf("PostJSON()でエラーが発生: %v", err)
		}
		if got := captured.Headers.Get("Authorization"); got != "" {
			t.Errorf("Authorization = %q, want empty string", got)
		}
	})

	t.Run("シリアライズできないボディでエラーが返ること", func(t *testing.T) {
		t.Parallel()

		err := New("http://127.0.0.1:1").PostJSON(context.Background(), "/x", make(chan int), nil)
		if err == nil {
			t.Fatal("シリアライズできないボディでエラーが返るべき")
		}
	})
}

// TestGetJSON_StatusError はエラーレスポンスがStatusErrorになることを検証する。
func TestGetJSON_StatusError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		status      int
		body        string
		wantMessage string
		wantField   string
	}{
		{name: "JSONのエラーボディ", status: http.StatusConflict, body: `{"error":"競合"}`, wantMessage: "競合"},
		{name: "フィールド付きの検証エラー", status: http.StatusBadRequest, body: `{"error":"不正","field":"payload"}`, wantMessage: "不正", wantField: "payload"},
		{name: "JSONでないボディ", status: http.StatusBadGateway, body: "bad gateway", wantMessage: "bad gateway"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv, _ := newRecordingServer(t, tt.status, tt.body)
			err := New(srv.URL).GetJSON(context.Background(), "/x", nil)

			var se *StatusError
			if !errors.As(err, &se) {
				t.Fatalf("StatusErrorが返るべき: %v", err)
			}
			if se.Status != tt.status {
				t.Errorf("Status = %d, want %d", se.Status, tt.status)
			}
			if se.Message != tt.wantMessage {
				t.Errorf("Message = %q, want %q", se.Message, tt.wantMessage)
			}
			if se.Field != tt.wantField {
				t.Errorf("Field = %q, want %q", se.Field, tt.wantField)
			}
		})
	}
}

// TestGetJSON はGetJSONの正常系と通信エラーを検証する。
func TestGetJSON(t *testing.T) {
	t.Parallel()

	t.Run("GETリクエストにボディが含まれないこと", func(t *testing.T) {
		t.Parallel()

		srv, captured := newRecordingServer(t, http.StatusOK, `{"name":"x","value":1}`)
		var result testPayload
		if err := New(srv.URL).GetJSON(context.Background(), "/health", &result); err != nil {
			t.Fatalf("GetJSON()でエラーが発生: %v", err)
		}
		if captured.Method != http.MethodGet {
			t.Errorf("Method = %q, want %q", captured.Method, http.MethodGet)
		}
		if len(captured.Body) != 0 {
			t.Errorf("Body = %q, want empty", captured.Body)
		}
	})

	t.Run("不正なJSONレスポンスでエラーが返ること", func(t *testing.T) {
		t.Parallel()

		srv, _ := newRecordingServer(t, http.StatusOK, `{invalid`)
		var result testPayload
		if err := New(srv.URL).GetJSON(context.Background(), "/x", &result); err == nil {
			t.Fatal("不正なJSONでエラーが返るべき")
		}
	})

	t.Run("キャンセルされたコンテキストでエラーが返ること", func(t *testing.T) {
		t.Parallel()

		srv, _ := newRecordingServer(t, http.StatusOK, `{}`)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := New(srv.URL).GetJSON(ctx, "/x", nil)
		if !errors.Is(err, context.Canceled) {
			t.Errorf("context.Canceledが返るべき: %v", err)
		}
	})
}
