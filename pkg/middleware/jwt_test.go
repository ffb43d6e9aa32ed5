package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testSecret はテスト用のJWTシークレット。
const testSecret = "test-secret-key-for-unit-tests"

// signClaims は任意のクレームと署名方式でトークンを生成するヘルパー関数。
func signClaims(t *testing.T, method jwt.SigningMethod, claims jwt.Claims, key any) string {
	t.Helper()

	tokenStr, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("トークンの署名に失敗: %v", err)
	}
	return tokenStr
}

// TestGenerateJWT はGenerateJWT関数を検証する。
func TestGenerateJWT(t *testing.T) {
	t.Parallel()

	t.Run("プロデューサー名とIssuerが設定されること", func(t *testing.T) {
		t.Parallel()

		tokenStr, err := GenerateJWT(testSecret, "order-service", time.Hour)
		if err != nil {
			t.Fatalf("GenerateJWT()でエラーが発生: %v", err)
		}

		claims := &ProducerClaims{}
		token, err := jwt.ParseWithClaims(tokenStr, claims, func(_ *jwt.Token) (any, error) {
			return []byte(testSecret), nil
		})
		if err != nil || !token.Valid {
			t.Fatalf("トークンのパースに失敗: %v", err)
		}
		if claims.Producer != "order-service" {
			t.Errorf("Producer = %q, want %q", claims.Producer, "order-service")
		}
		if claims.Subject != "order-service" {
			t.Errorf("Subject = %q, want %q", claims.Subject, "order-service")
		}
		if claims.Issuer != "eventstore" {
			t.Errorf("Issuer = %q, want %q", claims.Issuer, "eventstore")
		}
		if token.Method.Alg() != "HS256" {
			t.Errorf("署名アルゴリズム = %q, want %q", token.Method.Alg(), "HS256")
		}
	})

	t.Run("ttlが0以下なら有効期限は24時間後になること", func(t *testing.T) {
		t.Parallel()

		before := time.Now()
		tokenStr, err := GenerateJWT(testSecret, "order-service", 0)
		if err != nil {
			t.Fatalf("GenerateJWT()でエラーが発生: %v", err)
		}

		claims := &ProducerClaims{}
		if _, err := jwt.ParseWithClaims(tokenStr, claims, func(_ *jwt.Token) (any, error) {
			return []byte(testSecret), nil
		}); err != nil {
			t.Fatalf("トークンのパースに失敗: %v", err)
		}

		expected := before.Add(24 * time.Hour)
		if d := claims.ExpiresAt.Time.Sub(expected); d < -time.Minute || d > time.Minute {
			t.Errorf("ExpiresAt = %v, 期待値: %v の前後1分以内", claims.ExpiresAt.Time, expected)
		}
	})
}

// TestJWTAuth はJWTAuthミドルウェアを検証する。
func TestJWTAuth(t *testing.T) {
	t.Parallel()

	valid, err := GenerateJWT(testSecret, "order-service", time.Hour)
	if err != nil {
		t.Fatalf("GenerateJWT()でエラーが発生: %v", err)
	}
	otherSecret, err := GenerateJWT("other-secret", "order-service", time.Hour)
	if err != nil {
		t.Fatalf("GenerateJWT()でエラーが発生: %v", err)
	}
	expired := signClaims(t, jwt.SigningMethodHS256, ProducerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
			Issuer:    tokenIssuer,
		},
		Producer: "order-service",
	}, []byte(testSecret))
	wrongIssuer := signClaims(t, jwt.SigningMethodHS256, ProducerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			Issuer:    "someone-else",
		},
		Producer: "order-service",
	}, []byte(testSecret))
	wrongMethod := signClaims(t, jwt.SigningMethodHS384, ProducerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			Issuer:    tokenIssuer,
		},
		Producer: "order-service",
	}, []byte(testSecret))
	noProducer := signClaims(t, jwt.SigningMethodHS256, ProducerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			Issuer:    tokenIssuer,
		},
	}, []byte(testSecret))

	tests := []struct {
		name         string
		header       string
		wantStatus   int
		wantProducer string
	}{
		{name: "有効なトークンでリクエストが成功すること", header: "Bearer " + valid, wantStatus: http.StatusOK, wantProducer: "order-service"},
		{name: "Authorizationヘッダーが無い場合401が返ること", header: "", wantStatus: http.StatusUnauthorized},
		{name: "Bearer接頭辞が無い場合401が返ること", header: valid, wantStatus: http.StatusUnauthorized},
		{name: "不正な文字列で401が返ること", header: "Bearer invalid.token.string", wantStatus: http.StatusUnauthorized},
		{name: "異なるシークレットで署名されたトークンで401が返ること", header: "Bearer " + otherSecret, wantStatus: http.StatusUnauthorized},
		{name: "期限切れトークンで401が返ること", header: "Bearer " + expired, wantStatus: http.StatusUnauthorized},
		{name: "Issuerが異なるトークンで401が返ること", header: "Bearer " + wrongIssuer, wantStatus: http.StatusUnauthorized},
		{name: "HS256以外の署名で401が返ること", header: "Bearer " + wrongMethod, wantStatus: http.StatusUnauthorized},
		{name: "プロデューサー名が無いトークンで401が返ること", header: "Bearer " + noProducer, wantStatus: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var captured string
			router := gin.New()
			router.Use(JWTAuth(testSecret))
			router.POST("/test", func(c *gin.Context) {
				captured = GetProducer(c)
				c.JSON(http.StatusOK, gin.H{"status": "ok"})
			})

			req := httptest.NewRequest(http.MethodPost, "/test", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("ステータスコード = %d, want %d", w.Code, tt.wantStatus)
			}
			if captured != tt.wantProducer {
				t.Errorf("GetProducer() = %q, want %q", captured, tt.wantProducer)
			}
			if got := w.Header().Get(headerKeyProducer); got != tt.wantProducer {
				t.Errorf("%s = %q, want %q", headerKeyProducer, got, tt.wantProducer)
			}
		})
	}
}

// TestGetProducer はGetProducer関数を検証する。
func TestGetProducer(t *testing.T) {
	t.Parallel()

	t.Run("文字列以外の値が設定されている場合に空文字列が返ること", func(t *testing.T) {
		t.Parallel()

		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Set(contextKeyProducer, 123)
		if got := GetProducer(c); got != "" {
			t.Errorf("GetProducer() = %q, want empty string", got)
		}
	})
}
