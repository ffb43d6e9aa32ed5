package middleware

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// tokenIssuer はEvent Storeが発行するトークンのIssuer。
const tokenIssuer = "eventstore"

// contextKeyProducer は認証済みプロデューサー名を保持するコンテキストキー。
const contextKeyProducer = "producer"

// headerKeyProducer は認証済みプロデューサー名を返すHTTPヘッダーキー。
const headerKeyProducer = "X-Producer"

// ProducerClaims はイベントを書き込むプロデューサーのトークンのクレーム。
type ProducerClaims struct {
	jwt.RegisteredClaims
	// Producer はイベントを追記するサービスの名前（例: "order-service"）。
	Producer string `json:"producer"`
}

// GenerateJWT はプロデューサー用のJWTトークンを生成する。ttlが0以下なら24時間。
func GenerateJWT(secret, producer string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	now := time.Now()
	claims := ProducerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   producer,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    tokenIssuer,
		},
		Producer: producer,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("JWTトークンの署名に失敗: %w", err)
	}
	return signed, nil
}

// JWTAuth はプロデューサーのJWTトークンを検証するGinミドルウェアを返す。
// HS256以外の署名とEvent Store以外のIssuerは拒否する。
// 検証に成功した場合、コンテキストにプロデューサー名を設定する。
func JWTAuth(secret string) gin.HandlerFunc {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
	)

	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authorizationヘッダーが必要です",
			})
			return
		}

		tokenString, found := strings.CutPrefix(authHeader, "Bearer ")
		if !found {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Bearer トークン形式が不正です",
			})
			return
		}

		claims := &ProducerClaims{}
		token, err := parser.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
			return []byte(secret), nil
		})
		if err != nil || !token.Valid || claims.Producer == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "トークンが無効です",
			})
			return
		}

		c.Set(contextKeyProducer, claims.Producer)
		c.Header(headerKeyProducer, claims.Producer)
		c.Next()
	}
}

// GetProducer はGinコンテキストから認証済みプロデューサー名を取得する。
// JWTAuthが適用されていない場合は空文字列を返す。
func GetProducer(c *gin.Context) string {
	v, _ := c.Get(contextKeyProducer)
	if p, ok := v.(string); ok {
		return p
	}
	return ""
}
