package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"calcsync/backend/internal/logger"
)

type verifyErrResp struct {
	Error string `json:"error"`
}

// userID accepts the id as a JSON string or number.
type userID string

func (u *userID) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*u = userID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*u = userID(n.String())
	return nil
}

type VerifyClaims struct {
	UserID   userID `json:"userId"`
	Username string `json:"username"`
	Type     string `json:"type"` // "access"
}

// Claims is the access token issued by the auth service.
type Claims struct {
	Username string `json:"username"`
	Type     string `json:"typ"`
	jwt.RegisteredClaims
}

type AuthOptions struct {
	// BaseURL 不要带路径，例如 http://localhost:3001，middleware 自己拼 /v1/auth/verify
	BaseURL string
	// JWTSecret 非空时本地校验 HS256，不再调用 auth 服务
	JWTSecret string
	// Disabled 仅用于本地开发：身份取自 ?userId=，缺省时生成匿名 id
	Disabled bool
	Timeout  time.Duration
	Logger   *zap.Logger
}

var errNotAccessToken = errors.New("access token required")

func AuthMiddleware(opts AuthOptions) gin.HandlerFunc {
	log := logger.Component(opts.Logger, "auth")
	if opts.Disabled {
		log.Warn("authentication disabled")
		return func(c *gin.Context) {
			uid := strings.TrimSpace(c.Query("userId"))
			if uid == "" {
				uid = "anonymous-" + ulid.Make().String()
			}
			name := c.Query("username")
			if name == "" {
				name = uid
			}
			c.Set("userId", uid)
			c.Set("username", name)
			c.Next()
		}
	}
	if opts.JWTSecret != "" {
		return localAuth([]byte(opts.JWTSecret))
	}
	return remoteAuth(opts, log)
}

func tokenFrom(c *gin.Context) string {
	tokenString := extractBearer(c.Request.Header.Get("Authorization"))
	if tokenString == "" {
		// 兼容 WebSocket：浏览器无法自定义 Header，允许从 query ?token= 中获取
		tokenString = strings.TrimSpace(c.Query("token"))
	}
	return tokenString
}

func unauthenticated(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"code":    "UNAUTHENTICATED",
		"message": msg,
	})
}

// ParseToken verifies an HS256 access token.
func ParseToken(tokenString string, secret []byte) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	if claims.Type != "" && claims.Type != "access" {
		return nil, errNotAccessToken
	}
	return claims, nil
}

func localAuth(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := tokenFrom(c)
		if tokenString == "" {
			unauthenticated(c, "Authorization header is missing or invalid")
			return
		}
		claims, err := ParseToken(tokenString, secret)
		if err != nil {
			unauthenticated(c, err.Error())
			return
		}
		if claims.Subject == "" {
			unauthenticated(c, "token has no subject")
			return
		}
		c.Set("userId", claims.Subject)
		c.Set("username", claims.Username)
		c.Next()
	}
}

func remoteAuth(opts AuthOptions, log *zap.Logger) gin.HandlerFunc {
	client := &http.Client{}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 1200 * time.Millisecond
	}
	// 统一拼接 verify URL（避免 double slash）
	verifyURL := strings.TrimRight(opts.BaseURL, "/") + "/v1/auth/verify"

	return func(c *gin.Context) {
		tokenString := tokenFrom(c)
		if tokenString == "" {
			unauthenticated(c, "Authorization header is missing or invalid")
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, verifyURL, bytes.NewReader([]byte("{}")))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": "build verify request failed"})
			return
		}
		req.Header.Set("Authorization", "Bearer "+tokenString)
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			// 这里包含超时：context deadline exceeded
			log.Warn("verify request failed", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{
				"code":    "AUTH_UPSTREAM_ERROR",
				"message": "auth-service verify failed",
			})
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusUnauthorized {
			var e verifyErrResp
			_ = json.NewDecoder(resp.Body).Decode(&e) // 尽力解析错误信息
			msg := e.Error
			if msg == "" {
				msg = "invalid token"
			}
			unauthenticated(c, msg)
			return
		}
		if resp.StatusCode != http.StatusOK {
			c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{
				"code":    "AUTH_UPSTREAM_ERROR",
				"message": "auth-service verify " + strconv.Itoa(resp.StatusCode),
			})
			return
		}

		var claims VerifyClaims
		if err := json.NewDecoder(resp.Body).Decode(&claims); err != nil || claims.UserID == "" {
			c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{
				"code":    "AUTH_UPSTREAM_ERROR",
				"message": "invalid verify response",
			})
			return
		}
		if claims.Type != "" && claims.Type != "access" {
			unauthenticated(c, errNotAccessToken.Error())
			return
		}

		c.Set("userId", string(claims.UserID))
		c.Set("username", claims.Username)
		c.Next()
	}
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}
	// 处理 "Bearer" 前缀（大小写不敏感）
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
