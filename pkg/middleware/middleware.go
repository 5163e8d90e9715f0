package middleware

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/ksred/afrr-clearing/internal/auth"
	"github.com/ksred/afrr-clearing/pkg/response"
	"golang.org/x/time/rate"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

var (
	visitors = make(map[string]*visitor)
	mu       sync.Mutex

	// Configure limits per endpoint type
	authLimit     = rate.Limit(10.0 / 60.0)   // 10 requests per minute
	internalLimit = rate.Limit(60.0 / 60.0)   // 60 imports per minute
	queryLimit    = rate.Limit(1000.0 / 60.0) // 1000 requests per minute
)

// Cleanup old visitors periodically
func init() {
	go cleanupVisitors()
}

func limitFor(path string) rate.Limit {
	switch {
	case strings.HasPrefix(path, "/api/v1/auth"):
		return authLimit
	case strings.HasPrefix(path, "/api/v1/internal"):
		return internalLimit
	case strings.HasPrefix(path, "/api/v1/prices"),
		strings.HasPrefix(path, "/api/v1/ledger"),
		strings.HasPrefix(path, "/api/v1/demand"):
		return queryLimit
	default:
		return rate.Inf // No limit for other paths
	}
}

func getLimiter(path, clientKey string) *rate.Limiter {
	mu.Lock()
	defer mu.Unlock()

	key := clientKey + ":" + path
	v, exists := visitors[key]
	if !exists {
		v = &visitor{
			limiter: rate.NewLimiter(limitFor(path), 1), // burst of 1
		}
		visitors[key] = v
	}

	v.lastSeen = time.Now()
	return v.limiter
}

func cleanupVisitors() {
	for {
		time.Sleep(time.Minute)

		mu.Lock()
		for key, v := range visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(visitors, key)
			}
		}
		mu.Unlock()
	}
}

func RateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := c.GetString("clientID")
		if clientID == "" {
			clientID = c.ClientIP()
		}

		limiter := getLimiter(c.FullPath(), clientID)
		if !limiter.Allow() {
			response.BadRequest(c, "Rate limit exceeded. Please try again later.")
			c.Abort()
			return
		}

		c.Next()
	}
}

// JWTAuth accepts any valid token signed with secret and exposes its claims
// on the context.
func JWTAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := parseToken(c, secret)
		if !ok {
			return
		}

		// Ensure required claims exist
		for _, claim := range []string{"client_id", "exp"} {
			if _, exists := claims[claim]; !exists {
				response.Unauthorized(c, fmt.Sprintf("Missing required claim: %s", claim))
				c.Abort()
				return
			}
		}

		c.Set("claims", claims)
		if clientID, ok := claims["client_id"].(string); ok {
			c.Set("clientID", clientID)
		}

		c.Next()
	}
}

// InternalAuth guards the import endpoints: the token must carry the ingest
// permission. The client id is stored as clientID for audit records.
func InternalAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := parseToken(c, secret)
		if !ok {
			return
		}

		clientID, ok := claims["client_id"].(string)
		if !ok || clientID == "" {
			response.Unauthorized(c, "Invalid client ID in token")
			c.Abort()
			return
		}

		if !hasPermission(claims, auth.PermissionIngest) {
			response.Forbidden(c, "Token lacks ingest permission")
			c.Abort()
			return
		}

		c.Set("clientID", clientID)
		c.Next()
	}
}

func parseToken(c *gin.Context, secret string) (jwt.MapClaims, bool) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		response.Unauthorized(c, "Authorization header required")
		c.Abort()
		return nil, false
	}

	bearerToken := strings.Split(authHeader, " ")
	if len(bearerToken) != 2 || strings.ToLower(bearerToken[0]) != "bearer" {
		response.Unauthorized(c, "Invalid authorization header format")
		c.Abort()
		return nil, false
	}

	token, err := jwt.Parse(bearerToken[1], func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		response.Unauthorized(c, "Invalid token")
		c.Abort()
		return nil, false
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		response.Unauthorized(c, "Invalid token claims")
		c.Abort()
		return nil, false
	}

	return claims, true
}

func hasPermission(claims jwt.MapClaims, permission string) bool {
	perms, ok := claims["permissions"].([]interface{})
	if !ok {
		return false
	}
	for _, p := range perms {
		if s, ok := p.(string); ok && s == permission {
			return true
		}
	}
	return false
}
