package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const bearerPrefix = "Bearer "

// ServiceAuthMiddleware guards the server-to-server mutation surface with
// HMAC-signed bearer tokens shared with collaborator services.
func ServiceAuthMiddleware(signingKey []byte, issuer string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		header := ctx.GetHeader("Authorization")
		if !strings.HasPrefix(header, bearerPrefix) {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing bearer token"))
			return
		}
		raw := strings.TrimPrefix(header, bearerPrefix)
		token, err := jwt.Parse(raw, func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
			}
			return signingKey, nil
		}, jwt.WithIssuer(issuer), jwt.WithValidMethods([]string{"HS256"}))
		if err != nil || !token.Valid {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid bearer token"))
			return
		}
		ctx.Next()
	}
}
