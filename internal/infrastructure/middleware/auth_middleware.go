package middleware

import (
	"strings"

	"dronelink/pkg/auth"
	"dronelink/pkg/errors"

	"github.com/gin-gonic/gin"
)

// SubjectKey is the gin context key holding the token subject
const SubjectKey = "subject"

// AuthMiddleware requires a valid bearer token when the verifier has a
// secret configured, and passes everything through otherwise.
func AuthMiddleware(verifier *auth.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !verifier.Enabled() {
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			abortUnauthorized(c, "authorization header required")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			abortUnauthorized(c, "invalid authorization header format")
			return
		}

		subject, err := verifier.Verify(parts[1])
		if err != nil {
			abortUnauthorized(c, "invalid token")
			return
		}

		c.Set(SubjectKey, subject)
		c.Next()
	}
}

func abortUnauthorized(c *gin.Context, message string) {
	appErr := errors.NewUnauthorizedError(message)
	c.AbortWithStatusJSON(appErr.HTTPStatus, gin.H{"error": string(appErr.Code), "message": appErr.Message})
}
