package middleware

import (
	"crypto/subtle"

	"tipbot/pkg/errutil"

	"github.com/gin-gonic/gin"
)

const APIKeyHeader = "X-API-Key"

// APIKey rejects requests whose X-API-Key header does not match key. An
// empty key rejects everything.
func APIKey(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader(APIKeyHeader)
		if key == "" || subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
			be := errutil.Unauthorized("invalid api key", nil).(errutil.BaseError)
			c.AbortWithStatusJSON(be.Code.HTTPStatus(), be.JSON())
			return
		}
		c.Next()
	}
}
