package utils

import (
	"github.com/gin-gonic/gin"
)

// JSONResponse sends a structured JSON response
func JSONResponse(c *gin.Context, status int, data any, message string) {
	c.JSON(status, gin.H{
		"status":  status,
		"message": message,
		"data":    data,
	})
}

// JSONError sends a structured error response. code is the taxonomy code of
// the failure and is omitted when empty.
func JSONError(c *gin.Context, status int, err error, message string, code string) {
	body := gin.H{
		"status":  status,
		"message": message,
		"error":   err.Error(),
	}
	if code != "" {
		body["code"] = code
	}
	c.JSON(status, body)
}
