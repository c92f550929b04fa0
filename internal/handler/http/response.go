package http

import "github.com/gin-gonic/gin"

func ErrorResponse(c *gin.Context, code int, kind, message string) {
	c.JSON(code, gin.H{"error": message, "code": kind})
}

func SuccessResponse(c *gin.Context, code int, data interface{}) {
	c.JSON(code, data)
}
