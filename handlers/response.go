package handlers

import (
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/phonginreallife/opsbridge/services"
)

const (
	requestIDKey    = "request_id"
	requestIDHeader = "X-Request-ID"
)

// RequestID assigns every request an id that is echoed in the envelope and response header
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(requestIDHeader))
		if id == "" || len(id) > 128 {
			id = uuid.New().String()
		}
		c.Set(requestIDKey, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func requestID(c *gin.Context) string {
	if id := c.GetString(requestIDKey); id != "" {
		return id
	}
	id := uuid.New().String()
	c.Set(requestIDKey, id)
	return id
}

// respond writes the success envelope {success, request_id, ...payload}
func respond(c *gin.Context, payload gin.H) {
	body := gin.H{"success": true, "request_id": requestID(c)}
	for k, v := range payload {
		body[k] = v
	}
	c.JSON(http.StatusOK, body)
}

// writeError maps the error kind to a status and never exposes internal error text
func writeError(c *gin.Context, err error) {
	status := services.StatusForError(err)
	if status == http.StatusInternalServerError {
		log.Printf("❌ %s %s failed (request %s): %v", c.Request.Method, c.FullPath(), requestID(c), err)
	}
	abortWithError(c, status, services.PublicMessage(err))
}

func abortWithError(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"success":    false,
		"request_id": requestID(c),
		"error":      message,
	})
}

// bindOptionalJSON binds a JSON body when one was sent; an empty body keeps the zero value
func bindOptionalJSON(c *gin.Context, obj interface{}) error {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return nil
	}
	if err := c.ShouldBindJSON(obj); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}
