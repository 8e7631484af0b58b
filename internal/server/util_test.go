package server

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestCleanBase(t *testing.T) {
	for in, want := range map[string]string{
		"":            "",
		"/":           "",
		"  ":          "",
		"api":         "/api",
		"/api/":       "/api",
		"//v1//units": "/v1/units",
		"/a/../b":     "/b",
	} {
		assert.Equal(t, want, cleanBase(in), "cleanBase(%q)", in)
	}
}

func TestValidUnitName(t *testing.T) {
	for _, s := range []string{"a.service", "getty@tty1.service", "app@.service", "var-lib.mount", "multi-user.target", "dbus:1.socket"} {
		assert.True(t, validUnitName(s), s)
	}
	for _, s := range []string{"", "..", "a..service", "a/b.service", `a\b.service`, "noext", ".hidden", "a.Service", "unicode한글.service", "a@b@c.service"} {
		assert.False(t, validUnitName(s), s)
	}
}

func TestAbortWritesErrorBody(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	reached := false
	r.GET("/x", func(c *gin.Context) { unavailable(c, errors.New("loop stopped")) }, func(*gin.Context) { reached = true })

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"error":"loop stopped"}`, rec.Body.String())
	assert.False(t, reached)
}
