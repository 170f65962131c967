package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/tidwall/gjson"
)

func TestSanitizeBase(t *testing.T) {
	for in, want := range map[string]string{
		"":        "",
		"/":       "",
		"api":     "/api",
		"/api":    "/api",
		"/api/":   "/api",
		" api ":   "/api",
		"/v1/llm": "/v1/llm",
	} {
		assert.Equal(t, want, sanitizeBase(in), "sanitizeBase(%q)", in)
	}
}

func TestIsSafeInput(t *testing.T) {
	for _, s := range []string{"/show info", "hello\n", "hello\r\n", "tab\tseparated", "한글 입력", strings.Repeat("x", maxInputLen)} {
		assert.True(t, isSafeInput(s), "%q", s)
	}
	for _, s := range []string{"", "\n", "two\nlines", "nul\x00byte", "esc\x1b[31m", strings.Repeat("x", maxInputLen+1), "\xff\xfe"} {
		assert.False(t, isSafeInput(s), "%q", s)
	}
}

func TestWriteJSONAndQueryUint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/x", func(c *gin.Context) {
		n, err := queryUint(c, "n")
		if err != nil {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
			return
		}
		writeJSON(c, http.StatusCreated, map[string]any{"n": n})
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x?n=12", nil))
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, int64(12), gjson.Get(rec.Body.String(), "n").Int())

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, int64(0), gjson.Get(rec.Body.String(), "n").Int())

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x?n=-1", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.NotEmpty(t, gjson.Get(rec.Body.String(), "error").String())
}
