package mw

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"
)

func TestCORS(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tests := []struct {
		name      string
		env       string
		origin    string
		method    string
		wantAllow string
		wantCode  int
	}{
		{"no origin", "prod", "", http.MethodGet, "", http.StatusOK},
		{"allowed origin", "prod", "http://localhost:3000", http.MethodGet, "http://localhost:3000", http.StatusOK},
		{"foreign origin", "prod", "http://evil.test", http.MethodGet, "", http.StatusOK},
		{"dev allows any", "dev", "http://evil.test", http.MethodGet, "http://evil.test", http.StatusOK},
		{"preflight", "prod", "http://localhost:3000", http.MethodOptions, "http://localhost:3000", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := gin.New()
			r.Use(CORS(tt.env, "http://localhost:3000/, http://app.example.com"))
			r.Any("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

			req := httptest.NewRequest(tt.method, "/x", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, tt.wantAllow, w.Header().Get("Access-Control-Allow-Origin"))
		})
	}
}

func TestLimiter_Middleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l := NewLimiter(rate.Every(time.Hour), 2, time.Minute)
	defer l.Stop()

	r := gin.New()
	r.Use(l.Middleware())
	r.GET("/a", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/b", func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := func(path, ip string, n int) []int {
		var out []int
		for i := 0; i < n; i++ {
			req := httptest.NewRequest(http.MethodGet, path, nil)
			req.RemoteAddr = ip + ":1234"
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			out = append(out, w.Code)
		}
		return out
	}
	assert.Equal(t, []int{200, 200, 429}, codes("/a", "10.0.0.1", 3))
	assert.Equal(t, []int{200}, codes("/b", "10.0.0.1", 1), "separate bucket per route")
	assert.Equal(t, []int{200}, codes("/a", "10.0.0.2", 1), "separate bucket per client")
}

func TestLimiter_Sweep(t *testing.T) {
	l := NewLimiter(rate.Inf, 1, time.Minute)
	defer l.Stop()
	l.Allow("k")
	l.sweep(time.Now().Add(2 * time.Minute))
	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Empty(t, l.buckets)
	l.Stop()
}
