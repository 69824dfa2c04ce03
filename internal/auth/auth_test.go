package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = []byte("test-secret")

func TestIssueAndParse(t *testing.T) {
	p := uuid.New()
	tok, err := IssueToken(secret, p, time.Hour)
	require.NoError(t, err)

	got, err := ParseToken(secret, tok)
	require.NoError(t, err)
	assert.Equal(t, p, got)

	_, err = ParseToken([]byte("other"), tok)
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired, err := IssueToken(secret, p, -time.Minute)
	require.NoError(t, err)
	_, err = ParseToken(secret, expired)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = IssueToken(secret, uuid.Nil, time.Hour)
	assert.Error(t, err)
}

func newRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/me", Middleware(secret, nil), func(c *gin.Context) {
		p, ok := PrincipalFrom(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.String(http.StatusOK, p.String())
	})
	return r
}

func TestMiddleware(t *testing.T) {
	r := newRouter()
	p := uuid.New()
	tok, err := IssueToken(secret, p, time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		query  string
		status int
	}{
		{name: "valid", header: "Bearer " + tok, status: http.StatusOK},
		{name: "lowercase scheme", header: "bearer " + tok, status: http.StatusOK},
		{name: "query token", query: "?access_token=" + tok, status: http.StatusOK},
		{name: "missing", status: http.StatusUnauthorized},
		{name: "garbage", header: "Bearer nope", status: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic " + tok, status: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.status, w.Code)
			if tt.status == http.StatusOK {
				assert.Equal(t, p.String(), w.Body.String())
			}
		})
	}
}
