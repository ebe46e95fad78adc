package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func traceRouter() *gin.Engine {
	r := gin.New()
	r.Use(TraceID())
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, GetTraceID(c)) })
	return r
}

func TestTraceID(t *testing.T) {
	cases := []struct {
		name     string
		incoming string
		keep     bool
	}{
		{"generated when absent", "", false},
		{"caller id kept", "client-7f3a", true},
		{"too long replaced", strings.Repeat("a", maxTraceIDLen+1), false},
		{"spaces replaced", "two words", false},
		{"non ascii replaced", "trace-ü", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var opts []func(*http.Request)
			if tc.incoming != "" {
				opts = append(opts, withHeader(TraceIDHeader, tc.incoming))
			}
			w := get(traceRouter(), "/", "", opts...)
			require.Equal(t, http.StatusOK, w.Code)

			id := w.Body.String()
			assert.Equal(t, id, w.Header().Get(TraceIDHeader))
			if tc.keep {
				assert.Equal(t, tc.incoming, id)
				return
			}
			_, err := uuid.Parse(id)
			assert.NoError(t, err, "expected a generated uuid, got %q", id)
		})
	}
}

func TestTraceID_FreshPerRequest(t *testing.T) {
	r := traceRouter()
	assert.NotEqual(t, get(r, "/", "").Body.String(), get(r, "/", "").Body.String())
}

func TestGetTraceID_OutsideMiddleware(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	assert.Empty(t, GetTraceID(c))
}
