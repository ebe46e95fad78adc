package rest_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/togetherinbloom/server/api/rest"
	"github.com/togetherinbloom/server/companion"
	"github.com/togetherinbloom/server/config"
	mw "github.com/togetherinbloom/server/middleware"
	"go.uber.org/zap"
)

type roundTripFunc func(req *http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

func newCompanionRouter(key string, rt roundTripFunc) *gin.Engine {
	proxy := companion.New(config.CompanionConfig{
		BaseURL:    "https://provider.test/",
		APIVersion: "v1beta",
		Model:      "m",
		APIKey:     key,
	}, &http.Client{Transport: rt}, zap.NewNop())
	h := rest.NewCompanionHandler(proxy, zap.NewNop())

	r := gin.New()
	g := r.Group("/api/companion", mw.CORS(nil))
	g.POST("", h.Reply)
	g.OPTIONS("", func(*gin.Context) {})
	return r
}

func providerReply(status int, body string) roundTripFunc {
	return func(*http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: status,
			Header:     http.Header{"Content-Type": []string{"application/json"}},
			Body:       io.NopCloser(strings.NewReader(body)),
		}, nil
	}
}

func TestCompanion_Reply(t *testing.T) {
	r := newCompanionRouter("k", providerReply(http.StatusOK,
		`{"candidates":[{"content":{"parts":[{"text":"Have you tried a weekly check-in?"}]}}]}`))

	w := postJSON(r, "/api/companion", map[string]interface{}{
		"message": "We keep arguing about chores",
		"history": []map[string]string{{"role": "user", "content": "hi"}, {"role": "assistant", "content": "hello"}},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp map[string]string
	decode(t, w, &resp)
	assert.Equal(t, "Have you tried a weekly check-in?", resp["response"])
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestCompanion_BlankMessageNeverCallsProvider(t *testing.T) {
	var calls int32
	r := newCompanionRouter("k", func(*http.Request) (*http.Response, error) {
		atomic.AddInt32(&calls, 1)
		return nil, nil
	})

	w := postJSON(r, "/api/companion", map[string]interface{}{"message": "  "})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "No message provided", errorOf(t, w).Error)

	w = postJSON(r, "/api/companion", "not an object")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestCompanion_MissingKey(t *testing.T) {
	r := newCompanionRouter("", providerReply(http.StatusOK, `{}`))

	w := postJSON(r, "/api/companion", map[string]interface{}{"message": "hello"})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	body := errorOf(t, w)
	assert.Equal(t, "CONFIGURATION", body.Code)
	assert.Contains(t, body.Error, "GEMINI_API_KEY")
}

func TestCompanion_ProviderStatusPassthrough(t *testing.T) {
	r := newCompanionRouter("k", providerReply(http.StatusTooManyRequests,
		`{"error":{"code":429,"message":"quota exceeded","status":"RESOURCE_EXHAUSTED"}}`))
	w := postJSON(r, "/api/companion", map[string]interface{}{"message": "hello"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "Gemini API error: quota exceeded", errorOf(t, w).Error)

	r = newCompanionRouter("bad", providerReply(http.StatusForbidden,
		`{"error":{"code":403,"message":"API key not valid","status":"PERMISSION_DENIED"}}`))
	w = postJSON(r, "/api/companion", map[string]interface{}{"message": "hello"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCompanion_Preflight(t *testing.T) {
	r := newCompanionRouter("k", providerReply(http.StatusOK, `{}`))
	req := httptest.NewRequest(http.MethodOptions, "/api/companion", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "content-type")
}
