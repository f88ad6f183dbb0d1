package kernel

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hollowaylabs/gatewarden/internal/storage"
)

func newTestHandler(t *testing.T, e *Engine) http.Handler {
	t.Helper()
	return e.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
}

func doRequest(h http.Handler, cookie *http.Cookie, referer string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.1:51234"
	if cookie != nil {
		req.AddCookie(cookie)
	}
	if referer != "" {
		req.Header.Set("Referer", referer)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestWrap_IssuesIdentityCookie(t *testing.T) {
	e, err := New(baseConfig(), storage.NewMemStore())
	require.NoError(t, err)
	h := newTestHandler(t, e)

	w := doRequest(h, nil, "https://example.com/")
	assert.Equal(t, http.StatusOK, w.Code)

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, "_shieldon", cookies[0].Name)
	assert.Len(t, cookies[0].Value, 32)
	assert.Equal(t, "/", cookies[0].Path)
}

func TestWrap_KeepsValidCookie(t *testing.T) {
	e, err := New(baseConfig(), storage.NewMemStore())
	require.NoError(t, err)
	h := newTestHandler(t, e)

	w := doRequest(h, &http.Cookie{Name: "_shieldon", Value: visitor}, "https://example.com/")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Result().Cookies(), "a valid cookie is not reissued")
}

func TestWrap_QuotaBreachReturns429(t *testing.T) {
	cfg := baseConfig()
	// Judge against the day window so the test is immune to second and
	// minute boundaries crossing mid-run.
	cfg.QuotaFrequencyS = 1000
	cfg.QuotaFrequencyM = 1000
	cfg.QuotaFrequencyH = 1000
	cfg.QuotaFrequencyD = 2
	e, err := New(cfg, storage.NewMemStore())
	require.NoError(t, err)
	h := newTestHandler(t, e)

	cookie := &http.Cookie{Name: "_shieldon", Value: visitor}
	ref := "https://example.com/"

	assert.Equal(t, http.StatusOK, doRequest(h, cookie, ref).Code)
	assert.Equal(t, http.StatusOK, doRequest(h, cookie, ref).Code)
	assert.Equal(t, http.StatusTooManyRequests, doRequest(h, cookie, ref).Code)
}

func TestWrap_EscalationReturns403(t *testing.T) {
	cfg := baseConfig()
	cfg.QuotaFrequencyS = 1000
	cfg.QuotaFrequencyM = 1000
	cfg.QuotaFrequencyH = 1000
	cfg.QuotaFrequencyD = 1
	cfg.DataCircleBuffer = 1
	cfg.SystemFirewallBuffer = 2
	e, err := New(cfg, storage.NewMemStore())
	require.NoError(t, err)
	h := newTestHandler(t, e)

	cookie := &http.Cookie{Name: "_shieldon", Value: visitor}
	ref := "https://example.com/"

	assert.Equal(t, http.StatusOK, doRequest(h, cookie, ref).Code)
	assert.Equal(t, http.StatusTooManyRequests, doRequest(h, cookie, ref).Code)
	assert.Equal(t, http.StatusForbidden, doRequest(h, cookie, ref).Code)
}

func TestWrap_FailOpenOnBrokenBackend(t *testing.T) {
	cfg := baseConfig()
	cfg.FailOpen = true
	e, err := New(cfg, downStore{})
	require.NoError(t, err)
	h := newTestHandler(t, e)

	w := doRequest(h, nil, "")
	assert.Equal(t, http.StatusOK, w.Code, "fail-open lets the request through")
	assert.Len(t, w.Result().Cookies(), 1, "cookie is still issued on fallback")
}

func TestWrap_FailClosedOnBrokenBackend(t *testing.T) {
	cfg := baseConfig()
	cfg.FailOpen = false
	e, err := New(cfg, downStore{})
	require.NoError(t, err)
	h := newTestHandler(t, e)

	w := doRequest(h, nil, "")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.1:51234"
	assert.Equal(t, "203.0.113.1", clientIP(req))

	req.RemoteAddr = "missing-port"
	assert.Equal(t, "missing-port", clientIP(req))
}
