package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/sessionrelay/internal/configstore"
	"github.com/codefionn/sessionrelay/internal/queue"
	"github.com/codefionn/sessionrelay/internal/session"
	"github.com/codefionn/sessionrelay/internal/transport/transporttest"
)

const (
	testToken  = "static-token"
	testSecret = "jwt-secret"
)

type harness struct {
	server   *Server
	ctrl     *session.Controller
	queue    *queue.Queue
	store    configstore.Store
	provider *transporttest.Provider
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	provider := transporttest.NewProvider()
	store := configstore.NewFileStore(filepath.Join(t.TempDir(), "sessions.config.json"))
	ctrl := session.NewController(provider, store, nil, nil, session.Options{
		GraceDelay:     10 * time.Millisecond,
		ReconnectDelay: time.Hour,
	})
	t.Cleanup(func() { _ = ctrl.Shutdown(context.Background()) })

	q := queue.New(ctrl.Registry(), queue.DefaultConfig())
	srv, err := NewServer(ctrl, q, NewAuthenticator(testToken, testSecret), Options{MaxBodyBytes: 1 << 16})
	require.NoError(t, err)
	return &harness{server: srv, ctrl: ctrl, queue: q, store: store, provider: provider}
}

func (h *harness) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func pdfBody() map[string]string {
	return map[string]string{
		"sessionId": "s1",
		"to":        "521",
		"pdfBase64": base64.StdEncoding.EncodeToString([]byte("%PDF-1.4")),
		"fileName":  "f.pdf",
		"caption":   "invoice",
	}
}

func TestAuthentication(t *testing.T) {
	h := newHarness(t)

	valid, err := IssueToken(testSecret, "billing", time.Minute)
	require.NoError(t, err)
	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	})
	expiredToken, err := expired.SignedString([]byte(testSecret))
	require.NoError(t, err)
	wrongKey, err := IssueToken("other-secret", "billing", time.Minute)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"missing token", "", http.StatusUnauthorized},
		{"wrong static token", "nope", http.StatusForbidden},
		{"static token", testToken, http.StatusOK},
		{"signed token", valid, http.StatusOK},
		{"expired token", expiredToken, http.StatusForbidden},
		{"token signed with other key", wrongKey, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(t, http.MethodGet, "/api/sessions", tt.token, nil)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestAuthenticationWithoutConfiguredToken(t *testing.T) {
	a := NewAuthenticator("", "")
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer anything")
	assert.ErrorIs(t, a.Check(req), errInvalidToken)
}

func TestHealthIsPublic(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	decode(t, rec, &body)
	assert.Equal(t, "ok", body["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t)
	h.do(t, http.MethodGet, "/health", "", nil)

	rec := h.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "sessionrelay_http_requests_total")
}

func TestSendPDFQueuesTask(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/api/send-pdf", testToken, pdfBody())
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var res resultResponse
	decode(t, rec, &res)
	assert.True(t, res.Success)
	assert.NotEmpty(t, res.TaskID)

	tasks := h.queue.List()
	require.Len(t, tasks, 1)
	assert.Equal(t, "s1", tasks[0].SessionID)
	assert.Equal(t, "521", tasks[0].Recipient)
	assert.Equal(t, []byte("%PDF-1.4"), tasks[0].Document)
	assert.Equal(t, res.TaskID, tasks[0].ID)
}

func TestSendPDFRejectsIncompleteRequests(t *testing.T) {
	h := newHarness(t)

	for _, field := range []string{"sessionId", "to", "pdfBase64"} {
		t.Run("without "+field, func(t *testing.T) {
			body := pdfBody()
			delete(body, field)
			rec := h.do(t, http.MethodPost, "/api/send-pdf", testToken, body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)

			var res resultResponse
			decode(t, rec, &res)
			assert.False(t, res.Success)
		})
	}

	t.Run("empty body", func(t *testing.T) {
		rec := h.do(t, http.MethodPost, "/api/send-pdf", testToken, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("invalid base64", func(t *testing.T) {
		body := pdfBody()
		body["pdfBase64"] = "***"
		rec := h.do(t, http.MethodPost, "/api/send-pdf", testToken, body)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("body too large", func(t *testing.T) {
		body := pdfBody()
		body["pdfBase64"] = strings.Repeat("A", 1<<17)
		rec := h.do(t, http.MethodPost, "/api/send-pdf", testToken, body)
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	})

	assert.Zero(t, h.queue.Len())
}

func TestSendPDFForUnknownSessionIsAccepted(t *testing.T) {
	h := newHarness(t)
	body := pdfBody()
	body["sessionId"] = "nobody"

	rec := h.do(t, http.MethodPost, "/api/send-pdf", testToken, body)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, h.queue.Len())
}

func TestStartAndListSessions(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/api/sessions/s1", testToken, map[string]string{"description": "billing"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = h.do(t, http.MethodPost, "/api/sessions/s1", testToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	entries, err := h.store.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []configstore.Entry{{SessionID: "s1", Description: "billing"}}, entries)

	require.True(t, h.provider.Latest("s1").EmitPairingCode("qr-1"))
	assert.Eventually(t, func() bool {
		s, ok := h.ctrl.Get("s1")
		return ok && s.Status() == session.StatusQRPending
	}, time.Second, 5*time.Millisecond)

	rec = h.do(t, http.MethodGet, "/api/sessions", testToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []sessionResponse
	decode(t, rec, &list)
	require.Len(t, list, 1)
	assert.Equal(t, "s1", list[0].SessionID)
	assert.Equal(t, session.StatusQRPending, list[0].Status)
	assert.Equal(t, "available", list[0].QR)
}

func TestStartSessionRejectsInvalidID(t *testing.T) {
	h := newHarness(t)

	for _, id := range []string{"a%5Cb", "%20"} {
		rec := h.do(t, http.MethodPost, "/api/sessions/"+id, testToken, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "id %q", id)
	}

	entries, err := h.store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Zero(t, h.provider.Opens(`a\b`))
}

func TestStartSessionTransportFailure(t *testing.T) {
	h := newHarness(t)
	h.provider.SetOpenErr(assert.AnError)

	rec := h.do(t, http.MethodPost, "/api/sessions/s1", testToken, nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestLogout(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/api/sessions/ghost/logout", testToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	var res resultResponse
	decode(t, rec, &res)
	assert.False(t, res.Success)

	rec = h.do(t, http.MethodPost, "/api/sessions/s1", testToken, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/sessions/s1/logout", testToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &res)
	assert.True(t, res.Success)

	assert.Eventually(t, func() bool {
		_, ok := h.ctrl.Get("s1")
		return !ok
	}, time.Second, 5*time.Millisecond)
	entries, err := h.store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLogoutTransportError(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/api/sessions/s1", testToken, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	h.provider.Latest("s1").FailLogout(assert.AnError)

	rec = h.do(t, http.MethodPost, "/api/sessions/s1/logout", testToken, nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestQueueEndpoints(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/api/send-pdf", testToken, pdfBody())
	require.Equal(t, http.StatusAccepted, rec.Code)
	var res resultResponse
	decode(t, rec, &res)

	rec = h.do(t, http.MethodGet, "/api/queue", testToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var tasks []queue.Task
	decode(t, rec, &tasks)
	require.Len(t, tasks, 1)
	assert.Equal(t, res.TaskID, tasks[0].ID)
	assert.NotContains(t, rec.Body.String(), "JVBERi0", "document bytes are not listed")

	rec = h.do(t, http.MethodDelete, "/api/queue/"+res.TaskID, testToken, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = h.do(t, http.MethodDelete, "/api/queue/"+res.TaskID, testToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/queue/dead-letters", testToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestIssueTokenValidation(t *testing.T) {
	_, err := IssueToken("", "x", time.Minute)
	assert.Error(t, err)
	_, err = IssueToken("secret", "x", 0)
	assert.Error(t, err)
}

func TestServeAndStop(t *testing.T) {
	h := newHarness(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() { served <- h.server.Serve(ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, h.server.Stop(context.Background()))
	assert.ErrorIs(t, <-served, http.ErrServerClosed)
}

func TestStopBeforeServe(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.server.Stop(context.Background()))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	assert.ErrorIs(t, h.server.Serve(ln), http.ErrServerClosed)
}
