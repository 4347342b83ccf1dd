package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"peepal-go/internal/logger"
	"peepal-go/internal/metrics"
	"peepal-go/internal/models"
	"peepal-go/internal/push"
	"peepal-go/internal/reminder"
	"peepal-go/internal/store"
	"peepal-go/internal/suggest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.UnixMilli(1_760_000_000_000)

type recordingSender struct {
	mu   sync.Mutex
	sent []string
	errs map[string]error
}

func (s *recordingSender) Send(ctx context.Context, sub models.PushSubscription, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sub.Endpoint)
	return s.errs[sub.Endpoint]
}

type stubBackend struct {
	candidates []suggest.Candidate
	err        error
	policy     suggest.FailurePolicy
	lastQuery  suggest.Query
}

func (b *stubBackend) Name() string { return "stub" }

func (b *stubBackend) DefaultPolicy() suggest.FailurePolicy { return b.policy }

func (b *stubBackend) Candidates(ctx context.Context, q suggest.Query) ([]suggest.Candidate, error) {
	b.lastQuery = q
	return b.candidates, b.err
}

type testServer struct {
	t       *testing.T
	router  http.Handler
	store   *store.MemoryStore
	sender  *recordingSender
	backend *stubBackend
}

func newTestServer(t *testing.T, opts Options, ropts RouterOptions) *testServer {
	t.Helper()
	st := store.NewMemoryStore()
	sender := &recordingSender{errs: map[string]error{}}
	m := metrics.New()
	log := logger.Discard()
	sched := reminder.NewScheduler(st, sender, m, log, reminder.Options{Now: func() time.Time { return now }})
	backend := &stubBackend{policy: suggest.FailOpen}
	svc := suggest.NewService(backend, suggest.FailOpen, m, log)

	opts.Now = func() time.Time { return now }
	h := NewHandler(st, sched, svc, m, log, opts)
	return &testServer{t: t, router: NewRouter(h, ropts), store: st, sender: sender, backend: backend}
}

func (s *testServer) do(method, path string, body any, headers ...string) (*httptest.ResponseRecorder, map[string]any) {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var out map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(s.t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func subscription(endpoint string) map[string]any {
	return map[string]any{
		"endpoint":       endpoint,
		"expirationTime": nil,
		"keys":           map[string]string{"p256dh": "BNc", "auth": "tBH"},
	}
}

func TestSaveSubscription(t *testing.T) {
	s := newTestServer(t, Options{}, RouterOptions{})
	endpoint := "https://fcm.googleapis.com/fcm/send/abc123"

	rec, body := s.do(http.MethodPost, "/api/save-subscription", map[string]any{"subscription": subscription(endpoint)})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, endpoint, body["endpoint"])
	assert.Equal(t, true, body["created"])

	stored, err := s.store.Get(context.Background(), endpoint)
	require.NoError(t, err)
	assert.Equal(t, 60, stored.FrequencyMinutes)
	assert.Equal(t, models.LanguageEnglish, stored.Language)
	assert.Equal(t, now.Add(time.Hour), stored.NextAt)

	_, body = s.do(http.MethodPost, "/api/save-subscription", map[string]any{"subscription": subscription(endpoint)})
	assert.Equal(t, false, body["created"])
}

func TestSaveSubscriptionValidation(t *testing.T) {
	s := newTestServer(t, Options{}, RouterOptions{})
	tests := []struct {
		name string
		body any
		want string
	}{
		{"empty body", "", "No subscription provided"},
		{"no subscription", map[string]any{}, "No subscription provided"},
		{"no endpoint", map[string]any{"subscription": map[string]any{"keys": map[string]string{"p256dh": "a", "auth": "b"}}}, "No subscription provided"},
		{"relative endpoint", map[string]any{"subscription": subscription("/push")}, "Invalid subscription"},
		{"no keys", map[string]any{"subscription": map[string]any{"endpoint": "https://push.example/x"}}, "Invalid subscription"},
		{"not json", "{nope", "Invalid JSON body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := s.do(http.MethodPost, "/api/save-subscription", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, false, body["ok"])
			assert.Contains(t, body["error"], tt.want)
		})
	}
	n, _ := s.store.Count(context.Background())
	assert.Zero(t, n)
}

func TestSetPreferences(t *testing.T) {
	s := newTestServer(t, Options{}, RouterOptions{})
	endpoint := "https://push.example/prefs"
	s.do(http.MethodPost, "/api/save-subscription", map[string]any{"subscription": subscription(endpoint)})

	tests := []struct {
		name     string
		freq     any
		lang     string
		wantFreq float64
		wantLang string
	}{
		{"explicit", 15, "de", 15, "de"},
		{"clamped low", 1, "zh", 5, "zh"},
		{"zero clamps to minimum", 0, "en", 5, "en"},
		{"clamped high", 10_000, "EN", 1440, "en"},
		{"numeric string", "30", "fr", 30, "en"},
		{"huge number", 1e20, "de", 1440, "de"},
		{"infinity string", "Infinity", "de", 1440, "de"},
		{"negative infinity string", "-Infinity", "de", 5, "de"},
		{"nan string", "NaN", "de", 60, "de"},
		{"not a number", "soon", "de", 60, "de"},
		{"absent", nil, "de", 60, "de"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := map[string]any{"endpoint": endpoint, "language": tt.lang}
			if tt.freq != nil {
				req["frequencyMinutes"] = tt.freq
			}
			rec, body := s.do(http.MethodPost, "/api/set-preferences", req)
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, tt.wantFreq, body["frequencyMinutes"])
			assert.Equal(t, tt.wantLang, body["language"])
			assert.Equal(t, float64(now.Add(time.Duration(tt.wantFreq)*time.Minute).UnixMilli()), body["nextAt"])
		})
	}
}

func TestSetPreferencesErrors(t *testing.T) {
	s := newTestServer(t, Options{}, RouterOptions{})

	rec, body := s.do(http.MethodPost, "/api/set-preferences", map[string]any{"frequencyMinutes": 10})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Missing endpoint", body["error"])

	rec, body = s.do(http.MethodPost, "/api/set-preferences", map[string]any{"endpoint": "https://push.example/nobody"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Unknown endpoint", body["error"])
}

func TestRotateSubscription(t *testing.T) {
	s := newTestServer(t, Options{}, RouterOptions{})
	ctx := context.Background()
	oldEndpoint := "https://push.example/old"
	newEndpoint := "https://push.example/new"
	s.do(http.MethodPost, "/api/save-subscription", map[string]any{"subscription": subscription(oldEndpoint)})
	s.do(http.MethodPost, "/api/set-preferences", map[string]any{"endpoint": oldEndpoint, "frequencyMinutes": 20, "language": "zh"})

	rec, body := s.do(http.MethodPost, "/api/rotate-subscription", map[string]any{
		"oldEndpoint":     oldEndpoint,
		"newSubscription": subscription(newEndpoint),
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["rotated"])
	assert.Equal(t, newEndpoint, body["endpoint"])

	_, err := s.store.Get(ctx, oldEndpoint)
	assert.ErrorIs(t, err, store.ErrNotFound)
	moved, err := s.store.Get(ctx, newEndpoint)
	require.NoError(t, err)
	assert.Equal(t, 20, moved.FrequencyMinutes)
	assert.Equal(t, models.LanguageChinese, moved.Language)

	// Unknown old endpoint falls back to an upsert.
	_, body = s.do(http.MethodPost, "/api/rotate-subscription", map[string]any{
		"oldEndpoint":     "https://push.example/ghost",
		"newSubscription": subscription("https://push.example/fresh"),
	})
	assert.Equal(t, false, body["rotated"])
	fresh, err := s.store.Get(ctx, "https://push.example/fresh")
	require.NoError(t, err)
	assert.Equal(t, 60, fresh.FrequencyMinutes)

	rec, body = s.do(http.MethodPost, "/api/rotate-subscription", map[string]any{"oldEndpoint": newEndpoint})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Missing new subscription", body["error"])
}

func TestDeleteSubscription(t *testing.T) {
	s := newTestServer(t, Options{}, RouterOptions{})
	endpoint := "https://push.example/bye"
	s.do(http.MethodPost, "/api/save-subscription", map[string]any{"subscription": subscription(endpoint)})

	_, body := s.do(http.MethodPost, "/api/delete-subscription", map[string]any{"endpoint": endpoint})
	assert.Equal(t, true, body["deleted"])

	_, body = s.do(http.MethodPost, "/api/delete-subscription", map[string]any{"endpoint": endpoint})
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, false, body["deleted"])

	rec, _ := s.do(http.MethodPost, "/api/delete-subscription", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSendPushAndStatus(t *testing.T) {
	s := newTestServer(t, Options{}, RouterOptions{})
	alive := "https://push.example/device/alive1"
	gone := "https://push.example/device/gone22"
	for _, e := range []string{alive, gone} {
		s.do(http.MethodPost, "/api/save-subscription", map[string]any{"subscription": subscription(e)})
	}
	s.sender.errs[gone] = &push.DeliveryError{StatusCode: http.StatusGone}

	rec, body := s.do(http.MethodPost, "/api/send-push", map[string]any{"message": "hello"})
	require.Equal(t, http.StatusOK, rec.Code)
	results := body["results"].([]any)
	require.Len(t, results, 2)
	assert.ElementsMatch(t, []string{alive, gone}, s.sender.sent)

	rec, body = s.do(http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["count"])
	assert.Equal(t, float64(now.UnixMilli()), body["serverTime"])
	users := body["users"].([]any)
	require.Len(t, users, 1)
	user := users[0].(map[string]any)
	assert.Equal(t, "https://push.example/…alive1", user["endpoint"])
	assert.Equal(t, float64(60), user["frequencyMinutes"])
	assert.Equal(t, "en", user["language"])
}

func TestAdminSignature(t *testing.T) {
	secret := "s3cret"
	s := newTestServer(t, Options{AdminSecret: secret}, RouterOptions{})

	rec, _ := s.do(http.MethodGet, "/api/status", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = s.do(http.MethodGet, "/api/status", nil, signatureHeader, "deadbeef")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = s.do(http.MethodGet, "/api/status", nil, signatureHeader, Sign(nil, secret))
	assert.Equal(t, http.StatusOK, rec.Code)

	payload := `{"message":"signed"}`
	rec, body := s.do(http.MethodPost, "/api/send-push", payload, signatureHeader, Sign([]byte(payload), secret))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["ok"])

	// Subscription routes stay public.
	rec, _ = s.do(http.MethodPost, "/api/save-subscription", map[string]any{"subscription": subscription("https://push.example/p")})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestVAPIDPublicKeyAndHealth(t *testing.T) {
	s := newTestServer(t, Options{VAPIDPublicKey: "BPub"}, RouterOptions{})

	_, body := s.do(http.MethodGet, "/api/vapid-public-key", nil)
	assert.Equal(t, "BPub", body["publicKey"])

	rec, body := s.do(http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["ok"])

	rec, _ = s.do(http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "peepal_reminders_sent_total")
}

func TestBodyTooLarge(t *testing.T) {
	s := newTestServer(t, Options{}, RouterOptions{})
	big := `{"message":"` + strings.Repeat("x", maxBodyBytes) + `"}`
	rec, body := s.do(http.MethodPost, "/api/send-push", big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, false, body["ok"])
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t, Options{}, RouterOptions{CORSOrigins: []string{"https://peepal.app"}})
	req := httptest.NewRequest(http.MethodOptions, "/api/save-subscription", nil)
	req.Header.Set("Origin", "https://peepal.app")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, "https://peepal.app", rec.Header().Get("Access-Control-Allow-Origin"))
}
