package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/BGMLAI/exoskull-sub007/pkg/autonomy"
	"github.com/BGMLAI/exoskull-sub007/pkg/contracts"
	"github.com/BGMLAI/exoskull-sub007/pkg/escalation"
	"github.com/BGMLAI/exoskull-sub007/pkg/executor"
	"github.com/BGMLAI/exoskull-sub007/pkg/guardian"
	"github.com/BGMLAI/exoskull-sub007/pkg/interventions"
	"github.com/BGMLAI/exoskull-sub007/pkg/permissions"
	"github.com/BGMLAI/exoskull-sub007/pkg/tenants"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	t0     = time.Date(2026, 4, 14, 9, 0, 0, 0, time.UTC)
	secret = []byte("test-secret")
)

type nopSender struct{}

func (nopSender) Send(context.Context, string, string, map[string]any) (contracts.SendResult, error) {
	return contracts.SendResult{Success: true}, nil
}

type fixture struct {
	srv    http.Handler
	dir    *tenants.Directory
	values *guardian.MemoryValueStore
	v      *JWTValidator
}

func newFixture(t *testing.T, opts ...func(*Options)) *fixture {
	t.Helper()
	ctx := context.Background()
	now := func() time.Time { return t0 }

	dir := tenants.NewDirectory(tenants.NewMemoryStore()).WithClock(now)
	for _, id := range []string{"t1", "t2"} {
		_, err := dir.Create(ctx, tenants.CreateRequest{ID: id, Timezone: "UTC"})
		require.NoError(t, err)
	}
	model := permissions.NewModel(permissions.NewMemoryStore(), permissions.NewMemoryCache(time.Minute)).WithClock(now)
	require.NoError(t, model.Grant(ctx, "t1", "send_sms", "*", permissions.GrantOptions{}))

	st := interventions.NewMemoryStore()
	values := guardian.NewMemoryValueStore()
	g := guardian.New(model, st, guardian.DefaultConfig()).WithClock(guardian.ClockFunc(now))
	m := interventions.NewMachine(st, g, nil, interventions.Config{}).WithClock(now)
	esc := escalation.NewManager(escalation.NewMemoryStore(), escalation.NewMemoryLimiter(), nopSender{}, escalation.DefaultConfig()).
		WithClock(now)
	exec := executor.New(m, executor.NewSafeSender(nopSender{}, executor.SenderConfig{Timeout: time.Second}), nil, esc, executor.Config{}).
		WithClock(now)

	svc, err := autonomy.New(autonomy.Deps{
		Machine:     m,
		Guardian:    g,
		Permissions: model,
		Executor:    exec,
		Escalation:  esc,
		Tenants:     dir,
		Values:      values,
	}, autonomy.Config{})
	require.NoError(t, err)
	svc.WithClock(now)

	v := NewJWTValidator(secret, "")
	o := Options{Validator: v}
	for _, fn := range opts {
		fn(&o)
	}
	return &fixture{
		srv:    NewServer(svc, o).WithClock(now).Handler(),
		dir:    dir,
		values: values,
		v:      v,
	}
}

func (f *fixture) token(t *testing.T, tenant string) string {
	t.Helper()
	tok, err := f.v.Sign("user-"+tenant, tenant, time.Hour, time.Now())
	require.NoError(t, err)
	return tok
}

func (f *fixture) do(t *testing.T, tenant, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	if tenant != "" {
		req.Header.Set("Authorization", "Bearer "+f.token(t, tenant))
	}
	w := httptest.NewRecorder()
	f.srv.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

const smsProposal = `{"type":"message","priority":"normal","benefit_score":8,` +
	`"payload":{"action_type":"send_sms","domain":"family","body":"hi"}`

func TestHealth_IsPublic(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, "", http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(HeaderRequestID))
}

func TestHealth_ReportsFailure(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Health = func(context.Context) error { return assert.AnError }
	})
	w := f.do(t, "", http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestAuth_RejectsMissingAndBadTokens(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, "", http.MethodGet, "/api/v1/interventions", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
	p := decode[ProblemDetail](t, w)
	assert.Equal(t, "/api/v1/interventions", p.Instance)
	assert.Equal(t, w.Header().Get(HeaderRequestID), p.TraceID)

	cases := map[string]jwt.Claims{
		"no tenant": Claims{RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}},
		"expired": Claims{TenantID: "t1", RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		}},
	}
	for name, claims := range cases {
		t.Run(name, func(t *testing.T) {
			tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
			require.NoError(t, err)
			req := httptest.NewRequest(http.MethodGet, "/api/v1/interventions", nil)
			req.Header.Set("Authorization", "Bearer "+tok)
			w := httptest.NewRecorder()
			f.srv.ServeHTTP(w, req)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
		})
	}

	t.Run("wrong secret", func(t *testing.T) {
		tok, err := NewJWTValidator([]byte("other"), "").Sign("u", "t1", time.Hour, time.Now())
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodGet, "/api/v1/interventions", nil)
		req.Header.Set("Authorization", "Bearer "+tok)
		w := httptest.NewRecorder()
		f.srv.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestAuth_FailsClosedWithoutValidator(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Validator = nil })
	w := f.do(t, "t1", http.MethodGet, "/api/v1/permissions", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, http.StatusOK, f.do(t, "", http.MethodGet, "/health", "").Code)
}

func TestCreateIntervention(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, "t1", http.MethodPost, "/api/v1/interventions", smsProposal+`}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	in := decode[contracts.Intervention](t, w)
	assert.Equal(t, "t1", in.TenantID)
	assert.Equal(t, contracts.StatusQueued, in.Status)
	assert.Equal(t, "api", in.Source)

	w = f.do(t, "t1", http.MethodPost, "/api/v1/interventions", smsProposal+`,"tenant_id":"t2"}`)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(t, "t1", http.MethodPost, "/api/v1/interventions", `{"type":"teleport","priority":"normal"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, "t1", http.MethodPost, "/api/v1/interventions", `{"unknown":1}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	require.NoError(t, f.dir.Suspend(context.Background(), "t2", "paused"))
	w = f.do(t, "t2", http.MethodPost, "/api/v1/interventions", smsProposal+`}`)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestApprovalFlow(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, "t1", http.MethodPost, "/api/v1/interventions", smsProposal+`,"requires_approval":true}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	in := decode[contracts.Intervention](t, w)
	require.Equal(t, contracts.StatusPendingApproval, in.Status)

	w = f.do(t, "t2", http.MethodGet, "/api/v1/interventions/"+in.ID, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = f.do(t, "t2", http.MethodPost, "/api/v1/interventions/"+in.ID+"/respond", `{"action":"approve"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, "t1", http.MethodPost, "/api/v1/interventions/"+in.ID+"/respond", `{"action":"approve"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	approved := decode[contracts.Intervention](t, w)
	assert.Equal(t, contracts.StatusQueued, approved.Status)

	w = f.do(t, "t1", http.MethodPost, "/api/v1/interventions/"+in.ID+"/respond", `{"action":"approve"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, "t1", http.MethodGet, "/api/v1/interventions?status=queued&limit=10", "")
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[struct {
		Interventions []contracts.Intervention `json:"interventions"`
	}](t, w)
	require.Len(t, list.Interventions, 1)
	assert.Equal(t, in.ID, list.Interventions[0].ID)

	w = f.do(t, "t1", http.MethodGet, "/api/v1/interventions?since=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPermissions(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, "t2", http.MethodPost, "/api/v1/permissions",
		`{"action_type":"purchase","domain":"groceries","granted":true,"threshold_amount":50}`)
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	w = f.do(t, "t2", http.MethodPost, "/api/v1/permissions", `{"granted":true}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = f.do(t, "t2", http.MethodPost, "/api/v1/permissions", `{"action_type":"x","granted":true,"threshold_amount":-1}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = f.do(t, "t2", http.MethodPost, "/api/v1/permissions", `{"action_type":"purchase","domain":"groceries"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code, "a missing granted flag is rejected, not read as a revoke")

	w = f.do(t, "t2", http.MethodGet, "/api/v1/permissions", "")
	require.Equal(t, http.StatusOK, w.Code)
	perms := decode[struct {
		Permissions []contracts.Permission `json:"permissions"`
	}](t, w)
	require.Len(t, perms.Permissions, 1)
	assert.Equal(t, "purchase:groceries", perms.Permissions[0].Pattern)
	assert.Equal(t, "api", perms.Permissions[0].GrantedVia)
}

func TestEffectiveness(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusCreated, f.do(t, "t1", http.MethodPost, "/api/v1/interventions", smsProposal+`}`).Code)

	w := f.do(t, "t1", http.MethodGet, "/api/v1/effectiveness", "")
	require.Equal(t, http.StatusOK, w.Code)
	sum := decode[interventions.Summary](t, w)
	assert.Equal(t, 1, sum.Total)
	assert.Equal(t, 1, sum.Approved)

	w = f.do(t, "t1", http.MethodGet, "/api/v1/effectiveness?since=2026-04-15T00:00:00Z", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Zero(t, decode[interventions.Summary](t, w).Total)
}

func TestConflicts(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.values.RecordConflict(context.Background(), contracts.ValueConflict{
		ID:             "c1",
		TenantID:       "t1",
		InterventionID: "i1",
		ConstraintID:   "no-early-calls",
		DetectedAt:     t0,
	}))

	w := f.do(t, "t2", http.MethodGet, "/api/v1/conflicts", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"conflicts":[]}`, w.Body.String())

	w = f.do(t, "t2", http.MethodPost, "/api/v1/conflicts/c1/resolve", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, "t1", http.MethodPost, "/api/v1/conflicts/c1/resolve", "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = f.do(t, "t1", http.MethodGet, "/api/v1/conflicts", "")
	assert.JSONEq(t, `{"conflicts":[]}`, w.Body.String())
}

func TestInboundResponse(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, "t1", http.MethodPost, "/api/v1/responses", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"cancelled":0}`, w.Body.String())

	w = f.do(t, "t1", http.MethodPost, "/api/v1/responses", `{"at":"not a time"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRateLimit_PerTenant(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Limiter = NewTenantRateLimiter(1, 2) })

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, f.do(t, "t1", http.MethodGet, "/api/v1/permissions", "").Code)
	}
	w := f.do(t, "t1", http.MethodGet, "/api/v1/permissions", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, f.do(t, "t2", http.MethodGet, "/api/v1/permissions", "").Code)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestTenantRateLimiter_RefillsAndForgets(t *testing.T) {
	c := &fakeClock{now: t0}
	l := NewTenantRateLimiter(1, 1).WithClock(c.Now)

	ok, _ := l.Allow("t1")
	require.True(t, ok)
	ok, wait := l.Allow("t1")
	require.False(t, ok)
	assert.InDelta(t, time.Second, wait, float64(10*time.Millisecond))

	c.Advance(time.Second)
	ok, _ = l.Allow("t1")
	assert.True(t, ok)

	c.Advance(time.Hour)
	ok, _ = l.Allow("t2")
	assert.True(t, ok)
	l.mu.Lock()
	_, kept := l.visitors["t1"]
	l.mu.Unlock()
	assert.False(t, kept)
}
