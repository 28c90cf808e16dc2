package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BGMLAI/exoskull-sub007/pkg/api"
	"github.com/BGMLAI/exoskull-sub007/pkg/autonomy"
	"github.com/BGMLAI/exoskull-sub007/pkg/contracts"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(append([]string{"--env-file", filepath.Join(t.TempDir(), "missing.env")}, args...))
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func sqliteEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "sqlite://"+filepath.Join(t.TempDir(), "exoskull.db"))
	t.Setenv("REDIS_URL", "")
	t.Setenv("ARCHIVE_URL", "")
	t.Setenv("POLICY_PROFILE", "")
	t.Setenv("OTEL_ENABLED", "false")
	t.Setenv("CHANNEL_WEBHOOK_URL", "")
	t.Setenv("REASONING_WEBHOOK_URL", "")
}

func TestMigrate_IsIdempotent(t *testing.T) {
	sqliteEnv(t)
	out, err := execute(t, "migrate")
	require.NoError(t, err)
	assert.Equal(t, "migrated 9 stores\n", out)

	_, err = execute(t, "migrate")
	require.NoError(t, err)
}

func TestTenantAndSweep(t *testing.T) {
	sqliteEnv(t)
	t.Setenv("ARCHIVE_URL", t.TempDir())
	_, err := execute(t, "migrate")
	require.NoError(t, err)

	out, err := execute(t, "tenant", "create", "t1", "--timezone", "Europe/Warsaw", "--quiet-from", "23", "--quiet-to", "6")
	require.NoError(t, err)
	assert.Contains(t, out, `"timezone": "Europe/Warsaw"`)
	_, err = execute(t, "tenant", "create", "t2")
	require.NoError(t, err)
	_, err = execute(t, "tenant", "suspend", "t2", "--reason", "test")
	require.NoError(t, err)

	out, err = execute(t, "sweep", "executor")
	require.NoError(t, err)
	var sum autonomy.BatchSummary
	require.NoError(t, json.Unmarshal([]byte(out), &sum))
	assert.Equal(t, autonomy.JobExecutor, sum.Sweep)
	assert.Equal(t, 1, sum.Tenants, "suspended tenants are not swept")
	assert.Equal(t, 1, sum.Succeeded)

	out, err = execute(t, "sweep", "daily")
	require.NoError(t, err)
	sum = autonomy.BatchSummary{}
	require.NoError(t, json.Unmarshal([]byte(out), &sum))
	assert.Equal(t, 1, sum.Preferences)
	assert.Len(t, sum.Receipts, 2, "one tenant report and the audit snapshot")

	_, err = execute(t, "sweep", "cycle")
	assert.ErrorIs(t, err, autonomy.ErrUnavailable)

	_, err = execute(t, "sweep", "weekly")
	assert.Error(t, err)

	_, err = execute(t, "tenant", "reactivate", "t2")
	require.NoError(t, err)
}

func TestToken_IsAcceptedByTheAPI(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	out, err := execute(t, "token", "t1", "--ttl", "1h")
	require.NoError(t, err)

	p, err := api.NewJWTValidator([]byte("s3cret"), "").Validate(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "t1", p.TenantID)
	assert.Equal(t, "cli:t1", p.Subject)

	t.Setenv("JWT_SECRET", "")
	_, err = execute(t, "token", "t1")
	assert.Error(t, err)
}

func TestWebhookSender(t *testing.T) {
	var got webhookRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		switch got.Channel {
		case "voice":
			http.Error(w, "no voice provider", http.StatusBadGateway)
			return
		case "push":
			_, _ = w.Write([]byte(`{"success":false}`))
			return
		case "email":
			w.WriteHeader(http.StatusAccepted)
			return
		}
		_, _ = w.Write([]byte(`{"success":true,"external_id":"msg-1"}`))
	}))
	defer srv.Close()

	s := &webhookSender{url: srv.URL, token: "tok", client: srv.Client()}
	res, err := s.Send(context.Background(), "t1", "sms", map[string]any{"body": "hi"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "msg-1", res.ExternalID)
	assert.Equal(t, "t1", got.TenantID)
	assert.Equal(t, "hi", got.Payload["body"])

	res, err = s.Send(context.Background(), "t1", "voice", nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "502")

	res, err = s.Send(context.Background(), "t1", "push", nil)
	require.NoError(t, err)
	assert.False(t, res.Success, "an explicit success:false is a failure")
	assert.Equal(t, "gateway reported failure", res.Error)

	res, err = s.Send(context.Background(), "t1", "email", nil)
	require.NoError(t, err)
	assert.True(t, res.Success, "an empty 2xx body acknowledges the delivery")
}

func TestWebhookReasoner(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var rc contracts.ReasoningContext
		require.NoError(t, json.NewDecoder(r.Body).Decode(&rc))
		if rc.TenantID == "idle" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		_, _ = w.Write([]byte(`{"type":"message","priority":"low","benefit_score":5,"payload":{"body":"stretch"}}`))
	}))
	defer srv.Close()

	r := &webhookReasoner{url: srv.URL, client: srv.Client()}
	p, err := r.Propose(context.Background(), contracts.ReasoningContext{TenantID: "idle", Now: time.Now()})
	require.NoError(t, err)
	assert.Nil(t, p)

	p, err = r.Propose(context.Background(), contracts.ReasoningContext{TenantID: "t1", Now: time.Now()})
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, contracts.TypeMessage, p.Type)
	assert.Equal(t, 5.0, p.BenefitScore)
}
