package conveyor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIssueWebhookToken(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	hooked := cronWorkflow(t, Options{Name: "Hooked", WebhookEnabled: true})
	plain := cronWorkflow(t, Options{Name: "Plain"})
	rt := newUnstartedRuntime(t, store, hooked, plain)

	token, err := rt.IssueWebhookToken(ctx, "hooked", "partner-a", 0)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	// Workflows without a webhook trigger never get tokens.
	_, err = rt.IssueWebhookToken(ctx, "plain", "partner-a", 0)
	require.Error(t, err)
	require.True(t, IsConfigError(err))

	_, err = rt.IssueWebhookToken(ctx, "missing", "partner-a", 0)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestHandleWebhook(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	hooked := cronWorkflow(t, Options{Name: "Hooked", WebhookEnabled: true})
	rt := newUnstartedRuntime(t, store, hooked)

	token, err := rt.IssueWebhookToken(ctx, "hooked", "partner-a", time.Hour)
	require.NoError(t, err)

	job, err := rt.HandleWebhook(ctx, token, json.RawMessage(`{"order": 7}`))
	require.NoError(t, err)
	require.Equal(t, TriggerWebhook, job.Trigger)
	require.Equal(t, "partner-a", job.TriggerID)
	require.JSONEq(t, `{"order": 7}`, string(job.Payload))

	// The same token starts independent jobs on each call.
	second, err := rt.HandleWebhook(ctx, token, nil)
	require.NoError(t, err)
	require.NotEqual(t, job.ID, second.ID)
}

func TestHandleWebhookRejectsBadTokens(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	hooked := cronWorkflow(t, Options{Name: "Hooked", WebhookEnabled: true})
	rt := newUnstartedRuntime(t, store, hooked)

	_, err := rt.HandleWebhook(ctx, "garbage", nil)
	require.ErrorIs(t, err, ErrUnauthorized)

	// A resume token is not a webhook token.
	resumeToken, err := rt.ResumeToken("job_1")
	require.NoError(t, err)
	_, err = rt.HandleWebhook(ctx, resumeToken, nil)
	require.ErrorIs(t, err, ErrUnauthorized)

	// Expired tokens are rejected after signature verification.
	expired, err := rt.signer.Sign(tokenClaims{
		Purpose:   tokenPurposeWebhook,
		Subject:   "hooked",
		Key:       "partner-a",
		ExpiresAt: time.Now().Add(-time.Minute).Unix(),
	})
	require.NoError(t, err)
	_, err = rt.HandleWebhook(ctx, expired, nil)
	require.ErrorIs(t, err, ErrTokenExpired)

	// A valid token for a workflow no longer registered resolves to nothing.
	ghost, err := rt.signer.Sign(tokenClaims{
		Purpose:   tokenPurposeWebhook,
		Subject:   "retired",
		ExpiresAt: time.Now().Add(time.Hour).Unix(),
	})
	require.NoError(t, err)
	_, err = rt.HandleWebhook(ctx, ghost, nil)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestHandleWebhookAfterTriggerRemoved(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	plain := cronWorkflow(t, Options{Name: "Plain"})
	rt := newUnstartedRuntime(t, store, plain)

	// A correctly signed, unexpired token whose workflow dropped its webhook
	// trigger after issuance must not keep starting runs.
	stale, err := rt.signer.Sign(tokenClaims{
		Purpose:   tokenPurposeWebhook,
		Subject:   "plain",
		Key:       "partner-a",
		ExpiresAt: time.Now().Add(time.Hour).Unix(),
	})
	require.NoError(t, err)

	_, err = rt.HandleWebhook(ctx, stale, nil)
	require.ErrorIs(t, err, ErrBadRequest)
}
