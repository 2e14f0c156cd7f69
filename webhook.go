package conveyor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// DefaultWebhookTokenTTL bounds webhook token validity when the issuer does
// not choose one.
const DefaultWebhookTokenTTL = 7 * 24 * time.Hour

// IssueWebhookToken mints a signed bearer token a third party can present
// to start runs of the workflow. The key labels the integration the token
// was issued for and is recorded on every job it starts.
func (r *Runtime) IssueWebhookToken(ctx context.Context, workflowID, key string, ttl time.Duration) (string, error) {
	w, err := r.resolveWorkflow(workflowID, "")
	if err != nil {
		return "", err
	}
	if !w.WebhookEnabled() {
		return "", NewConfigError(w.Name(), "workflow does not accept webhooks")
	}
	if ttl <= 0 {
		ttl = DefaultWebhookTokenTTL
	}

	token, err := r.signer.Sign(tokenClaims{
		Purpose:   tokenPurposeWebhook,
		Subject:   w.ID(),
		Key:       key,
		ExpiresAt: time.Now().Add(ttl).Unix(),
	})
	if err != nil {
		return "", err
	}

	entry := newAuditEntry(AuditWebhookIssued)
	entry.WorkflowID = w.ID()
	entry.Subject = key
	entry.Detail = map[string]any{"ttl": ttl.String()}
	if err := r.audit.LogAudit(ctx, entry); err != nil {
		r.logger.Error("failed to write audit entry", "error", err)
	}
	return token, nil
}

// HandleWebhook verifies a webhook token and starts a run of its workflow
// with the request body as the job payload. Verification failures map to
// ErrUnauthorized or ErrTokenExpired; a token for a workflow no longer in
// the registry maps to ErrNotFound, and one for a workflow that no longer
// declares a webhook trigger maps to ErrBadRequest.
func (r *Runtime) HandleWebhook(ctx context.Context, token string, body json.RawMessage) (*Job, error) {
	claims, err := r.signer.Verify(token, tokenPurposeWebhook)
	if err != nil {
		return nil, err
	}
	w, err := r.resolveWorkflow(claims.Subject, "")
	if err != nil {
		return nil, err
	}
	// Tokens outlive declarations. Re-check the trigger on every call so a
	// token issued before the webhook trigger was removed stops working.
	if !w.WebhookEnabled() {
		return nil, fmt.Errorf("%w: workflow does not accept webhooks", ErrBadRequest)
	}

	job, err := r.Run(ctx, RunRequest{
		WorkflowID: w.ID(),
		Payload:    body,
		Trigger:    TriggerWebhook,
		TriggerID:  claims.Key,
	})
	if err != nil {
		return nil, err
	}

	entry := newAuditEntry(AuditWebhookReceived)
	entry.WorkflowID = claims.Subject
	entry.JobID = job.ID
	entry.Subject = claims.Key
	if err := r.audit.LogAudit(ctx, entry); err != nil {
		r.logger.Error("failed to write audit entry", "error", err)
	}
	return job, nil
}
