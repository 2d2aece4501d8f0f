package service

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/rowmail/rowmail/pkg/models"
)

// CanvasSink delivers personalized messages through the Canvas
// conversations API. Each item becomes one conversation addressed to the
// Canvas user id in the item column.
type CanvasSink struct {
	client *http.Client
	tokens *TokenManager
}

func NewCanvasSink(client *http.Client, tokens *TokenManager) *CanvasSink {
	if client == nil {
		client = http.DefaultClient
	}
	return &CanvasSink{client: client, tokens: tokens}
}

// Pacing returns the burst size and pause of the Canvas instance named in
// the run payload, so instance limits hold even without explicit overrides.
func (s *CanvasSink) Pacing(job *RunJob) (int, time.Duration, bool) {
	instance, _ := job.Payload["canvas_instance"].(string)
	inst, ok := s.tokens.Instance(instance)
	if !ok || (inst.BurstSize == 0 && inst.BurstPause == 0) {
		return 0, 0, false
	}
	return inst.BurstSize, inst.BurstPause, true
}

func (s *CanvasSink) Deliver(ctx context.Context, job *RunJob, item Item) error {
	instance, _ := job.Payload["canvas_instance"].(string)
	inst, ok := s.tokens.Instance(instance)
	if !ok {
		return &models.OAuthError{Instance: instance, Err: errors.New("unknown canvas instance")}
	}
	token, err := s.tokens.AccessToken(ctx, job.User, instance)
	if err != nil {
		return err
	}

	resp, err := s.post(ctx, inst, token, item)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusUnauthorized &&
		resp.Header.Get("WWW-Authenticate") != "" {
		// The access token was revoked or expired server-side. Refresh once
		// and retry; a second 401 is a real failure.
		resp.Body.Close()
		token, err = s.tokens.Refresh(ctx, job.User, instance)
		if err != nil {
			return err
		}
		resp, err = s.post(ctx, inst, token, item)
		if err != nil {
			return err
		}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Errorf("canvas answered %s: %s",
			resp.Status, strings.TrimSpace(string(snippet)))
	}
	return nil
}

func (s *CanvasSink) post(ctx context.Context, inst CanvasInstance, token string, item Item) (*http.Response, error) {
	form := url.Values{}
	form.Set("recipients[]", item.Recipient)
	form.Set("subject", item.Subject)
	form.Set("body", item.Body)
	form.Set("force_new", "true")

	endpoint := strings.TrimRight(inst.BaseURL, "/") + "/api/v1/conversations"
	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=UTF-8")
	req.Header.Set("Authorization", "Bearer "+token)
	return s.client.Do(req)
}
