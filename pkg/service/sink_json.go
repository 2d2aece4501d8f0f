package service

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"
)

// JSONSink POSTs each rendered object to the action's target URL with the
// bearer token from the run payload. The body is the rendered template,
// which must already be a JSON document; values are substituted unescaped.
type JSONSink struct {
	client *http.Client
}

func NewJSONSink(client *http.Client) *JSONSink {
	if client == nil {
		client = http.DefaultClient
	}
	return &JSONSink{client: client}
}

func (s *JSONSink) Deliver(ctx context.Context, job *RunJob, item Item) error {
	token, _ := job.Payload["token"].(string)
	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, job.Action.TargetURL, strings.NewReader(item.Body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=UTF-8")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Errorf("target answered %s: %s",
			resp.Status, strings.TrimSpace(string(snippet)))
	}
	return nil
}
