package service_test

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gomail "gopkg.in/gomail.v2"

	"github.com/rowmail/rowmail/pkg/models"
	"github.com/rowmail/rowmail/pkg/service"
)

type fakeMailSender struct {
	mu       sync.Mutex
	messages []*gomail.Message
}

func (s *fakeMailSender) Send(m *gomail.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, m)
	return nil
}

func (s *fakeMailSender) last(t *testing.T) *gomail.Message {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.messages)
	return s.messages[len(s.messages)-1]
}

func messageText(t *testing.T, m *gomail.Message) string {
	t.Helper()
	buf := &bytes.Buffer{}
	_, err := m.WriteTo(buf)
	require.NoError(t, err)
	return buf.String()
}

func emailJob(payload map[string]any) *service.RunJob {
	return &service.RunJob{
		User:    "teacher@uni.edu",
		Action:  models.Action{Name: "weekly mail"},
		Payload: payload,
	}
}

func TestEmailSinkDeliver(t *testing.T) {
	sender := &fakeMailSender{}
	sink := service.NewEmailSink(sender, service.SMTPSettings{})
	ctx := context.Background()

	item := service.Item{
		Recipient: "ann@uni.edu",
		Subject:   "Week 3",
		Body:      "<p>Hi <b>Ann</b></p>",
	}
	require.NoError(t, sink.Deliver(ctx, emailJob(map[string]any{}), item))

	m := sender.last(t)
	assert.Equal(t, []string{"teacher@uni.edu"}, m.GetHeader("From"))
	assert.Equal(t, []string{"ann@uni.edu"}, m.GetHeader("To"))
	assert.Equal(t, []string{"Week 3"}, m.GetHeader("Subject"))

	raw := messageText(t, m)
	assert.Contains(t, raw, "text/html")
	assert.Contains(t, raw, "text/plain", "multipart with a derived plain part")
	assert.Contains(t, raw, "Hi Ann")
}

func TestEmailSinkHTMLOnly(t *testing.T) {
	sender := &fakeMailSender{}
	sink := service.NewEmailSink(sender, service.SMTPSettings{})

	item := service.Item{Recipient: "ann@uni.edu", Subject: "s", Body: "<p>Hi</p>"}
	require.NoError(t, sink.Deliver(context.Background(),
		emailJob(map[string]any{"html_only": true}), item))

	raw := messageText(t, sender.last(t))
	assert.Contains(t, raw, "text/html")
	assert.NotContains(t, raw, "text/plain")
}

func TestEmailSinkFromOverride(t *testing.T) {
	sender := &fakeMailSender{}
	sink := service.NewEmailSink(sender, service.SMTPSettings{OverrideFrom: "noreply@uni.edu"})

	item := service.Item{Recipient: "ann@uni.edu", Subject: "s", Body: "b"}
	require.NoError(t, sink.Deliver(context.Background(), emailJob(map[string]any{}), item))
	assert.Equal(t, []string{"noreply@uni.edu"}, sender.last(t).GetHeader("From"))
}

func TestEmailSinkRecipientValidation(t *testing.T) {
	sink := service.NewEmailSink(&fakeMailSender{}, service.SMTPSettings{})

	item := service.Item{Recipient: "not an address", Subject: "s", Body: "b"}
	err := sink.Deliver(context.Background(), emailJob(map[string]any{}), item)
	assert.Error(t, err)
}

func TestEmailSinkCcBcc(t *testing.T) {
	sender := &fakeMailSender{}
	sink := service.NewEmailSink(sender, service.SMTPSettings{})
	item := service.Item{Recipient: "ann@uni.edu", Subject: "s", Body: "b"}

	require.NoError(t, sink.Deliver(context.Background(), emailJob(map[string]any{
		"cc_email":  "tutor@uni.edu; head@uni.edu",
		"bcc_email": "archive@uni.edu",
	}), item))
	m := sender.last(t)
	assert.Equal(t, []string{"tutor@uni.edu", "head@uni.edu"}, m.GetHeader("Cc"))
	assert.Equal(t, []string{"archive@uni.edu"}, m.GetHeader("Bcc"))

	err := sink.Deliver(context.Background(), emailJob(map[string]any{
		"cc_email": "tutor@uni.edu, broken",
	}), item)
	assert.True(t, models.IsValidation(err))
}

func TestEmailSinkConfirm(t *testing.T) {
	sender := &fakeMailSender{}
	sink := service.NewEmailSink(sender, service.SMTPSettings{})

	job := emailJob(map[string]any{})
	job.TrackColumn = "EmailRead_1"
	require.NoError(t, sink.Confirm(context.Background(), job, 2, 3))

	m := sender.last(t)
	assert.Equal(t, []string{"teacher@uni.edu"}, m.GetHeader("To"))
	raw := messageText(t, m)
	assert.Contains(t, raw, "2 of 3 messages were sent")
	assert.Contains(t, raw, "EmailRead_1")
}
