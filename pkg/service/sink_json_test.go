package service_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rowmail/rowmail/pkg/models"
	"github.com/rowmail/rowmail/pkg/service"
)

func TestJSONSinkDeliver(t *testing.T) {
	type posted struct {
		contentType string
		auth        string
		body        string
	}
	var got posted
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got = posted{
			contentType: r.Header.Get("Content-Type"),
			auth:        r.Header.Get("Authorization"),
			body:        string(body),
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := service.NewJSONSink(srv.Client())
	job := &service.RunJob{
		Payload: map[string]any{"token": "sekrit"},
		Action:  models.Action{Type: models.PersonalizedJSON, TargetURL: srv.URL},
	}
	item := service.Item{Recipient: "ann@uni.edu", Body: `{"mark": 9}`}

	require.NoError(t, sink.Deliver(context.Background(), job, item))
	assert.Equal(t, "application/x-www-form-urlencoded; charset=UTF-8", got.contentType)
	assert.Equal(t, "Bearer sekrit", got.auth)
	assert.Equal(t, `{"mark": 9}`, got.body)
}

func TestJSONSinkReportsTargetFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	sink := service.NewJSONSink(srv.Client())
	job := &service.RunJob{
		Payload: map[string]any{"token": "sekrit"},
		Action:  models.Action{Type: models.PersonalizedJSON, TargetURL: srv.URL},
	}
	err := sink.Deliver(context.Background(), job, service.Item{Body: "{}"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}
