package notify

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSendFailure(t *testing.T) {
	var gotTitle, gotPriority, gotAuth, gotBody, gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTitle = r.Header.Get("Title")
		gotPriority = r.Header.Get("Priority")
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := &Config{Enabled: true, Server: server.URL + "/", Topic: "scores", Priority: "default", Tags: "warning", Token: "tk"}
	client := NewClient(cfg, zap.NewNop())

	err := client.SendFailure(context.Background(), CycleFailure{
		Consecutive: 2,
		Watermark:   1234,
		Cooldown:    30 * time.Second,
		Err:         errors.New("max retries exceeded"),
	})
	require.NoError(t, err)

	assert.Equal(t, "/scores", gotPath)
	assert.Equal(t, "Score polling failing", gotTitle)
	assert.Equal(t, "high", gotPriority, "failures are sent with high priority")
	assert.Equal(t, "Bearer tk", gotAuth)
	assert.Contains(t, gotBody, "Last score id: 1234")
	assert.Contains(t, gotBody, "max retries exceeded")
}

func TestSendFailure_BadStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	cfg := &Config{Enabled: true, Server: server.URL, Topic: "scores", Priority: "default"}
	client := NewClient(cfg, zap.NewNop())

	err := client.SendRecovered(context.Background(), 3, time.Minute, 99)
	assert.Error(t, err, "non-2xx response")
}

func TestNew_Disabled(t *testing.T) {
	n := New(&Config{Enabled: false}, zap.NewNop())
	assert.IsType(t, &NoopNotifier{}, n)
}

func TestConfigValidate(t *testing.T) {
	assert.Error(t, (&Config{Enabled: true, Priority: "default"}).Validate(), "topic is missing")
	assert.Error(t, (&Config{Enabled: true, Topic: "t", Priority: "loud"}).Validate(), "invalid priority")
	assert.NoError(t, (&Config{}).Validate(), "disabled config is valid")
}
