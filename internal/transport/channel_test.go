package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shafraz007/endpoint-agent/internal/instruction"
	"github.com/shafraz007/endpoint-agent/internal/logging"
)

func newChannel() *HTTPChannel {
	return NewHTTPChannel(ChannelConfig{Timeout: 2 * time.Second, UserAgent: "endpoint-agent/test", Logger: logging.Discard()})
}

func TestPostSendsMetadataAndDecodes(t *testing.T) {
	var got http.Header
	var body ReportRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"instructions":[{"associatedId":4,"type":2,"payload":{"$type":"shell","command":"hostname"}}]}`)
	}))
	defer srv.Close()

	var resp ReportResponse
	err := newChannel().Post(context.Background(), srv.URL+ReportPath, ReportRequest{
		InstructionResults: []instruction.Result{instruction.Succeeded(1, "ok")},
	}, &resp, Metadata{BearerToken: "tok", AgentID: "host_1", AgentVersion: "1.2.3", Tag: "lab"})
	require.NoError(t, err)

	assert.Equal(t, "Bearer tok", got.Get("Authorization"))
	assert.Equal(t, "host_1", got.Get("X-Agent-Id"))
	assert.Equal(t, "1.2.3", got.Get("X-Agent-Version"))
	assert.Equal(t, "lab", got.Get("X-Tag"))
	assert.Equal(t, "endpoint-agent/test", got.Get("User-Agent"))
	assert.Equal(t, int64(1), body.InstructionResults[0].InstructionID)

	require.Len(t, resp.Instructions, 1)
	assert.Equal(t, instruction.ShellCommandPayload{Command: "hostname", Timeout: instruction.DefaultShellTimeoutMillis}, resp.Instructions[0].Payload)
}

func TestPostKeepsMalformedInstruction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"instructions":[
			{"associatedId":1,"type":2,"payload":{"command":"hostname"}},
			{"associatedId":2,"type":2,"payload":{"command":42}}
		]}`)
	}))
	defer srv.Close()

	var resp ReportResponse
	require.NoError(t, newChannel().Post(context.Background(), srv.URL+ReportPath, ReportRequest{}, &resp, Metadata{}))

	require.Len(t, resp.Instructions, 2)
	assert.IsType(t, instruction.ShellCommandPayload{}, resp.Instructions[0].Payload)
	assert.IsType(t, instruction.InvalidPayload{}, resp.Instructions[1].Payload)
}

func TestPostStatusMapping(t *testing.T) {
	tests := []struct {
		status       int
		authRejected bool
	}{
		{http.StatusUnauthorized, true},
		{http.StatusForbidden, true},
		{http.StatusBadRequest, false},
		{http.StatusInternalServerError, false},
		{http.StatusServiceUnavailable, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			err := newChannel().Post(context.Background(), srv.URL+AuthPath, AuthRequest{}, &AuthResponse{}, Metadata{})
			require.Error(t, err)

			var statusErr *StatusError
			require.ErrorAs(t, err, &statusErr)
			assert.Equal(t, tt.status, statusErr.StatusCode)
			assert.Equal(t, tt.authRejected, IsAuthRejected(fmt.Errorf("wrapped: %w", err)))
		})
	}
}

func TestPostEmptyBodyIsError(t *testing.T) {
	for _, body := range []string{"", "null", "  "} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, body)
		}))

		err := newChannel().Post(context.Background(), srv.URL+SyncPath, SyncRequest{}, &SyncResponse{}, Metadata{})
		assert.ErrorIs(t, err, ErrEmptyResponse, "body %q", body)
		srv.Close()
	}
}

func TestPostMalformedBodyIsGenericFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"instructions": [`)
	}))
	defer srv.Close()

	err := newChannel().Post(context.Background(), srv.URL+ReportPath, ReportRequest{}, &ReportResponse{}, Metadata{})
	require.Error(t, err)
	assert.False(t, IsAuthRejected(err))
}

func TestPostHonoursCancellation(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := newChannel().Post(ctx, srv.URL+ReportPath, ReportRequest{}, &ReportResponse{}, Metadata{})
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.ErrorIs(t, ctx.Err(), context.DeadlineExceeded)
}

func TestLoadTLSConfigEmpty(t *testing.T) {
	cfg, err := LoadTLSConfig("", "", "")
	require.NoError(t, err)
	assert.Nil(t, cfg)

	_, err = LoadTLSConfig("missing.crt", "missing.key", "")
	assert.Error(t, err)
}
