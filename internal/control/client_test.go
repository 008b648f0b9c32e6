package control

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roman-kulish/listening-post/internal/spectrum"
)

const baseURL = "http://backend.test"

var listenEndpoint = Endpoint{
	Start:  "/listening/audio/start",
	Stop:   "/listening/audio/stop",
	Status: "/listening/audio/status",
}

func setupMock(t *testing.T) *Client {
	t.Helper()

	c := New(baseURL, listenEndpoint, WithRetryCount(0))
	httpmock.ActivateNonDefault(c.GetClient().GetClient())
	t.Cleanup(httpmock.DeactivateAndReset)
	return c
}

func TestClient_Start(t *testing.T) {
	c := setupMock(t)

	var received StartRequest
	httpmock.RegisterResponder(http.MethodPost, baseURL+listenEndpoint.Start, func(req *http.Request) (*http.Response, error) {
		if err := json.NewDecoder(req.Body).Decode(&received); err != nil {
			return nil, err
		}
		return httpmock.NewJsonResponse(http.StatusOK, StartResponse{Status: StatusStarted})
	})

	params := spectrum.ListenParams{Frequency: 121.5e6, Modulation: spectrum.ModulationAM, Gain: 30, Squelch: 5, Device: "0"}
	resp, err := c.Start(context.Background(), ListenRequest(params))
	require.NoError(t, err)
	assert.Equal(t, StatusStarted, resp.Status)
	assert.Equal(t, 121.5e6, received.Frequency)
	assert.Equal(t, "am", received.Modulation)
	assert.Equal(t, "0", received.Device)
}

func TestClient_StartStatuses(t *testing.T) {
	testCases := []struct {
		name    string
		code    int
		body    any
		wantErr func(t *testing.T, err error)
	}{
		{
			name: "already running",
			code: http.StatusOK,
			body: StartResponse{Status: StatusAlreadyRunning},
			wantErr: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrAlreadyRunning)
			},
		},
		{
			name: "backend error in body",
			code: http.StatusOK,
			body: StartResponse{Status: StatusError, Message: "SDR device busy"},
			wantErr: func(t *testing.T, err error) {
				var be *BackendError
				require.True(t, errors.As(err, &be))
				assert.Equal(t, "SDR device busy", be.Message)
			},
		},
		{
			name: "backend error with status code",
			code: http.StatusConflict,
			body: BackendError{Status: "error", Message: "device in use"},
			wantErr: func(t *testing.T, err error) {
				var be *BackendError
				require.True(t, errors.As(err, &be))
				assert.Equal(t, "device in use", be.Message)
			},
		},
		{
			name: "plain failure",
			code: http.StatusServiceUnavailable,
			body: map[string]string{},
			wantErr: func(t *testing.T, err error) {
				var re *ResponseError
				require.True(t, errors.As(err, &re))
				assert.Equal(t, http.StatusServiceUnavailable, re.Code)
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := setupMock(t)
			httpmock.RegisterResponder(http.MethodPost, baseURL+listenEndpoint.Start,
				httpmock.NewJsonResponderOrPanic(tc.code, tc.body))

			_, err := c.Start(context.Background(), StartRequest{Frequency: 1e6})
			require.Error(t, err)
			tc.wantErr(t, err)
		})
	}
}

func TestClient_StopAndStatus(t *testing.T) {
	c := setupMock(t)

	httpmock.RegisterResponder(http.MethodPost, baseURL+listenEndpoint.Stop,
		httpmock.NewJsonResponderOrPanic(http.StatusOK, map[string]string{}))
	httpmock.RegisterResponder(http.MethodGet, baseURL+listenEndpoint.Status,
		httpmock.NewJsonResponderOrPanic(http.StatusOK, map[string]any{"type": "status", "running": true}))

	require.NoError(t, c.Stop(context.Background()))
	require.NoError(t, c.Stop(context.Background()), "stop is idempotent")

	raw, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"status","running":true}`, string(raw))

	assert.Equal(t, 2, httpmock.GetCallCountInfo()["POST "+baseURL+listenEndpoint.Stop])
}
