package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worldland/energy-sensor/internal/domain"
	"github.com/worldland/energy-sensor/internal/services"
)

// MockStatusProvider implements StatusProvider for testing
type MockStatusProvider struct {
	Sources []services.SourceStatus
}

func (m *MockStatusProvider) Status() []services.SourceStatus {
	return m.Sources
}

func runningSources() *MockStatusProvider {
	last := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return &MockStatusProvider{Sources: []services.SourceStatus{
		{
			Source:   "nvml",
			Unit:     domain.Millijoule,
			State:    "idle",
			Devices:  []domain.Device{{Index: 0, Name: "NVIDIA A100"}, {Index: 1, Name: "NVIDIA A100"}},
			Ticks:    42,
			LastTick: &last,
		},
		{
			Source:  "rapl",
			Unit:    domain.Microjoule,
			State:   "sampling",
			Devices: []domain.Device{{Index: 0, Name: "package-0"}},
			Ticks:   41,
		},
	}}
}

func TestHandleStatus_Success(t *testing.T) {
	handler := NewStatusHandler(runningSources())

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	handler.HandleStatus(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp StatusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Sources, 2)
	assert.Equal(t, "nvml", resp.Sources[0].Source)
	assert.Equal(t, uint64(42), resp.Sources[0].Ticks)
	require.NotNil(t, resp.Sources[0].LastTick)
	assert.Nil(t, resp.Sources[1].LastTick)
	assert.Equal(t, "sampling", resp.Sources[1].State)
}

func TestHandleStatus_NotRunning(t *testing.T) {
	handler := NewStatusHandler(&MockStatusProvider{})

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	handler.HandleStatus(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "NOT_RUNNING", resp.Code)
}

func TestHandleStatus_MethodNotAllowed(t *testing.T) {
	handler := NewStatusHandler(runningSources())

	req := httptest.NewRequest(http.MethodPost, "/status", nil)
	rec := httptest.NewRecorder()
	handler.HandleStatus(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleDevices(t *testing.T) {
	handler := NewStatusHandler(runningSources())
	mux := http.NewServeMux()
	handler.Register(mux)

	tests := []struct {
		name     string
		url      string
		wantCode int
		wantErr  string
		wantLen  int
	}{
		{name: "nvml", url: "/devices?source=nvml", wantCode: http.StatusOK, wantLen: 2},
		{name: "rapl", url: "/devices?source=rapl", wantCode: http.StatusOK, wantLen: 1},
		{name: "missing param", url: "/devices", wantCode: http.StatusBadRequest, wantErr: "MISSING_SOURCE"},
		{name: "unknown source", url: "/devices?source=amdgpu", wantCode: http.StatusNotFound, wantErr: "SOURCE_NOT_FOUND"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.url, nil))

			assert.Equal(t, tt.wantCode, rec.Code)
			if tt.wantErr != "" {
				var resp ErrorResponse
				require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
				assert.Equal(t, tt.wantErr, resp.Code)
				return
			}
			var devices []domain.Device
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&devices))
			assert.Len(t, devices, tt.wantLen)
		})
	}
}
