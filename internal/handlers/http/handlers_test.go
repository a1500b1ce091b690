package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"dronelink/internal/core/domain"
	"dronelink/internal/core/services"
	apperrors "dronelink/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeCalls struct {
	started  []domain.ClientID
	offered  []domain.ClientID
	ended    []domain.ClientID
	startErr error
	offerErr error
	links    map[domain.ClientID]domain.PeerLinkInfo
}

func newFakeCalls() *fakeCalls {
	return &fakeCalls{links: make(map[domain.ClientID]domain.PeerLinkInfo)}
}

func (f *fakeCalls) StartCall(_ context.Context, id domain.ClientID) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, id)
	f.links[id] = domain.PeerLinkInfo{RemoteID: id, State: domain.LinkStateNew}
	return nil
}

func (f *fakeCalls) SendOffer(_ context.Context, id domain.ClientID) error {
	if f.offerErr != nil {
		return f.offerErr
	}
	f.offered = append(f.offered, id)
	return nil
}

func (f *fakeCalls) EndCall(id domain.ClientID) error {
	if _, ok := f.links[id]; !ok {
		return domain.ErrPeerLinkNotFound
	}
	delete(f.links, id)
	f.ended = append(f.ended, id)
	return nil
}

func (f *fakeCalls) Links() []domain.PeerLinkInfo {
	out := make([]domain.PeerLinkInfo, 0, len(f.links))
	for _, l := range f.links {
		out = append(out, l)
	}
	return out
}

type mockProducers struct {
	mock.Mock
}

func (m *mockProducers) AdjustPerformance(level domain.PerformanceLevel) domain.PerformanceLevel {
	args := m.Called(level)
	return args.Get(0).(domain.PerformanceLevel)
}

func (m *mockProducers) SetFrameRate(fps int) error {
	return m.Called(fps).Error(0)
}

func (m *mockProducers) Status() []services.ProducerStatus {
	return m.Called().Get(0).([]services.ProducerStatus)
}

func (m *mockProducers) ResetStats() {
	m.Called()
}

func newRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	return gin.New()
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestViewerHandler_CallLifecycle(t *testing.T) {
	calls := newFakeCalls()
	router := newRouter()
	NewViewerHandler(calls, &mockProducers{}).SetupRoutes(router)

	w := doJSON(t, router, http.MethodPost, "/api/v1/calls", gin.H{"remote_id": "drone-1"})
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []domain.ClientID{"drone-1"}, calls.started)
	assert.Equal(t, []domain.ClientID{"drone-1"}, calls.offered)

	w = doJSON(t, router, http.MethodGet, "/api/v1/calls", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var listed struct {
		Calls []callResponse `json:"calls"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listed))
	require.Len(t, listed.Calls, 1)
	assert.Equal(t, "new", listed.Calls[0].State)

	w = doJSON(t, router, http.MethodDelete, "/api/v1/calls/drone-1", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(t, router, http.MethodDelete, "/api/v1/calls/drone-1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestViewerHandler_StartCallErrors(t *testing.T) {
	calls := newFakeCalls()
	router := newRouter()
	NewViewerHandler(calls, &mockProducers{}).SetupRoutes(router)

	w := doJSON(t, router, http.MethodPost, "/api/v1/calls", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	calls.startErr = domain.ErrInvalidRemoteID
	w = doJSON(t, router, http.MethodPost, "/api/v1/calls", gin.H{"remote_id": "bad id"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	calls.startErr = nil
	calls.offerErr = apperrors.NewTransportFailure("create offer", errors.New("ice gathering failed"))
	w = doJSON(t, router, http.MethodPost, "/api/v1/calls", gin.H{"remote_id": "drone-1"})
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), string(apperrors.ErrCodeTransportFailure))
}

func TestViewerHandler_ProducerTuning(t *testing.T) {
	producers := &mockProducers{}
	producers.On("AdjustPerformance", domain.PerformanceLevel("warp")).Return(domain.PerformanceBalanced).Once()
	producers.On("SetFrameRate", 12).Return(nil).Once()
	producers.On("SetFrameRate", 60).Return(errors.New("frame rate out of range")).Once()
	producers.On("Status").Return([]services.ProducerStatus{{RemoteID: "drone-1", Running: true}}).Once()
	producers.On("ResetStats").Return().Once()

	router := newRouter()
	NewViewerHandler(newFakeCalls(), producers).SetupRoutes(router)

	w := doJSON(t, router, http.MethodPut, "/api/v1/producers/performance", gin.H{"level": "warp"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"applied":"balanced"`)

	w = doJSON(t, router, http.MethodPut, "/api/v1/producers/frame-rate", gin.H{"fps": 12})
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodPut, "/api/v1/producers/frame-rate", gin.H{"fps": 60})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, router, http.MethodGet, "/api/v1/producers", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "drone-1")

	w = doJSON(t, router, http.MethodPost, "/api/v1/producers/stats/reset", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	producers.AssertExpectations(t)
}

type discardSink struct{}

func (discardSink) Publish(context.Context, *domain.CompressedImage) error { return nil }

func TestPublisherHandler(t *testing.T) {
	consumer, err := services.NewFrameConsumer(
		services.FrameConsumerConfig{TargetFPS: 10, FrameID: "drone_camera"},
		discardSink{}, nil, zap.NewNop().Sugar())
	require.NoError(t, err)

	router := newRouter()
	NewPublisherHandler(consumer).SetupRoutes(router)

	w := doJSON(t, router, http.MethodGet, "/api/v1/stats", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"min_publish_interval_ms":100`)

	w = doJSON(t, router, http.MethodPut, "/api/v1/publish-rate", gin.H{"fps": 120})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, time.Second/services.MaxPublishFPS, consumer.MinPublishInterval())

	w = doJSON(t, router, http.MethodPut, "/api/v1/publish-rate", gin.H{"fps": -1})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, router, http.MethodPost, "/api/v1/stats/reset", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
}
