package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"podsim/internal/aggregate"
	"podsim/internal/blob"
	"podsim/internal/config"
	"podsim/internal/database"
	"podsim/internal/decks"
	"podsim/internal/gamelog"
	"podsim/internal/model"
	"podsim/internal/progress"
	"podsim/internal/rating"
	"podsim/internal/recovery"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type serverFixture struct {
	store   database.Store
	handler http.Handler
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := database.NewTestStore()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close(context.Background())
	})

	cfg := config.Default()
	cfg.Auth.WorkerSharedSecret = "bench-secret"

	blobs := blob.NewMemory()
	resolver := decks.NewStatic(map[string]model.Deck{
		"d1": {Name: "Burn"},
		"d2": {Name: "Control"},
		"d3": {Name: "Aggro"},
		"d4": {Name: "Combo"},
	})
	agg := aggregate.New(store, gamelog.NewCondenser(blobs), rating.NewService(store), progress.NewNoop())
	engine := recovery.New(store, nil, agg)

	srv := New(cfg, store, nil, progress.NewNoop(), blobs, resolver, agg, engine)
	return &serverFixture{store: store, handler: srv.Handler}
}

func (f *serverFixture) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func userHeaders() map[string]string {
	return map[string]string{"Authorization": "Bearer user-1"}
}

func workerHeaders() map[string]string {
	return map[string]string{"X-Worker-Secret": "bench-secret"}
}

func validJobBody() gin.H {
	return gin.H{
		"deckIds":     []string{"d1", "d2", "d3", "d4"},
		"simulations": 8,
	}
}

func (f *serverFixture) createJob(t *testing.T) *model.Job {
	t.Helper()
	w := f.do(t, http.MethodPost, "/jobs", validJobBody(), userHeaders())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var job model.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	require.NotEmpty(t, job.ID)
	return &job
}

func TestCreateJob(t *testing.T) {
	f := newServerFixture(t)

	job := f.createJob(t)
	assert.Equal(t, model.JobQueued, job.Status)
	assert.Equal(t, 8, job.Simulations)
	assert.Equal(t, 2, job.TotalSimCount)
	assert.Equal(t, "user-1", job.CreatedBy)
	assert.Equal(t, "Burn", job.Decks[0].Name)
}

func TestCreateJobRequiresAuth(t *testing.T) {
	f := newServerFixture(t)

	w := f.do(t, http.MethodPost, "/jobs", validJobBody(), nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(t, http.MethodPost, "/jobs", validJobBody(), map[string]string{"Authorization": "Token abc"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCreateJobRejectsBadDeckCount(t *testing.T) {
	f := newServerFixture(t)

	w := f.do(t, http.MethodPost, "/jobs", gin.H{
		"deckIds":     []string{"d1", "d2"},
		"simulations": 8,
	}, userHeaders())
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "exactly 4 deckIds")
}

func TestCreateJobRejectsUnknownDeck(t *testing.T) {
	f := newServerFixture(t)

	w := f.do(t, http.MethodPost, "/jobs", gin.H{
		"deckIds":     []string{"d1", "d2", "d3", "nope"},
		"simulations": 8,
	}, userHeaders())
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateJobEnforcesActiveLimit(t *testing.T) {
	f := newServerFixture(t)

	// Default allowance is three active jobs per user.
	for i := 0; i < 3; i++ {
		f.createJob(t)
	}
	w := f.do(t, http.MethodPost, "/jobs", validJobBody(), userHeaders())
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestGetJob(t *testing.T) {
	f := newServerFixture(t)
	job := f.createJob(t)

	w := f.do(t, http.MethodGet, "/jobs/"+job.ID, nil, userHeaders())
	require.Equal(t, http.StatusOK, w.Code)

	var got model.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, job.ID, got.ID)
}

func TestGetJobNotFound(t *testing.T) {
	f := newServerFixture(t)

	w := f.do(t, http.MethodGet, "/jobs/missing", nil, userHeaders())
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListJobsScopedToUser(t *testing.T) {
	f := newServerFixture(t)
	f.createJob(t)

	w := f.do(t, http.MethodGet, "/jobs", nil, userHeaders())
	require.Equal(t, http.StatusOK, w.Code)
	var mine []*model.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &mine))
	assert.Len(t, mine, 1)

	w = f.do(t, http.MethodGet, "/jobs", nil, map[string]string{"Authorization": "Bearer user-2"})
	require.Equal(t, http.StatusOK, w.Code)
	var theirs []*model.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &theirs))
	assert.Empty(t, theirs)
}

func TestListSimulations(t *testing.T) {
	f := newServerFixture(t)
	job := f.createJob(t)

	w := f.do(t, http.MethodGet, "/jobs/"+job.ID+"/simulations", nil, userHeaders())
	require.Equal(t, http.StatusOK, w.Code)

	var sims []*model.Simulation
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sims))
	require.Len(t, sims, 2)
	assert.Equal(t, "sim_000", sims[0].SimID)
	assert.Equal(t, model.SimPending, sims[0].State)
}

func TestCancelJob(t *testing.T) {
	f := newServerFixture(t)
	job := f.createJob(t)

	w := f.do(t, http.MethodDelete, "/jobs/"+job.ID, nil, userHeaders())
	require.Equal(t, http.StatusOK, w.Code)

	var got model.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, model.JobCancelled, got.Status)

	// Cancelling again is a no-op returning the same state.
	w = f.do(t, http.MethodDelete, "/jobs/"+job.ID, nil, userHeaders())
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRetryJobRequiresFailedState(t *testing.T) {
	f := newServerFixture(t)
	job := f.createJob(t)

	w := f.do(t, http.MethodPost, "/jobs/"+job.ID+"/retry", nil, userHeaders())
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestWorkerJobPatch(t *testing.T) {
	f := newServerFixture(t)
	job := f.createJob(t)

	w := f.do(t, http.MethodPatch, "/jobs/"+job.ID, gin.H{
		"status":   "RUNNING",
		"workerId": "w1",
	}, workerHeaders())
	require.Equal(t, http.StatusOK, w.Code)

	var result map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, true, result["updated"])

	// A redelivered report of the same transition is rejected with 200, not
	// an error status.
	w = f.do(t, http.MethodPatch, "/jobs/"+job.ID, gin.H{
		"status":   "RUNNING",
		"workerId": "w1",
	}, workerHeaders())
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, false, result["updated"])
	assert.Equal(t, "invalid_transition", result["reason"])
}

func TestWorkerPatchRequiresSecret(t *testing.T) {
	f := newServerFixture(t)
	job := f.createJob(t)

	w := f.do(t, http.MethodPatch, "/jobs/"+job.ID, gin.H{"status": "RUNNING"}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(t, http.MethodPatch, "/jobs/"+job.ID, gin.H{"status": "RUNNING"},
		map[string]string{"X-Worker-Secret": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestWorkerSimulationPatch(t *testing.T) {
	f := newServerFixture(t)
	job := f.createJob(t)

	w := f.do(t, http.MethodPatch, "/jobs/"+job.ID+"/simulations/sim_000", gin.H{
		"state":    "RUNNING",
		"workerId": "w1",
	}, workerHeaders())
	require.Equal(t, http.StatusOK, w.Code)

	var result map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, true, result["updated"])

	sim, err := f.store.GetSimulationStatus(context.Background(), job.ID, "sim_000")
	require.NoError(t, err)
	assert.Equal(t, model.SimRunning, sim.State)
	assert.Equal(t, "w1", sim.WorkerID)
}

func TestWorkerSimulationPatchUnknownSim(t *testing.T) {
	f := newServerFixture(t)
	job := f.createJob(t)

	w := f.do(t, http.MethodPatch, "/jobs/"+job.ID+"/simulations/sim_099", gin.H{
		"state": "RUNNING",
	}, workerHeaders())
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRecoverJobEndpoint(t *testing.T) {
	f := newServerFixture(t)
	job := f.createJob(t)

	w := f.do(t, http.MethodPost, "/jobs/"+job.ID+"/recover", nil, workerHeaders())
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"recovered":true`)
}

func TestHeartbeatAndWorkerList(t *testing.T) {
	f := newServerFixture(t)

	w := f.do(t, http.MethodPost, "/workers/heartbeat", gin.H{
		"workerId":   "w1",
		"workerName": "bench-01",
		"status":     "idle",
		"capacity":   4,
	}, workerHeaders())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.do(t, http.MethodGet, "/workers", nil, userHeaders())
	require.Equal(t, http.StatusOK, w.Code)

	var workers []*model.WorkerInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &workers))
	require.Len(t, workers, 1)
	assert.Equal(t, "w1", workers[0].WorkerID)
	assert.Equal(t, 4, workers[0].Capacity)
}

func TestHeartbeatRequiresWorkerID(t *testing.T) {
	f := newServerFixture(t)

	w := f.do(t, http.MethodPost, "/workers/heartbeat", gin.H{"status": "idle"}, workerHeaders())
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListRatingsEmpty(t *testing.T) {
	f := newServerFixture(t)

	w := f.do(t, http.MethodGet, "/ratings", nil, userHeaders())
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[]", w.Body.String())
}

func TestHealth(t *testing.T) {
	f := newServerFixture(t)

	w := f.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"database":true`)
}

func TestOnline(t *testing.T) {
	f := newServerFixture(t)

	w := f.do(t, http.MethodGet, "/online", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Online", w.Body.String())
}

func TestStreamEmitsSnapshotsForTerminalJob(t *testing.T) {
	f := newServerFixture(t)
	job := f.createJob(t)

	w := f.do(t, http.MethodDelete, "/jobs/"+job.ID, nil, userHeaders())
	require.Equal(t, http.StatusOK, w.Code)

	// A terminal job streams its final snapshot and closes.
	w = f.do(t, http.MethodGet, "/jobs/"+job.ID+"/stream", nil, userHeaders())
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	body := w.Body.String()
	assert.Contains(t, body, "CANCELLED")
	assert.Contains(t, body, "simulations")
}

func TestStreamUnknownJob(t *testing.T) {
	f := newServerFixture(t)

	w := f.do(t, http.MethodGet, "/jobs/missing/stream", nil, userHeaders())
	assert.Equal(t, http.StatusNotFound, w.Code)
}
