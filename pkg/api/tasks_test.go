package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wobcom/vicky/pkg/auth"
	"github.com/wobcom/vicky/pkg/events"
	"github.com/wobcom/vicky/pkg/logdrain"
	"github.com/wobcom/vicky/pkg/scheduler"
	"github.com/wobcom/vicky/pkg/storage/boltstore"
	"github.com/wobcom/vicky/pkg/types"
)

const testMachineToken = "test-machine-token"

// fakeObjectStore is an in-memory objectstore.Store, standing in for S3
// in handler tests that exercise the log-download path.
type fakeObjectStore struct {
	lines map[string][]string
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{lines: make(map[string][]string)}
}

func (f *fakeObjectStore) GetLogs(ctx context.Context, taskID string) ([]string, error) {
	return f.lines[taskID], nil
}

func (f *fakeObjectStore) UploadLogParts(ctx context.Context, taskID string, lines []string) error {
	f.lines[taskID] = append(f.lines[taskID], lines...)
	return nil
}

func newTestServer(t *testing.T) (*Server, http.Handler) {
	t.Helper()
	store, err := boltstore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	objects := newFakeObjectStore()
	logs := logdrain.New(objects)
	sched := scheduler.New(store, broker)
	verifier := auth.NewForTests([]string{testMachineToken}, store)

	s := NewServer(store, objects, logs, sched, broker, verifier)
	return s, s.Handler()
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+testMachineToken)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHandler_SubmitAndClaimAndFinish(t *testing.T) {
	_, h := newTestServer(t)

	submitResp := doJSON(t, h, http.MethodPost, "/api/v1/tasks", map[string]any{
		"display_name": "build it",
		"flake_ref":    map[string]any{"flake": "github:example/repo", "args": []string{}},
		"locks":        []map[string]string{{"name": "foo", "type": "WRITE"}},
	})
	require.Equal(t, http.StatusOK, submitResp.Code)

	var submitted taskNewResponse
	require.NoError(t, json.Unmarshal(submitResp.Body.Bytes(), &submitted))
	require.Equal(t, types.TaskNew, submitted.Status)

	claimResp := doJSON(t, h, http.MethodPost, "/api/v1/tasks/claim", map[string]any{"features": []string{}})
	require.Equal(t, http.StatusOK, claimResp.Code)

	var claimed types.Task
	require.NoError(t, json.Unmarshal(claimResp.Body.Bytes(), &claimed))
	require.Equal(t, submitted.ID, claimed.ID)
	require.True(t, claimed.IsRunning())

	finishResp := doJSON(t, h, http.MethodPost, "/api/v1/tasks/"+claimed.ID.String()+"/finish", map[string]any{"result": "SUCCESS"})
	require.Equal(t, http.StatusOK, finishResp.Code)

	var finished types.Task
	require.NoError(t, json.Unmarshal(finishResp.Body.Bytes(), &finished))
	require.True(t, finished.IsFinished())
	require.Equal(t, types.TaskResultSuccess, finished.Result)
}

func TestHandler_ClaimWithNothingReadyReturnsNull(t *testing.T) {
	_, h := newTestServer(t)

	resp := doJSON(t, h, http.MethodPost, "/api/v1/tasks/claim", map[string]any{"features": []string{}})
	require.Equal(t, http.StatusOK, resp.Code)
	require.Equal(t, "null\n", resp.Body.String())
}

func TestHandler_MissingBearerTokenIsUnauthorized(t *testing.T) {
	_, h := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandler_UnknownBearerTokenIsUnauthorized(t *testing.T) {
	_, h := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil)
	req.Header.Set("Authorization", "Bearer not-a-real-token")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
}

// handleConfirmTask requires the admin role; the machine token used by
// doJSON must not be able to confirm a gated task.
func TestHandler_ConfirmRejectsMachineRole(t *testing.T) {
	s, h := newTestServer(t)

	submitted, err := s.scheduler.Submit(context.Background(), types.Task{DisplayName: "gated"}, true)
	require.NoError(t, err)

	resp := doJSON(t, h, http.MethodPost, "/api/v1/tasks/"+submitted.ID.String()+"/confirm", nil)
	require.Equal(t, http.StatusForbidden, resp.Code)
}

func TestHandleConfirmTask_AdminCanConfirm(t *testing.T) {
	s, _ := newTestServer(t)

	submitted, err := s.scheduler.Submit(context.Background(), types.Task{DisplayName: "gated"}, true)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks/"+submitted.ID.String()+"/confirm", nil)
	req.SetPathValue("id", submitted.ID.String())
	admin := &types.User{FullName: "alice", Role: types.RoleAdmin}
	req = req.WithContext(context.WithValue(req.Context(), userCtxKey, admin))

	w := httptest.NewRecorder()
	s.handleConfirmTask(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var confirmed types.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &confirmed))
	require.True(t, confirmed.IsNew())
}

func TestHandler_UnlockClearsPoison(t *testing.T) {
	s, h := newTestServer(t)
	ctx := context.Background()

	submitted, err := s.scheduler.Submit(ctx, types.Task{
		DisplayName: "A",
		Locks:       []types.Lock{{Name: "foo", Kind: types.LockWrite}},
	}, false)
	require.NoError(t, err)

	claimed, err := s.scheduler.Claim(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, submitted.ID, claimed.ID)

	_, err = s.scheduler.Finish(ctx, claimed.ID, types.TaskResultError)
	require.NoError(t, err)

	poisonedResp := doJSON(t, h, http.MethodGet, "/api/v1/locks/poisoned", nil)
	require.Equal(t, http.StatusOK, poisonedResp.Code)
	var poisoned []types.Lock
	require.NoError(t, json.Unmarshal(poisonedResp.Body.Bytes(), &poisoned))
	require.Len(t, poisoned, 1)

	unlockResp := doJSON(t, h, http.MethodPatch, "/api/v1/locks/unlock/foo", nil)
	require.Equal(t, http.StatusOK, unlockResp.Code)

	poisonedResp = doJSON(t, h, http.MethodGet, "/api/v1/locks/poisoned", nil)
	require.NoError(t, json.Unmarshal(poisonedResp.Body.Bytes(), &poisoned))
	require.Len(t, poisoned, 0)
}
