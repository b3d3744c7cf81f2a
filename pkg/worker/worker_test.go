package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/wobcom/vicky/pkg/config"
	"github.com/wobcom/vicky/pkg/log"
	"github.com/wobcom/vicky/pkg/types"
)

func testWorker(cfg config.WorkerConfig, client *http.Client) *Worker {
	return &Worker{cfg: cfg, httpClient: client, logger: log.WithComponent("worker-test")}
}

// newTokenServer stands in for the OIDC provider's token endpoint: every
// client-credentials request gets back a short-lived bearer token, which
// is all clientcredentials.Config needs to authenticate the worker's
// requests against the fake Vicky API below.
func newTokenServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "test-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
}

// fakeVickyAPI serves just enough of the server's surface for the claim
// loop to exercise claim -> (test-mode run) -> finish, handing back a
// single task on the first claim and nothing afterward.
type fakeVickyAPI struct {
	mu        sync.Mutex
	claimed   bool
	task      types.Task
	finishes  []string
	finishSig chan struct{}
}

func newFakeVickyAPI(task types.Task) *fakeVickyAPI {
	return &fakeVickyAPI{task: task, finishSig: make(chan struct{}, 1)}
}

func (f *fakeVickyAPI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/tasks/claim", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		if f.claimed {
			_ = json.NewEncoder(w).Encode(nil)
			return
		}
		f.claimed = true
		_ = json.NewEncoder(w).Encode(f.task)
	})
	mux.HandleFunc("POST /api/v1/tasks/{id}/finish", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.finishes = append(f.finishes, body["result"])
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(f.task)
		select {
		case f.finishSig <- struct{}{}:
		default:
		}
	})
	mux.HandleFunc("POST /api/v1/tasks/{id}/logs", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func TestWorker_ClaimRunFinish_TestMode(t *testing.T) {
	tokenSrv := newTokenServer(t)
	defer tokenSrv.Close()

	task := types.Task{ID: uuid.New(), DisplayName: "t", Status: types.TaskRunning}
	api := newFakeVickyAPI(task)
	apiSrv := httptest.NewServer(api.handler())
	defer apiSrv.Close()

	cfg := config.WorkerConfig{
		VickyURL: apiSrv.URL,
		TokenURL: tokenSrv.URL,
		ClientID: "worker",
		Features: []string{"cpu"},
		TestMode: true,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	w := New(ctx, cfg)

	go func() {
		_ = w.Run(ctx)
	}()

	select {
	case <-api.finishSig:
	case <-time.After(4 * time.Second):
		t.Fatal("worker never reported finish")
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	require.Len(t, api.finishes, 1)
	require.Equal(t, string(types.TaskResultSuccess), api.finishes[0])
}

func TestWorker_CallPropagatesNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	w := testWorker(config.WorkerConfig{VickyURL: srv.URL}, srv.Client())
	err := w.call(context.Background(), http.MethodGet, "api/v1/tasks", nil, nil)
	require.Error(t, err)
}

func TestBatchAndPush_FlushesOnClose(t *testing.T) {
	var gotLines []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Lines []string `json:"lines"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotLines = append(gotLines, body.Lines...)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w := testWorker(config.WorkerConfig{VickyURL: srv.URL}, srv.Client())

	lines := make(chan string)
	done := make(chan struct{})
	go func() {
		w.batchAndPush(context.Background(), "task-1", lines)
		close(done)
	}()

	lines <- "line one"
	lines <- "line two"
	close(lines)
	<-done

	require.Equal(t, []string{"line one", "line two"}, gotLines)
}

func TestBatchAndPush_FlushesAtBatchSize(t *testing.T) {
	var calls int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w := testWorker(config.WorkerConfig{VickyURL: srv.URL}, srv.Client())

	lines := make(chan string)
	done := make(chan struct{})
	go func() {
		w.batchAndPush(context.Background(), "task-1", lines)
		close(done)
	}()

	for i := 0; i < batchSize; i++ {
		lines <- fmt.Sprintf("line %d", i)
	}
	close(lines)
	<-done

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, calls, 1, "a full batch must flush without waiting for idle")
}
