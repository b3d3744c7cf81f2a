package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/wobcom/vicky/pkg/config"
	"github.com/wobcom/vicky/pkg/log"
	"github.com/wobcom/vicky/pkg/metrics"
	"github.com/wobcom/vicky/pkg/types"
)

// batchSize is the largest number of log lines sent in a single /logs
// POST.
const batchSize = 1024

// batchIdle is how long the line collector waits for more lines before
// flushing a partial batch, so output is not held back indefinitely
// while a build tool is quiet between bursts.
const batchIdle = 200 * time.Millisecond

// Worker runs the claim loop against a single Vicky server.
type Worker struct {
	cfg        config.WorkerConfig
	httpClient *http.Client
	logger     zerolog.Logger
}

// New builds a Worker whose HTTP client authenticates every request with
// a cached OIDC client-credentials token, refreshed automatically by
// golang.org/x/oauth2 as it nears expiry.
func New(ctx context.Context, cfg config.WorkerConfig) *Worker {
	oidc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
	}
	return &Worker{
		cfg:        cfg,
		httpClient: oidc.Client(ctx),
		logger:     log.WithComponent("worker"),
	}
}

// Run claims and executes tasks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := w.tryClaim(ctx); err != nil {
			w.logger.Error().Err(err).Msg("claim attempt failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Second):
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(1 * time.Second):
		}
	}
}

func (w *Worker) tryClaim(ctx context.Context) error {
	metrics.WorkerClaimAttemptsTotal.Inc()

	var task *types.Task
	err := w.call(ctx, http.MethodPost, "api/v1/tasks/claim", map[string]any{
		"features": w.cfg.Features,
	}, &task)
	if err != nil {
		return err
	}
	if task == nil {
		return nil
	}

	w.logger.Info().Str("task_id", task.ID.String()).Str("display_name", task.DisplayName).Msg("task claimed")
	go w.runTask(ctx, *task)
	return nil
}

func (w *Worker) runTask(ctx context.Context, task types.Task) {
	result := types.TaskResultSuccess
	if err := w.tryRunTask(ctx, task); err != nil {
		w.logger.Warn().Err(err).Str("task_id", task.ID.String()).Msg("task failed")
		result = types.TaskResultError
	} else {
		w.logger.Info().Str("task_id", task.ID.String()).Msg("task finished")
	}
	metrics.WorkerTasksRunTotal.WithLabelValues(string(result)).Inc()

	err := w.call(ctx, http.MethodPost, fmt.Sprintf("api/v1/tasks/%s/finish", task.ID), map[string]any{
		"result": result,
	}, nil)
	if err != nil {
		w.logger.Error().Err(err).Str("task_id", task.ID.String()).Msg("report finish failed")
	}
}

func (w *Worker) tryRunTask(ctx context.Context, task types.Task) error {
	if w.cfg.TestMode {
		time.Sleep(time.Second)
		return nil
	}

	args := append([]string{"run", "-L", task.FlakeRef.Flake}, task.FlakeRef.Args...)
	cmd := exec.CommandContext(ctx, "nix", args...)
	cmd.Env = append(cmd.Environ(), "VICKY_API_URL="+w.cfg.VickyExternalURL)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("attach stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("attach stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start build tool: %w", err)
	}

	lines := make(chan string, batchSize)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); scanInto(stdout, lines) }()
	go func() { defer wg.Done(); scanInto(stderr, lines) }()
	go func() { wg.Wait(); close(lines) }()

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.batchAndPush(ctx, task.ID.String(), lines)
	}()

	waitErr := cmd.Wait()
	<-done

	if waitErr != nil {
		return fmt.Errorf("build tool exited: %w", waitErr)
	}
	return nil
}

func scanInto(r io.Reader, out chan<- string) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

// batchAndPush collects lines merged from stdout and stderr and flushes
// a batch once it reaches batchSize lines or the stream goes idle for
// batchIdle, without blocking output on a full batch forever.
func (w *Worker) batchAndPush(ctx context.Context, taskID string, lines <-chan string) {
	var batch []string
	timer := time.NewTimer(batchIdle)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := w.call(ctx, http.MethodPost, fmt.Sprintf("api/v1/tasks/%s/logs", taskID), map[string]any{
			"lines": batch,
		}, nil); err != nil {
			w.logger.Error().Err(err).Str("task_id", taskID).Msg("push logs failed")
		}
		batch = nil
	}

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				flush()
				return
			}
			batch = append(batch, line)
			if len(batch) >= batchSize {
				flush()
			}
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(batchIdle)
		case <-timer.C:
			flush()
			timer.Reset(batchIdle)
		case <-ctx.Done():
			flush()
			return
		}
	}
}

func (w *Worker) call(ctx context.Context, method, path string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	url := w.cfg.VickyURL + "/" + path
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned %s", path, resp.Status)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("decode response from %s: %w", path, err)
	}
	return nil
}
