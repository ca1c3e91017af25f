package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildsmith/buildsmith/engine/build"
	"github.com/buildsmith/buildsmith/engine/infra/sqlite"
	"github.com/buildsmith/buildsmith/engine/logstream"
	"github.com/buildsmith/buildsmith/engine/queue"
	"github.com/buildsmith/buildsmith/engine/task/model"
	"github.com/buildsmith/buildsmith/pkg/config"
)

type fakeQueue struct {
	submitted []*build.Request
	cancelled []int64
	result    *queue.SubmitResult
}

func (f *fakeQueue) Submit(_ context.Context, req *build.Request) (*queue.SubmitResult, error) {
	f.submitted = append(f.submitted, req)
	if f.result != nil {
		return f.result, nil
	}
	return &queue.SubmitResult{TaskID: 1, Message: "Build task started, task_id: 1"}, nil
}

func (f *fakeQueue) Cancel(_ context.Context, id int64) error {
	f.cancelled = append(f.cancelled, id)
	return nil
}

type fakeGit struct{}

func (fakeGit) Update(context.Context, string, string, string) error { return nil }
func (fakeGit) CommitID(context.Context, string) (string, error)     { return "deadbeef", nil }
func (fakeGit) Branches(context.Context, string) ([]string, error) {
	return []string{"main", "dev"}, nil
}

func newTestState(t *testing.T) (*State, *fakeQueue) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	store, err := sqlite.NewStore(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, sqlite.ApplyMigrations(ctx, store.DB()))
	_, err = store.DB().ExecContext(ctx, "DELETE FROM pkg")
	require.NoError(t, err)

	src := t.TempDir()
	q := &fakeQueue{}
	state := &State{
		Cfg: &config.Config{
			CustomArgs: []string{"--oem=acme"},
			BuildArgs:  []string{"x64", "arm64"},
			Src:        config.PlatformPaths{Windows: src, Linux: src, MacOS: src},
			Server:     config.ServerConfig{Linux: []string{"L1"}, MacOS: []string{"M1"}},
		},
		Repo:       sqlite.NewTaskRepo(store),
		Broker:     logstream.NewBroker(),
		Queue:      q,
		Git:        fakeGit{},
		BackupRoot: t.TempDir(),
	}
	return state, q
}

func newTestRouter(t *testing.T, state *State) *gin.Engine {
	t.Helper()
	r := gin.New()
	require.NoError(t, RegisterRoutes(r, state))
	return r
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestBuildPackageHandler(t *testing.T) {
	validBody := func() map[string]any {
		return map[string]any{
			"branch":        "main",
			"platform":      "linux",
			"server":        "L1",
			"architectures": []string{"x64"},
			"pkg_flag":      "nightly",
		}
	}

	t.Run("Should reject an empty branch", func(t *testing.T) {
		state, q := newTestState(t)
		r := newTestRouter(t, state)
		body := validBody()
		body["branch"] = ""
		w := doJSON(t, r, http.MethodPost, "/build_package", body)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Empty(t, q.submitted)
	})
	t.Run("Should reject an unknown architecture", func(t *testing.T) {
		state, q := newTestState(t)
		r := newTestRouter(t, state)
		body := validBody()
		body["architectures"] = []string{"mips"}
		w := doJSON(t, r, http.MethodPost, "/build_package", body)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Empty(t, q.submitted)
	})
	t.Run("Should reject an empty architecture list", func(t *testing.T) {
		state, _ := newTestState(t)
		r := newTestRouter(t, state)
		body := validBody()
		body["architectures"] = []string{}
		w := doJSON(t, r, http.MethodPost, "/build_package", body)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
	t.Run("Should reject an oversize pkg_flag", func(t *testing.T) {
		state, _ := newTestState(t)
		r := newTestRouter(t, state)
		body := validBody()
		body["pkg_flag"] = strings.Repeat("x", maxFieldLen+1)
		w := doJSON(t, r, http.MethodPost, "/build_package", body)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
	t.Run("Should submit a valid request and relay the queue response", func(t *testing.T) {
		state, q := newTestState(t)
		r := newTestRouter(t, state)
		w := doJSON(t, r, http.MethodPost, "/build_package", validBody())
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "Build task started, task_id: 1", w.Body.String())
		require.Len(t, q.submitted, 1)
		assert.Equal(t, "L1", q.submitted[0].Server)
		assert.Equal(t, []string{"x64"}, q.submitted[0].Architectures)
	})
}

func TestTaskHandlers(t *testing.T) {
	ctx := context.Background()

	t.Run("Should add and list tasks", func(t *testing.T) {
		state, _ := newTestState(t)
		r := newTestRouter(t, state)
		w := doJSON(t, r, http.MethodPost, "/add_task", map[string]any{
			"branch": "main", "server": "L1", "pkg_flag": "nightly [x64]",
		})
		require.Equal(t, http.StatusOK, w.Code)
		var created struct {
			ID int64 `json:"id"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
		assert.Positive(t, created.ID)

		w = doJSON(t, r, http.MethodGet, "/task_list", nil)
		require.Equal(t, http.StatusOK, w.Code)
		var listed struct {
			Tasks []*model.Task `json:"tasks"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listed))
		require.Len(t, listed.Tasks, 1)
		assert.Equal(t, "main", listed.Tasks[0].BranchName)
		assert.Equal(t, model.StatePending, listed.Tasks[0].State)
	})
	t.Run("Should patch a task and 404 on unknown ids", func(t *testing.T) {
		state, _ := newTestState(t)
		r := newTestRouter(t, state)
		id, err := state.Repo.Create(ctx, &model.CreateTask{Branch: "main", Server: "L1"})
		require.NoError(t, err)

		w := doJSON(t, r, http.MethodPost, "/update_task", map[string]any{
			"id": id, "state": "failed", "end_time": "2026-08-24 12:00:00",
		})
		assert.Equal(t, http.StatusOK, w.Code)
		got, err := state.Repo.Find(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.StateFailed, got.State)

		w = doJSON(t, r, http.MethodPost, "/update_task", map[string]any{
			"id": 9999, "state": "failed",
		})
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
	t.Run("Should serve the durable log", func(t *testing.T) {
		state, _ := newTestState(t)
		r := newTestRouter(t, state)
		id, err := state.Repo.Create(ctx, &model.CreateTask{Branch: "main", Server: "L1"})
		require.NoError(t, err)
		require.NoError(t, state.Repo.AppendLog(ctx, id, "compiling base"))

		w := doJSON(t, r, http.MethodGet, "/task_log/"+strconv.FormatInt(id, 10), nil)
		require.Equal(t, http.StatusOK, w.Code)
		var body struct {
			Log string `json:"log"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Contains(t, body.Log, "compiling base")

		w = doJSON(t, r, http.MethodGet, "/task_log/9999", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
	t.Run("Should cancel a live family before deleting it", func(t *testing.T) {
		state, q := newTestState(t)
		r := newTestRouter(t, state)
		parentID, err := state.Repo.Create(ctx, &model.CreateTask{Branch: "main", Server: "M1", PkgFlag: "beta [x64, arm64]"})
		require.NoError(t, err)
		arch := "x64"
		childID, err := state.Repo.Create(ctx, &model.CreateTask{
			Branch: "main", Server: "M1", ParentID: &parentID, Architecture: &arch,
		})
		require.NoError(t, err)
		require.NoError(t, state.Repo.UpdateState(ctx, childID, model.StateBuildingChrome, ""))

		w := doJSON(t, r, http.MethodPost, "/delete_task", model.DeleteTask{TaskID: parentID})
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, q.cancelled, childID)
		assert.Contains(t, q.cancelled, parentID)
		tasks, err := state.Repo.List(ctx)
		require.NoError(t, err)
		assert.Empty(t, tasks)
	})
	t.Run("Should 404 when deleting an unknown task", func(t *testing.T) {
		state, _ := newTestState(t)
		r := newTestRouter(t, state)
		w := doJSON(t, r, http.MethodPost, "/delete_task", model.DeleteTask{TaskID: 9999})
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestDownloadHandler(t *testing.T) {
	t.Run("Should stream a file under the backup root as an attachment", func(t *testing.T) {
		state, _ := newTestState(t)
		r := newTestRouter(t, state)
		dir := filepath.Join(state.BackupRoot, "2026-08-24-10-30")
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "browser.deb"), []byte("payload"), 0o644))

		w := doJSON(t, r, http.MethodGet, "/download/2026-08-24-10-30/browser.deb", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "payload", w.Body.String())
		assert.Contains(t, w.Header().Get("Content-Disposition"), "browser.deb")
	})
	t.Run("Should reject paths escaping the backup root", func(t *testing.T) {
		state, _ := newTestState(t)
		r := newTestRouter(t, state)
		w := doJSON(t, r, http.MethodGet, "/download/..%2F..%2Fetc%2Fpasswd", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
	t.Run("Should 404 on a missing file", func(t *testing.T) {
		state, _ := newTestState(t)
		r := newTestRouter(t, state)
		w := doJSON(t, r, http.MethodGet, "/download/nope/browser.deb", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestConfigHandlers(t *testing.T) {
	t.Run("Should list configured servers", func(t *testing.T) {
		state, _ := newTestState(t)
		r := newTestRouter(t, state)
		w := doJSON(t, r, http.MethodGet, "/server_list", nil)
		require.Equal(t, http.StatusOK, w.Code)
		var body config.ServerConfig
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, []string{"L1"}, body.Linux)
		assert.Equal(t, []string{"M1"}, body.MacOS)
	})
	t.Run("Should list branches of the source checkout", func(t *testing.T) {
		state, _ := newTestState(t)
		r := newTestRouter(t, state)
		w := doJSON(t, r, http.MethodGet, "/branch_list", nil)
		require.Equal(t, http.StatusOK, w.Code)
		var body struct {
			Branches []string `json:"branches"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, []string{"main", "dev"}, body.Branches)
	})
	t.Run("Should expose the configured argument lists", func(t *testing.T) {
		state, _ := newTestState(t)
		r := newTestRouter(t, state)
		w := doJSON(t, r, http.MethodGet, "/custom_args_list", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "--oem=acme")

		w = doJSON(t, r, http.MethodGet, "/build_args_list", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "arm64")
	})
	t.Run("Should serve the landing page", func(t *testing.T) {
		state, _ := newTestState(t)
		r := newTestRouter(t, state)
		w := doJSON(t, r, http.MethodGet, "/", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
		assert.Contains(t, w.Body.String(), "buildsmith")
	})
}

func TestWSTaskLog(t *testing.T) {
	ctx := context.Background()

	t.Run("Should send the durable log first and then live lines", func(t *testing.T) {
		state, _ := newTestState(t)
		r := newTestRouter(t, state)
		id, err := state.Repo.Create(ctx, &model.CreateTask{Branch: "main", Server: "L1"})
		require.NoError(t, err)
		require.NoError(t, state.Repo.AppendLog(ctx, id, "older output"))

		srv := httptest.NewServer(r)
		defer srv.Close()
		url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/task_log/" + strconv.FormatInt(id, 10)
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		defer conn.Close()

		var prefix logstream.Message
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		require.NoError(t, conn.ReadJSON(&prefix))
		assert.Equal(t, id, prefix.TaskID)
		assert.Contains(t, prefix.Log, "older output")
		assert.False(t, prefix.IsProgress)

		// Subscription races the dial; wait for it before publishing.
		require.Eventually(t, func() bool {
			return state.Broker.SubscriberCount(id) == 1
		}, 2*time.Second, 10*time.Millisecond)
		state.Broker.Publish(id, "[12/100] compiling", true)

		var live logstream.Message
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		require.NoError(t, conn.ReadJSON(&live))
		assert.Equal(t, "[12/100] compiling", live.Log)
		assert.True(t, live.IsProgress)
	})
	t.Run("Should refuse the upgrade for unknown tasks", func(t *testing.T) {
		state, _ := newTestState(t)
		r := newTestRouter(t, state)
		srv := httptest.NewServer(r)
		defer srv.Close()
		url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/task_log/9999"
		conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
		require.Error(t, err)
		if conn != nil {
			conn.Close()
		}
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}
