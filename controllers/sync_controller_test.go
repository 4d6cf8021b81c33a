package controllers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"data_gateway/models"
	"data_gateway/services/apikey"
	"data_gateway/services/archive"
	"data_gateway/services/gateway"
	"data_gateway/services/providers"
	"data_gateway/services/synctask"
	"data_gateway/testutil"
)

type barFetcher struct {
	release chan struct{}
}

func (f *barFetcher) Kline(ctx context.Context, q providers.KlineQuery) (gateway.Result, error) {
	if f.release != nil {
		<-f.release
	}
	return gateway.Result{
		Source: "akshare",
		Payload: models.KlinePayload{Bars: []models.Bar{
			{Symbol: q.Symbol, Market: q.Market, Period: q.Period, Datetime: "2024-03-01", Close: decimal.NewFromInt(10)},
		}},
	}, nil
}

func syncRouter(t *testing.T, f synctask.Fetcher) (*gin.Engine, *synctask.Manager) {
	db := testutil.NewTestDB(t)
	m := synctask.New(db, f, archive.NewSQLArchive(db),
		synctask.WithUniverse(synctask.StaticUniverse{"cn_a": {"600519", "000001"}}),
	)
	sc := NewSyncController(m)

	r := gin.New()
	r.POST("/api/v1/sync/tasks", sc.CreateTask)
	r.GET("/api/v1/sync/tasks", sc.ListTasks)
	r.GET("/api/v1/sync/tasks/:id", sc.GetTask)
	r.POST("/api/v1/sync/tasks/:id/cancel", sc.CancelTask)
	return r, m
}

func post(r *gin.Engine, target, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func get(r *gin.Engine, target string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
	return w
}

func TestCreateSyncTaskRunsToCompletion(t *testing.T) {
	r, m := syncRouter(t, &barFetcher{})

	w := post(r, "/api/v1/sync/tasks", `{"market":"cn_a","type":"full","date_range":{"start":"2024-01-01","end":"2024-03-31"}}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d body %s", w.Code, w.Body.String())
	}
	var created struct {
		TaskID string `json:"task_id"`
	}
	json.Unmarshal(w.Body.Bytes(), &created)
	if created.TaskID == "" {
		t.Fatal("no task_id returned")
	}
	m.Wait()

	w = get(r, "/api/v1/sync/tasks/"+created.TaskID)
	var detail struct {
		Task  models.SyncTask       `json:"task"`
		Items []models.SyncTaskItem `json:"items"`
	}
	json.Unmarshal(w.Body.Bytes(), &detail)
	if detail.Task.Status != models.SyncCompleted || detail.Task.SuccessCount != 2 || detail.Task.Progress != 100 {
		t.Errorf("task = %+v", detail.Task)
	}
	if detail.Task.StartDate != "2024-01-01" || detail.Task.EndDate != "2024-03-31" {
		t.Errorf("range = %s..%s", detail.Task.StartDate, detail.Task.EndDate)
	}
	if len(detail.Items) != 2 {
		t.Errorf("items = %d", len(detail.Items))
	}

	// terminal tasks cannot be cancelled
	if w := post(r, "/api/v1/sync/tasks/"+created.TaskID+"/cancel", ""); w.Code != http.StatusConflict {
		t.Errorf("cancel completed = %d, want 409", w.Code)
	}

	w = get(r, "/api/v1/sync/tasks")
	if !strings.Contains(w.Body.String(), created.TaskID) {
		t.Errorf("list = %s", w.Body.String())
	}
}

func TestCreateSyncTaskRejectsSecondWhileRunning(t *testing.T) {
	f := &barFetcher{release: make(chan struct{})}
	r, m := syncRouter(t, f)

	if w := post(r, "/api/v1/sync/tasks", `{"market":"cn_a","type":"symbol","symbols":["600519"]}`); w.Code != http.StatusAccepted {
		t.Fatalf("first = %d %s", w.Code, w.Body.String())
	}
	if w := post(r, "/api/v1/sync/tasks", `{"market":"cn_a"}`); w.Code != http.StatusConflict {
		t.Errorf("second = %d, want 409", w.Code)
	}

	close(f.release)
	m.Wait()

	tasks, _ := m.List(context.Background(), 10)
	if len(tasks) != 1 {
		t.Errorf("tasks = %d, want the rejected submission not persisted", len(tasks))
	}
}

func TestSyncTaskErrors(t *testing.T) {
	r, _ := syncRouter(t, &barFetcher{})

	if w := post(r, "/api/v1/sync/tasks", `{"market":"moon"}`); w.Code != http.StatusBadRequest {
		t.Errorf("bad market = %d", w.Code)
	}
	if w := post(r, "/api/v1/sync/tasks", `{"market":"cn_a","type":"symbol","symbols":["A","B"]}`); w.Code != http.StatusBadRequest {
		t.Errorf("symbol type with two symbols = %d", w.Code)
	}
	if w := get(r, "/api/v1/sync/tasks/missing"); w.Code != http.StatusNotFound {
		t.Errorf("unknown task = %d", w.Code)
	}
}

func TestCreateSyncTaskHonoursKeyMarketScope(t *testing.T) {
	db := testutil.NewTestDB(t)
	m := synctask.New(db, &barFetcher{}, archive.NewSQLArchive(db),
		synctask.WithUniverse(synctask.StaticUniverse{"us": {"AAPL"}}),
	)
	sc := NewSyncController(m)
	r := gin.New()
	r.POST("/api/v1/sync/tasks", func(c *gin.Context) {
		c.Request = c.Request.WithContext(apikey.WithAllowedMarkets(c.Request.Context(), []string{"cn_a"}))
		c.Next()
	}, sc.CreateTask)

	if w := post(r, "/api/v1/sync/tasks", `{"market":"us"}`); w.Code != http.StatusForbidden {
		t.Errorf("out of scope = %d, want 403", w.Code)
	}
	if tasks, _ := m.List(context.Background(), 10); len(tasks) != 0 {
		t.Errorf("tasks = %d, want none created", len(tasks))
	}
}
