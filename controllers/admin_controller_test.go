package controllers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"data_gateway/models"
	"data_gateway/services/apikey"
	"data_gateway/services/health"
	"data_gateway/services/registry"
	"data_gateway/services/requestlog"
	"data_gateway/services/webhook"
	"data_gateway/testutil"
)

func adminRouter(t *testing.T) (*gin.Engine, *gorm.DB, *registry.Registry) {
	t.Helper()
	db := testutil.NewTestDB(t)
	ctx := context.Background()

	reg, err := registry.New(ctx, db)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	err = reg.Seed(ctx, []models.Source{
		{ProviderCode: "akshare", MarketCode: "cn_a", DataKind: models.KindKline, Enabled: true, PriorityRank: 1},
		{ProviderCode: "baostock", MarketCode: "cn_a", DataKind: models.KindKline, Enabled: true, PriorityRank: 2},
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	ac := NewAdminController(reg, health.New(db),
		apikey.New(db, 120, 1000, apikey.WithBcryptCost(bcrypt.MinCost)),
		webhook.New(db), requestlog.New(db))

	r := gin.New()
	admin := r.Group("/api/v1/admin")
	admin.GET("/sources", ac.ListSources)
	admin.PUT("/sources/:id/enabled", ac.SetSourceEnabled)
	admin.POST("/sources/reload", ac.ReloadSources)
	admin.POST("/api-keys", ac.IssueAPIKey)
	admin.GET("/api-keys", ac.ListAPIKeys)
	admin.PUT("/api-keys/:code/enabled", ac.SetAPIKeyEnabled)
	admin.POST("/webhooks", ac.CreateWebhook)
	admin.GET("/webhooks", ac.ListWebhooks)
	admin.DELETE("/webhooks/:id", ac.DeleteWebhook)
	admin.GET("/webhooks/:id/events", ac.ListWebhookEvents)
	admin.GET("/stats", ac.GetStats)
	admin.POST("/stats/rollup", ac.RollupStats)
	return r, db, reg
}

func do(r *gin.Engine, method, target, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func TestAdminSources(t *testing.T) {
	r, _, reg := adminRouter(t)

	w := do(r, http.MethodGet, "/api/v1/admin/sources", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"status":"unknown"`) {
		t.Fatalf("list = %d %s", w.Code, w.Body.String())
	}

	id := reg.List("cn_a", models.KindKline)[0].ID
	w = do(r, http.MethodPut, "/api/v1/admin/sources/"+itoa(id)+"/enabled", `{"enabled":false}`)
	if w.Code != http.StatusOK {
		t.Fatalf("disable = %d %s", w.Code, w.Body.String())
	}
	if got := reg.List("cn_a", models.KindKline); len(got) != 1 || got[0].ProviderCode != "baostock" {
		t.Errorf("enabled sources = %+v", got)
	}

	if w := do(r, http.MethodPut, "/api/v1/admin/sources/abc/enabled", `{"enabled":true}`); w.Code != http.StatusBadRequest {
		t.Errorf("bad id = %d", w.Code)
	}
	if w := do(r, http.MethodPut, "/api/v1/admin/sources/"+itoa(id)+"/enabled", `{}`); w.Code != http.StatusBadRequest {
		t.Errorf("missing flag = %d", w.Code)
	}
	if w := do(r, http.MethodPut, "/api/v1/admin/sources/999/enabled", `{"enabled":true}`); w.Code != http.StatusNotFound {
		t.Errorf("unknown source = %d", w.Code)
	}
}

func TestAdminAPIKeys(t *testing.T) {
	r, _, _ := adminRouter(t)

	w := do(r, http.MethodPost, "/api/v1/admin/api-keys", `{"name":"quant desk","allowed_markets":["cn_a"]}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("issue = %d %s", w.Code, w.Body.String())
	}
	var issued struct {
		Data   models.APIKey `json:"data"`
		Secret string        `json:"key_secret"`
	}
	json.Unmarshal(w.Body.Bytes(), &issued)
	if !strings.HasPrefix(issued.Data.KeyCode, "dg_") || issued.Secret == "" {
		t.Errorf("issued = %+v", issued)
	}
	if strings.Contains(w.Body.String(), "secret_hash") {
		t.Error("hash exposed")
	}

	if w := do(r, http.MethodPost, "/api/v1/admin/api-keys", `{"allowed_markets":["moon"]}`); w.Code != http.StatusUnprocessableEntity {
		t.Errorf("bad market = %d", w.Code)
	}
	if w := do(r, http.MethodPut, "/api/v1/admin/api-keys/"+issued.Data.KeyCode+"/enabled", `{"enabled":false}`); w.Code != http.StatusOK {
		t.Errorf("disable = %d", w.Code)
	}
	if w := do(r, http.MethodPut, "/api/v1/admin/api-keys/dg_missing/enabled", `{"enabled":false}`); w.Code != http.StatusNotFound {
		t.Errorf("unknown key = %d", w.Code)
	}

	w = do(r, http.MethodGet, "/api/v1/admin/api-keys", "")
	if !strings.Contains(w.Body.String(), `"enabled":false`) {
		t.Errorf("list = %s", w.Body.String())
	}
}

func TestAdminWebhooks(t *testing.T) {
	r, _, _ := adminRouter(t)

	if w := do(r, http.MethodPost, "/api/v1/admin/webhooks", `{"url":"ftp://x","secret":"s"}`); w.Code != http.StatusUnprocessableEntity {
		t.Errorf("bad url = %d", w.Code)
	}

	w := do(r, http.MethodPost, "/api/v1/admin/webhooks", `{"url":"https://hooks.example.com/dg","secret":"s3cret","event_types":["sync.completed"]}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create = %d %s", w.Code, w.Body.String())
	}
	if strings.Contains(w.Body.String(), "s3cret") {
		t.Error("secret echoed back")
	}
	var created struct {
		Data models.WebhookSubscription `json:"data"`
	}
	json.Unmarshal(w.Body.Bytes(), &created)
	id := itoa(created.Data.ID)

	if w := do(r, http.MethodGet, "/api/v1/admin/webhooks/"+id+"/events", ""); w.Code != http.StatusOK {
		t.Errorf("events = %d", w.Code)
	}
	if w := do(r, http.MethodDelete, "/api/v1/admin/webhooks/"+id, ""); w.Code != http.StatusOK {
		t.Errorf("delete = %d", w.Code)
	}
	if w := do(r, http.MethodDelete, "/api/v1/admin/webhooks/999", ""); w.Code != http.StatusNotFound {
		t.Errorf("delete unknown = %d", w.Code)
	}

	w = do(r, http.MethodGet, "/api/v1/admin/webhooks", "")
	if !strings.Contains(w.Body.String(), `"enabled":false`) {
		t.Errorf("list = %s", w.Body.String())
	}
}

func TestAdminStatsRollup(t *testing.T) {
	r, db, _ := adminRouter(t)

	day := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	db.Create(&[]models.RequestLogEntry{
		{Path: "/api/v1/kline", Market: "cn_a", Source: "akshare", HTTPStatus: 200, LatencyMs: 40, CreatedAt: day},
		{Path: "/api/v1/kline", Market: "cn_a", Source: "akshare", HTTPStatus: 200, LatencyMs: 20, CacheHit: true, CreatedAt: day},
		{Path: "/api/v1/kline", Market: "cn_a", Source: "akshare", HTTPStatus: 502, LatencyMs: 60, CreatedAt: day},
	})

	if w := do(r, http.MethodPost, "/api/v1/admin/stats/rollup?date=2024-03-01", ""); w.Code != http.StatusOK {
		t.Fatalf("rollup = %d %s", w.Code, w.Body.String())
	}

	w := do(r, http.MethodGet, "/api/v1/admin/stats?date=2024-03-01", "")
	var body struct {
		Data []models.DailyStatistic `json:"data"`
	}
	json.Unmarshal(w.Body.Bytes(), &body)
	if len(body.Data) != 1 {
		t.Fatalf("stats = %s", w.Body.String())
	}
	s := body.Data[0]
	if s.TotalRequests != 3 || s.SuccessRequests != 2 || s.FailedRequests != 1 || s.CacheHits != 1 || s.AvgLatencyMs != 40 {
		t.Errorf("stat = %+v", s)
	}

	if w := do(r, http.MethodGet, "/api/v1/admin/stats?date=03-01-2024", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad date = %d", w.Code)
	}
}

func itoa(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}
