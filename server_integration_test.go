package main

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"gwascoloc/models"
	"gwascoloc/pkg/contentstore"
	"gwascoloc/pkg/ingest"
	"gwascoloc/pkg/queue"
	"gwascoloc/pkg/reconcile"
)

// helper to perform requests with auth token
func performRequest(r http.Handler, method, path string, body io.Reader, token string, contentType string) *httptest.ResponseRecorder {
	req, _ := http.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func setupTestServer(t *testing.T) (*gin.Engine, *app) {
	gin.SetMode(gin.TestMode)
	jwtSecret = []byte("test-secret")

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	// seed roles and an admin operator
	adminRole := models.Role{Name: "administrator", Description: "full access"}
	workerRole := models.Role{Name: "worker", Description: "pipeline worker"}
	db.Create(&adminRole)
	db.Create(&workerRole)
	hashed, _ := bcrypt.GenerateFromPassword([]byte("admin123"), bcrypt.DefaultCost)
	rid := adminRole.ID
	db.Create(&models.User{Username: "admin", HashedPassword: hashed, RoleID: &rid})

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store, err := contentstore.New(t.TempDir())
	if err != nil {
		t.Fatalf("content store: %v", err)
	}
	queues := queue.New(client)
	a := &app{
		db:      db,
		queues:  queues,
		store:   store,
		gateway: &ingest.Gateway{DB: db, Queues: queues, Store: store},
		engine:  &reconcile.Engine{DB: db},
	}
	r := gin.New()
	setupRoutes(r, a)
	return r, a
}

func loginAs(t *testing.T, r http.Handler, username, password string) string {
	body, _ := json.Marshal(map[string]string{"username": username, "password": password})
	resp := performRequest(r, http.MethodPost, "/login", bytes.NewBuffer(body), "", "application/json")
	if resp.Code != 200 {
		t.Fatalf("login failed status=%d body=%s", resp.Code, resp.Body.String())
	}
	var loginResp map[string]any
	_ = json.Unmarshal(resp.Body.Bytes(), &loginResp)
	token, _ := loginResp["token"].(string)
	if token == "" {
		t.Fatalf("empty token in login response: %+v", loginResp)
	}
	return token
}

func multipartUpload(t *testing.T, content, metadata string) (*bytes.Buffer, string) {
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	if err := w.WriteField("metadata", metadata); err != nil {
		t.Fatal(err)
	}
	fw, err := w.CreateFormFile("file", "sumstats.tsv")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fw.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	w.Close()
	return buf, w.FormDataContentType()
}

const testMetadata = `{"name":"BMI GWAS","ancestry":"EUR","sample_size":50000,"category":"continuous","reference_build":"GRCh38","column_mapping":{"chr":"CHR","bp":"BP","p":"P"}}`

func TestUploadPipelineFlow(t *testing.T) {
	r, a := setupTestServer(t)

	// seed the reference store for reconciliation
	a.db.Create(&models.LdBlock{ID: 7, LdBlock: "1:1-2000", Chr: "1", Start: 1, Stop: 2000})

	// 1. Register + login an uploader
	regBody, _ := json.Marshal(map[string]string{"username": "user1", "password": "pass123"})
	resp := performRequest(r, http.MethodPost, "/register", bytes.NewBuffer(regBody), "", "application/json")
	if resp.Code != 200 {
		t.Fatalf("register failed status=%d body=%s", resp.Code, resp.Body.String())
	}
	token := loginAs(t, r, "user1", "pass123")

	// 2. Upload a file
	body, ct := multipartUpload(t, "chr\tbp\tp\n1\t1000\t5e-8\n", testMetadata)
	resp = performRequest(r, http.MethodPost, "/uploads", body, token, ct)
	if resp.Code != 200 {
		t.Fatalf("upload failed status=%d body=%s", resp.Code, resp.Body.String())
	}
	var upResp struct {
		Upload  models.GwasUpload `json:"upload"`
		Created bool              `json:"created"`
	}
	_ = json.Unmarshal(resp.Body.Bytes(), &upResp)
	guid := upResp.Upload.GUID
	if guid == "" || !upResp.Created {
		t.Fatalf("unexpected upload response: %s", resp.Body.String())
	}
	if upResp.Upload.Status != models.StatusProcessing {
		t.Fatalf("expected PROCESSING, got %s", upResp.Upload.Status)
	}

	// 3. Byte-identical re-upload dedups: same guid, no new record or enqueue
	body, ct = multipartUpload(t, "chr\tbp\tp\n1\t1000\t5e-8\n", testMetadata)
	resp = performRequest(r, http.MethodPost, "/uploads", body, token, ct)
	if resp.Code != 200 {
		t.Fatalf("re-upload failed status=%d body=%s", resp.Code, resp.Body.String())
	}
	var dupResp struct {
		Upload  models.GwasUpload `json:"upload"`
		Created bool              `json:"created"`
	}
	_ = json.Unmarshal(resp.Body.Bytes(), &dupResp)
	if dupResp.Created || dupResp.Upload.GUID != guid {
		t.Fatalf("dedup failed: %s", resp.Body.String())
	}
	if n, _ := a.queues.Len(queue.UploadQueue); n != 1 {
		t.Fatalf("expected exactly one enqueue, got %d", n)
	}

	// 4. Status while processing carries no result lists
	resp = performRequest(r, http.MethodGet, "/uploads/"+guid, nil, token, "")
	if resp.Code != 200 {
		t.Fatalf("status failed: %d", resp.Code)
	}

	// 5. Worker completes with one extraction and one coloc keyed to it
	completeBody := `{
		"study_extractions": [{"unique_study_id":"S1","chr":"1","bp":1000,"min_p":5e-8,"ld_block":"1:1-2000"}],
		"colocs": [{"unique_study_id":"S1","snp":"rs123","pp_h4":0.97,"n_snps":200}]
	}`
	resp = performRequest(r, http.MethodPost, "/uploads/"+guid+"/complete", bytes.NewBufferString(completeBody), token, "application/json")
	if resp.Code != 200 {
		t.Fatalf("complete failed status=%d body=%s", resp.Code, resp.Body.String())
	}

	// 6. Status now COMPLETED with reconciled rows
	resp = performRequest(r, http.MethodGet, "/uploads/"+guid, nil, token, "")
	var statusResp struct {
		Upload           models.GwasUpload              `json:"upload"`
		StudyExtractions []models.UploadStudyExtraction `json:"study_extractions"`
		Colocs           []models.UploadColoc           `json:"colocs"`
	}
	_ = json.Unmarshal(resp.Body.Bytes(), &statusResp)
	if statusResp.Upload.Status != models.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", statusResp.Upload.Status)
	}
	if len(statusResp.StudyExtractions) != 1 || len(statusResp.Colocs) != 1 {
		t.Fatalf("missing result rows: %s", resp.Body.String())
	}
	coloc := statusResp.Colocs[0]
	if coloc.LdBlockID == nil || *coloc.LdBlockID != 7 {
		t.Fatalf("coloc did not inherit ld_block_id: %+v", coloc)
	}
	if coloc.SnpID != nil {
		t.Fatalf("unresolved snp should stay null: %+v", coloc)
	}
}

func TestWorkerFailAndAdminRerun(t *testing.T) {
	r, a := setupTestServer(t)

	regBody, _ := json.Marshal(map[string]string{"username": "user2", "password": "pass123"})
	performRequest(r, http.MethodPost, "/register", bytes.NewBuffer(regBody), "", "application/json")
	token := loginAs(t, r, "user2", "pass123")

	body, ct := multipartUpload(t, "some sumstats\n", testMetadata)
	resp := performRequest(r, http.MethodPost, "/uploads", body, token, ct)
	var upResp struct {
		Upload models.GwasUpload `json:"upload"`
	}
	_ = json.Unmarshal(resp.Body.Bytes(), &upResp)
	guid := upResp.Upload.GUID

	// worker reports failure
	failBody := `{"reason":"allele harmonisation failed"}`
	resp = performRequest(r, http.MethodPost, "/uploads/"+guid+"/fail", bytes.NewBufferString(failBody), token, "application/json")
	if resp.Code != 200 {
		t.Fatalf("fail callback status=%d body=%s", resp.Code, resp.Body.String())
	}
	var up models.GwasUpload
	a.db.Where("guid = ?", guid).First(&up)
	if up.Status != models.StatusFailed || up.FailedReason == "" {
		t.Fatalf("expected FAILED with reason, got %+v", up)
	}

	// non-admin cannot rerun
	resp = performRequest(r, http.MethodPost, "/admin/uploads/"+guid+"/rerun", nil, token, "")
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin, got %d", resp.Code)
	}

	// drain the original enqueue so the rerun push is observable
	a.queues.Pop(queue.UploadQueue, 0)

	adminToken := loginAs(t, r, "admin", "admin123")
	resp = performRequest(r, http.MethodPost, "/admin/uploads/"+guid+"/rerun", nil, adminToken, "")
	if resp.Code != 200 {
		t.Fatalf("rerun status=%d body=%s", resp.Code, resp.Body.String())
	}
	a.db.Where("guid = ?", guid).First(&up)
	if up.Status != models.StatusProcessing {
		t.Fatalf("rerun should reset to PROCESSING, got %s", up.Status)
	}
	item, _ := a.queues.Pop(queue.UploadQueue, 0)
	if item == nil || item.GUID != guid {
		t.Fatalf("rerun did not re-enqueue original payload: %+v", item)
	}
}

func TestAdminDLQAndDelete(t *testing.T) {
	r, a := setupTestServer(t)

	regBody, _ := json.Marshal(map[string]string{"username": "user3", "password": "pass123"})
	performRequest(r, http.MethodPost, "/register", bytes.NewBuffer(regBody), "", "application/json")
	token := loginAs(t, r, "user3", "pass123")
	adminToken := loginAs(t, r, "admin", "admin123")

	body, ct := multipartUpload(t, "dlq bound\n", testMetadata)
	resp := performRequest(r, http.MethodPost, "/uploads", body, token, ct)
	var upResp struct {
		Upload models.GwasUpload `json:"upload"`
	}
	_ = json.Unmarshal(resp.Body.Bytes(), &upResp)
	guid := upResp.Upload.GUID

	// simulate a delivery failure: item popped then dead-lettered
	item, _ := a.queues.Pop(queue.UploadQueue, 0)
	a.queues.MoveToDLQ(queue.UploadQueue, *item, "worker unreachable")

	resp = performRequest(r, http.MethodGet, "/admin/dlq/gwas_upload", nil, adminToken, "")
	if resp.Code != 200 {
		t.Fatalf("dlq list status=%d", resp.Code)
	}
	var listResp struct {
		Identifiers []string `json:"identifiers"`
	}
	_ = json.Unmarshal(resp.Body.Bytes(), &listResp)
	if len(listResp.Identifiers) != 1 || listResp.Identifiers[0] != guid {
		t.Fatalf("unexpected dlq identifiers: %+v", listResp.Identifiers)
	}

	// retry puts the payload back on the work queue and empties the DLQ
	resp = performRequest(r, http.MethodPost, "/admin/dlq/gwas_upload/retry/"+guid, nil, adminToken, "")
	if resp.Code != 200 {
		t.Fatalf("retry status=%d body=%s", resp.Code, resp.Body.String())
	}
	if n, _ := a.queues.Len(queue.UploadQueue); n != 1 {
		t.Fatalf("expected requeued item")
	}
	guids, _ := a.queues.ListDLQIdentifiers(queue.UploadQueue)
	if len(guids) != 0 {
		t.Fatalf("dlq should be empty, got %+v", guids)
	}

	// unknown queue name is a client error
	resp = performRequest(r, http.MethodGet, "/admin/dlq/bogus", nil, adminToken, "")
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown queue, got %d", resp.Code)
	}

	// delete cascades: record, rows, content and queue traces
	resp = performRequest(r, http.MethodDelete, "/admin/uploads/"+guid, nil, adminToken, "")
	if resp.Code != 200 {
		t.Fatalf("delete status=%d body=%s", resp.Code, resp.Body.String())
	}
	var count int64
	a.db.Model(&models.GwasUpload{}).Where("guid = ?", guid).Count(&count)
	if count != 0 {
		t.Fatalf("upload row should be gone")
	}
	if a.store.Exists(guid) {
		t.Fatalf("content should be gone")
	}
	if n, _ := a.queues.Len(queue.UploadQueue); n != 0 {
		t.Fatalf("queue trace should be gone")
	}

	resp = performRequest(r, http.MethodGet, "/uploads/"+guid, nil, token, "")
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", resp.Code)
	}
}

func TestGetUploadResultQueryFailure(t *testing.T) {
	r, a := setupTestServer(t)

	regBody, _ := json.Marshal(map[string]string{"username": "user4", "password": "pass123"})
	performRequest(r, http.MethodPost, "/register", bytes.NewBuffer(regBody), "", "application/json")
	token := loginAs(t, r, "user4", "pass123")

	guid := "e0000000000000000000000000000000000000000000000000000000000000ff"
	a.db.Create(&models.GwasUpload{GUID: guid, Name: "done", Status: models.StatusCompleted})

	// a broken result table must surface as an error, not empty lists
	a.db.Exec("DROP TABLE upload_colocs")

	resp := performRequest(r, http.MethodGet, "/uploads/"+guid, nil, token, "")
	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 on result query failure, got %d body=%s", resp.Code, resp.Body.String())
	}
}

func TestHealthEndpoint(t *testing.T) {
	r, _ := setupTestServer(t)
	resp := performRequest(r, http.MethodGet, "/health", nil, "", "")
	if resp.Code != 200 {
		t.Fatalf("health status=%d body=%s", resp.Code, resp.Body.String())
	}
	var h map[string]any
	_ = json.Unmarshal(resp.Body.Bytes(), &h)
	if h["status"] != "ok" {
		t.Fatalf("unexpected health response: %+v", h)
	}
}
