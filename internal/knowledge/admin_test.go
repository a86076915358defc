package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/openfathom/dredger/internal/store"
	"github.com/openfathom/dredger/pkg/logging"
)

type adminFakeStore struct {
	mu      sync.Mutex
	clients map[string]*store.Client
	jobs    map[string]*store.CrawlJob
	results []store.SearchResult

	deactivatedByURL    string
	deactivatedByDomain string
}

func newAdminFakeStore() *adminFakeStore {
	return &adminFakeStore{
		clients: make(map[string]*store.Client),
		jobs:    make(map[string]*store.CrawlJob),
	}
}

func (f *adminFakeStore) CreateClient(_ context.Context, name, model string, mainDomain *string) (*store.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if model != store.ModelSmall && model != store.ModelLarge {
		return nil, store.ErrUnknownModel
	}
	if mainDomain != nil {
		for _, c := range f.clients {
			if c.MainDomain != nil && *c.MainDomain == *mainDomain {
				return nil, store.ErrDuplicateMainDomain
			}
		}
	}
	client := &store.Client{ID: "client-" + name, Name: name, EmbeddingModel: model, MainDomain: mainDomain}
	f.clients[client.ID] = client
	return client, nil
}

func (f *adminFakeStore) GetClient(_ context.Context, clientID string) (*store.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	client, ok := f.clients[clientID]
	if !ok {
		return nil, store.ErrClientNotFound
	}
	return client, nil
}

func (f *adminFakeStore) CreateJob(_ context.Context, clientID, domain, startURL, jobType string) (*store.CrawlJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job := &store.CrawlJob{ID: "job-1", ClientID: clientID, Domain: domain, StartURL: startURL, Status: store.JobStatusQueued, JobType: jobType, IsActive: true}
	f.jobs[job.ID] = job
	return job, nil
}

func (f *adminFakeStore) GetJob(_ context.Context, jobID string) (*store.CrawlJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, store.ErrJobNotFound
	}
	return job, nil
}

func (f *adminFakeStore) ListJobsByClient(_ context.Context, clientID string, _, _ int) ([]store.CrawlJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var jobs []store.CrawlJob
	for _, job := range f.jobs {
		if job.ClientID == clientID && job.IsActive {
			jobs = append(jobs, *job)
		}
	}
	return jobs, nil
}

func (f *adminFakeStore) DeactivateJob(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return store.ErrJobNotFound
	}
	job.IsActive = false
	return nil
}

func (f *adminFakeStore) SearchChunks(_ context.Context, _ *store.Client, _ []float32, _ string, _ int) ([]store.SearchResult, error) {
	return f.results, nil
}

func (f *adminFakeStore) DeactivateChunksByURL(_ context.Context, _ *store.Client, url string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deactivatedByURL = url
	return 3, nil
}

func (f *adminFakeStore) DeactivateChunksByDomain(_ context.Context, _ *store.Client, domain string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deactivatedByDomain = domain
	return 9, nil
}

func newTestAPI(t *testing.T, fs *adminFakeStore) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	crawler := newTestCrawler(t, &fakeStore{}, &fakeEmbedder{dims: 4}, &fakeSitemap{}, CrawlConfig{
		MaxPages: 5, MaxDepth: 1, Concurrency: 1, MinChars: 10,
	})
	api, err := NewAdminAPI(fs, crawler, &fakeEmbedder{dims: 4}, logging.NewLogger())
	if err != nil {
		t.Fatalf("new admin api: %v", err)
	}
	router := gin.New()
	api.RegisterRoutes(router)
	return router
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestAdminCreateClient(t *testing.T) {
	fs := newAdminFakeStore()
	router := newTestAPI(t, fs)

	w := doJSON(t, router, http.MethodPost, "/api/dredger/clients", gin.H{
		"name": "acme", "embedding_model": "small", "main_domain": "acme.com",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	// Same main domain again: a distinguishable conflict.
	w = doJSON(t, router, http.MethodPost, "/api/dredger/clients", gin.H{
		"name": "other", "embedding_model": "small", "main_domain": "acme.com",
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}

	w = doJSON(t, router, http.MethodPost, "/api/dredger/clients", gin.H{
		"name": "third", "embedding_model": "medium",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown model, got %d", w.Code)
	}
}

func TestAdminCrawlAccepted(t *testing.T) {
	fs := newAdminFakeStore()
	fs.clients["client-1"] = &store.Client{ID: "client-1", Name: "acme", EmbeddingModel: store.ModelSmall}
	router := newTestAPI(t, fs)

	w := doJSON(t, router, http.MethodPost, "/api/dredger/crawl", gin.H{
		"client_id": "client-1", "domain": "acme.com",
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["job_id"] == "" {
		t.Fatalf("expected job_id in response")
	}

	w = doJSON(t, router, http.MethodPost, "/api/dredger/crawl", gin.H{
		"client_id": "nope", "domain": "acme.com",
	})
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown client, got %d", w.Code)
	}
}

func TestAdminJobLifecycleEndpoints(t *testing.T) {
	fs := newAdminFakeStore()
	fs.clients["client-1"] = &store.Client{ID: "client-1", Name: "acme", EmbeddingModel: store.ModelSmall}
	fs.jobs["job-1"] = &store.CrawlJob{ID: "job-1", ClientID: "client-1", Status: store.JobStatusCompleted, JobType: store.JobTypeDomain, IsActive: true}
	router := newTestAPI(t, fs)

	w := doJSON(t, router, http.MethodGet, "/api/dredger/jobs/job-1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	w = doJSON(t, router, http.MethodGet, "/api/dredger/jobs/missing", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}

	w = doJSON(t, router, http.MethodGet, "/api/dredger/jobs?client_id=client-1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	w = doJSON(t, router, http.MethodDelete, "/api/dredger/jobs/job-1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if fs.jobs["job-1"].IsActive {
		t.Fatalf("job should be deactivated")
	}
	if fs.jobs["job-1"].Status != store.JobStatusCompleted {
		t.Fatalf("deactivation must not change status")
	}
}

func TestAdminSearch(t *testing.T) {
	fs := newAdminFakeStore()
	fs.clients["client-1"] = &store.Client{ID: "client-1", Name: "acme", EmbeddingModel: store.ModelSmall}
	fs.results = []store.SearchResult{
		{URL: "https://acme.com/docs", Domain: "acme.com", ChunkIndex: 0, Text: "how to configure", Similarity: 0.91},
	}
	router := newTestAPI(t, fs)

	w := doJSON(t, router, http.MethodPost, "/api/dredger/search", gin.H{
		"client_id": "client-1", "query": "configure", "limit": 5,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var results []map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &results); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(results) != 1 || results[0]["similarity"].(float64) != 0.91 {
		t.Fatalf("unexpected results: %v", results)
	}

	w = doJSON(t, router, http.MethodPost, "/api/dredger/search", gin.H{
		"client_id": "client-1", "query": "",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty query, got %d", w.Code)
	}
}

func TestAdminDeactivateSources(t *testing.T) {
	fs := newAdminFakeStore()
	fs.clients["client-1"] = &store.Client{ID: "client-1", Name: "acme", EmbeddingModel: store.ModelSmall}
	router := newTestAPI(t, fs)

	w := doJSON(t, router, http.MethodDelete, "/api/dredger/sources?client_id=client-1&url=https%3A%2F%2Facme.com%2Fold", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if fs.deactivatedByURL != "https://acme.com/old" {
		t.Fatalf("url not passed through: %q", fs.deactivatedByURL)
	}

	w = doJSON(t, router, http.MethodDelete, "/api/dredger/sources?client_id=client-1&domain=acme.com", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if fs.deactivatedByDomain != "acme.com" {
		t.Fatalf("domain not passed through: %q", fs.deactivatedByDomain)
	}

	// Both url and domain at once is ambiguous.
	w = doJSON(t, router, http.MethodDelete, "/api/dredger/sources?client_id=client-1&url=x&domain=y", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestAdminUpload(t *testing.T) {
	fs := newAdminFakeStore()
	fs.clients["client-1"] = &store.Client{ID: "client-1", Name: "acme", EmbeddingModel: store.ModelSmall}
	router := newTestAPI(t, fs)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("client_id", "client-1"); err != nil {
		t.Fatalf("write field: %v", err)
	}
	part, err := mw.CreateFormFile("files", "guide.txt")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write([]byte(strings.Repeat("setup instructions ", 30))); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/dredger/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}

	// No files attached.
	var empty bytes.Buffer
	mw = multipart.NewWriter(&empty)
	_ = mw.WriteField("client_id", "client-1")
	_ = mw.Close()
	req = httptest.NewRequest(http.MethodPost, "/api/dredger/upload", &empty)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}
