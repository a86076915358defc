package knowledge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/openfathom/dredger/internal/store"
	"github.com/openfathom/dredger/pkg/logging"
)

const maxUploadSize int64 = 10 << 20 // 10 MB

// AdminStore is the persistence surface the ingestion API needs.
type AdminStore interface {
	CreateClient(ctx context.Context, name, embeddingModel string, mainDomain *string) (*store.Client, error)
	GetClient(ctx context.Context, clientID string) (*store.Client, error)
	CreateJob(ctx context.Context, clientID, domain, startURL, jobType string) (*store.CrawlJob, error)
	GetJob(ctx context.Context, jobID string) (*store.CrawlJob, error)
	ListJobsByClient(ctx context.Context, clientID string, page, perPage int) ([]store.CrawlJob, error)
	DeactivateJob(ctx context.Context, jobID string) error
	SearchChunks(ctx context.Context, client *store.Client, embedding []float32, domain string, limit int) ([]store.SearchResult, error)
	DeactivateChunksByURL(ctx context.Context, client *store.Client, url string) (int64, error)
	DeactivateChunksByDomain(ctx context.Context, client *store.Client, domain string) (int64, error)
}

// AdminAPI exposes client, crawl, upload, search, and source management over
// HTTP.
type AdminAPI struct {
	store    AdminStore
	crawler  *Crawler
	embedder ChunkEmbedder
	logger   logging.Logger
}

func NewAdminAPI(adminStore AdminStore, crawler *Crawler, embedder ChunkEmbedder, logger logging.Logger) (*AdminAPI, error) {
	if adminStore == nil {
		return nil, errors.New("store is required")
	}
	if crawler == nil {
		return nil, errors.New("crawler is required")
	}
	if embedder == nil {
		return nil, errors.New("embedder is required")
	}
	return &AdminAPI{
		store:    adminStore,
		crawler:  crawler,
		embedder: embedder,
		logger:   logger,
	}, nil
}

func (a *AdminAPI) RegisterRoutes(router *gin.Engine) {
	group := router.Group("/api/dredger")

	group.POST("/clients", a.handleCreateClient)
	group.POST("/crawl", a.handleCrawl)
	group.POST("/upload", a.handleUpload)
	group.GET("/jobs/:id", a.handleGetJob)
	group.GET("/jobs", a.handleListJobs)
	group.DELETE("/jobs/:id", a.handleDeactivateJob)
	group.POST("/search", a.handleSearch)
	group.DELETE("/sources", a.handleDeactivateSources)
}

type createClientRequest struct {
	Name           string  `json:"name"`
	EmbeddingModel string  `json:"embedding_model"`
	MainDomain     *string `json:"main_domain"`
}

func (a *AdminAPI) handleCreateClient(c *gin.Context) {
	var req createClientRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}

	client, err := a.store.CreateClient(c.Request.Context(), req.Name, req.EmbeddingModel, req.MainDomain)
	if errors.Is(err, store.ErrDuplicateMainDomain) {
		c.JSON(http.StatusConflict, gin.H{"error": "main domain already registered"})
		return
	}
	if errors.Is(err, store.ErrUnknownModel) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "embedding_model must be small or large"})
		return
	}
	if err != nil {
		a.logger.WithError(err).Warn("Failed to create client")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create client"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":              client.ID,
		"name":            client.Name,
		"embedding_model": client.EmbeddingModel,
		"main_domain":     client.MainDomain,
	})
}

type crawlRequest struct {
	ClientID string `json:"client_id"`
	Domain   string `json:"domain"`
}

func (a *AdminAPI) handleCrawl(c *gin.Context) {
	var req crawlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Domain) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "domain is required"})
		return
	}

	client, ok := a.resolveClient(c, req.ClientID)
	if !ok {
		return
	}

	job, err := a.store.CreateJob(c.Request.Context(), client.ID, req.Domain, "", store.JobTypeDomain)
	if err != nil {
		a.logger.WithError(err).Warn("Failed to create crawl job")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create crawl job"})
		return
	}

	go func() {
		if err := a.crawler.CrawlDomain(context.Background(), req.Domain, client, job, nil); err != nil {
			a.logger.WithField("job_id", job.ID).WithError(err).Warn("Crawl job failed")
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{"job_id": job.ID})
}

func (a *AdminAPI) handleUpload(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "multipart form is required"})
		return
	}
	files := form.File["files"]
	if len(files) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "at least one file is required"})
		return
	}

	client, ok := a.resolveClient(c, c.PostForm("client_id"))
	if !ok {
		return
	}

	var docs []Document
	for _, header := range files {
		if header.Size > maxUploadSize {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("file %q too large (max %d MB)", header.Filename, maxUploadSize>>20)})
			return
		}
		file, err := header.Open()
		if err != nil {
			a.logger.WithError(err).Warn("Failed to open upload")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read upload"})
			return
		}
		data, err := io.ReadAll(io.LimitReader(file, maxUploadSize+1))
		_ = file.Close()
		if err != nil || int64(len(data)) > maxUploadSize {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("file %q too large (max %d MB)", header.Filename, maxUploadSize>>20)})
			return
		}
		docs = append(docs, Document{
			Name:        filepath.Base(header.Filename),
			ContentType: header.Header.Get("Content-Type"),
			Data:        data,
		})
	}

	job, err := a.store.CreateJob(c.Request.Context(), client.ID, "", "", store.JobTypeDocs)
	if err != nil {
		a.logger.WithError(err).Warn("Failed to create docs job")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create docs job"})
		return
	}

	go func() {
		if err := a.crawler.IngestDocuments(context.Background(), client, job, docs, nil); err != nil {
			a.logger.WithField("job_id", job.ID).WithError(err).Warn("Docs job failed")
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{"job_id": job.ID, "documents": len(docs)})
}

type jobResponse struct {
	ID                  string     `json:"id"`
	ClientID            string     `json:"client_id"`
	Domain              string     `json:"domain,omitempty"`
	Status              string     `json:"status"`
	JobType             string     `json:"job_type"`
	TotalPagesEstimated *int       `json:"total_pages_estimated,omitempty"`
	PagesVisited        int        `json:"pages_visited"`
	PagesStored         int        `json:"pages_stored"`
	ChunksStored        int        `json:"chunks_stored"`
	ErrorMessage        *string    `json:"error_message,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	StartedAt           *time.Time `json:"started_at,omitempty"`
	FinishedAt          *time.Time `json:"finished_at,omitempty"`
}

func toJobResponse(job *store.CrawlJob) jobResponse {
	return jobResponse{
		ID:                  job.ID,
		ClientID:            job.ClientID,
		Domain:              job.Domain,
		Status:              job.Status,
		JobType:             job.JobType,
		TotalPagesEstimated: job.TotalPagesEstimated,
		PagesVisited:        job.PagesVisited,
		PagesStored:         job.PagesStored,
		ChunksStored:        job.ChunksStored,
		ErrorMessage:        job.ErrorMessage,
		CreatedAt:           job.CreatedAt,
		StartedAt:           job.StartedAt,
		FinishedAt:          job.FinishedAt,
	}
}

func (a *AdminAPI) handleGetJob(c *gin.Context) {
	job, err := a.store.GetJob(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrJobNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	if err != nil {
		a.logger.WithError(err).Warn("Failed to fetch job")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch job"})
		return
	}
	c.JSON(http.StatusOK, toJobResponse(job))
}

func (a *AdminAPI) handleListJobs(c *gin.Context) {
	clientID := c.Query("client_id")
	if strings.TrimSpace(clientID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "client_id is required"})
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	perPage, _ := strconv.Atoi(c.DefaultQuery("per_page", "20"))

	jobs, err := a.store.ListJobsByClient(c.Request.Context(), clientID, page, perPage)
	if err != nil {
		a.logger.WithError(err).Warn("Failed to list jobs")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list jobs"})
		return
	}
	response := make([]jobResponse, 0, len(jobs))
	for i := range jobs {
		response = append(response, toJobResponse(&jobs[i]))
	}
	c.JSON(http.StatusOK, response)
}

func (a *AdminAPI) handleDeactivateJob(c *gin.Context) {
	err := a.store.DeactivateJob(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrJobNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	if err != nil {
		a.logger.WithError(err).Warn("Failed to deactivate job")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to deactivate job"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deactivated"})
}

type searchRequest struct {
	ClientID string `json:"client_id"`
	Query    string `json:"query"`
	Domain   string `json:"domain"`
	Limit    int    `json:"limit"`
}

func (a *AdminAPI) handleSearch(c *gin.Context) {
	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query is required"})
		return
	}

	client, ok := a.resolveClient(c, req.ClientID)
	if !ok {
		return
	}

	embedding, err := a.embedder.EmbedQuery(c.Request.Context(), client, req.Query)
	if err != nil {
		a.logger.WithError(err).Warn("Failed to embed search query")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to embed query"})
		return
	}

	results, err := a.store.SearchChunks(c.Request.Context(), client, embedding, req.Domain, req.Limit)
	if err != nil {
		a.logger.WithError(err).Warn("Search failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "search failed"})
		return
	}

	type searchResult struct {
		URL        string  `json:"url"`
		Domain     string  `json:"domain,omitempty"`
		ChunkIndex int     `json:"chunk_index"`
		Text       string  `json:"text"`
		Similarity float64 `json:"similarity"`
	}
	response := make([]searchResult, 0, len(results))
	for _, r := range results {
		response = append(response, searchResult{
			URL:        r.URL,
			Domain:     r.Domain,
			ChunkIndex: r.ChunkIndex,
			Text:       r.Text,
			Similarity: r.Similarity,
		})
	}
	c.JSON(http.StatusOK, response)
}

func (a *AdminAPI) handleDeactivateSources(c *gin.Context) {
	client, ok := a.resolveClient(c, c.Query("client_id"))
	if !ok {
		return
	}

	sourceURL := strings.TrimSpace(c.Query("url"))
	domain := strings.TrimSpace(c.Query("domain"))
	if (sourceURL == "") == (domain == "") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "exactly one of url or domain is required"})
		return
	}

	var affected int64
	var err error
	if sourceURL != "" {
		affected, err = a.store.DeactivateChunksByURL(c.Request.Context(), client, sourceURL)
	} else {
		affected, err = a.store.DeactivateChunksByDomain(c.Request.Context(), client, domain)
	}
	if err != nil {
		a.logger.WithError(err).Warn("Failed to deactivate chunks")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to deactivate chunks"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deactivated": affected})
}

func (a *AdminAPI) resolveClient(c *gin.Context, clientID string) (*store.Client, bool) {
	if strings.TrimSpace(clientID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "client_id is required"})
		return nil, false
	}
	client, err := a.store.GetClient(c.Request.Context(), clientID)
	if errors.Is(err, store.ErrClientNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "client not found"})
		return nil, false
	}
	if err != nil {
		a.logger.WithError(err).Warn("Failed to fetch client")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch client"})
		return nil, false
	}
	return client, true
}
