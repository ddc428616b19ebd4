package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/knoguchi/tendersense/internal/alert"
	"github.com/knoguchi/tendersense/internal/extract"
	"github.com/knoguchi/tendersense/internal/repository"
	"github.com/knoguchi/tendersense/internal/service"
	"github.com/knoguchi/tendersense/internal/source"
	"github.com/knoguchi/tendersense/internal/tender"
)

const (
	maxBodyBytes  = 16 << 20
	maxIngestSize = 2000
)

// Searcher serves search and QA.
type Searcher interface {
	Search(ctx context.Context, query string, topK int) ([]tender.Hit, error)
	Answer(ctx context.Context, question string, topK int) (*service.Answer, error)
}

// Extractor runs structured extraction.
type Extractor interface {
	Run(ctx context.Context, text, lang string) extract.Outcome
}

// Ingester indexes notices.
type Ingester interface {
	Ingest(ctx context.Context, source string, notices []tender.Notice) (*service.IngestResult, error)
}

// Alerter runs alert profiles.
type Alerter interface {
	Profiles() []string
	RunByName(ctx context.Context, name string) (*service.AlertRun, error)
	RunAll(ctx context.Context) ([]*service.AlertRun, error)
}

// Handlers implements the JSON API.
type Handlers struct {
	search      Searcher
	extractor   Extractor
	ingester    Ingester
	alerts      Alerter
	notices     repository.NoticeRepository
	runs        repository.IngestRunRepository
	sources     map[string]source.Source
	scoreSource tender.ScoreSource
	validate    *validator.Validate
	logger      *slog.Logger
}

// HandlersConfig holds the dependencies of Handlers.
type HandlersConfig struct {
	Search    Searcher
	Extractor Extractor
	Ingester  Ingester
	Alerts    Alerter
	// Notices and Runs serve read routes; nil answers 503.
	Notices     repository.NoticeRepository
	Runs        repository.IngestRunRepository
	Sources     []source.Source
	ScoreSource tender.ScoreSource
	Logger      *slog.Logger
}

// NewHandlers creates Handlers.
func NewHandlers(cfg HandlersConfig) *Handlers {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sources := make(map[string]source.Source, len(cfg.Sources))
	for _, s := range cfg.Sources {
		sources[s.Name()] = s
	}
	if cfg.ScoreSource == "" {
		cfg.ScoreSource = tender.ScoreRerank
	}
	return &Handlers{
		search:      cfg.Search,
		extractor:   cfg.Extractor,
		ingester:    cfg.Ingester,
		alerts:      cfg.Alerts,
		notices:     cfg.Notices,
		runs:        cfg.Runs,
		sources:     sources,
		scoreSource: cfg.ScoreSource,
		validate:    tender.NewValidator(),
		logger:      logger.With("component", "http"),
	}
}

// hitView is a Hit as returned to clients: score is the authoritative score
// for the configured source, the raw stage scores are kept alongside.
type hitView struct {
	tender.Hit
	Score       float64 `json:"score"`
	VectorScore float64 `json:"vector_score"`
}

func (h *Handlers) views(hits []tender.Hit) []hitView {
	out := make([]hitView, len(hits))
	for i, hit := range hits {
		out[i] = hitView{Hit: hit, Score: hit.ReportedScore(h.scoreSource), VectorScore: hit.Score}
	}
	return out
}

type searchRequest struct {
	Query string `json:"query" validate:"required,max=2000"`
	TopK  int    `json:"top_k" validate:"min=0,max=100"`
}

type searchResponse struct {
	Query       string             `json:"query"`
	ScoreSource tender.ScoreSource `json:"score_source"`
	Hits        []hitView          `json:"hits"`
}

// Search handles GET /v1/search?q=...&k=... and POST /v1/search.
func (h *Handlers) Search(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if r.Method == http.MethodGet {
		req.Query = r.URL.Query().Get("q")
		if k := r.URL.Query().Get("k"); k != "" {
			n, err := strconv.Atoi(k)
			if err != nil {
				writeError(w, http.StatusBadRequest, "k must be an integer")
				return
			}
			req.TopK = n
		}
	} else if !h.decode(w, r, &req) {
		return
	}
	if !h.check(w, &req) {
		return
	}

	hits, err := h.search.Search(r.Context(), req.Query, req.TopK)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, searchResponse{Query: req.Query, ScoreSource: h.scoreSource, Hits: h.views(hits)})
}

type qaRequest struct {
	Question string `json:"question" validate:"required,max=2000"`
	TopK     int    `json:"top_k" validate:"min=0,max=20"`
}

type qaResponse struct {
	*service.Answer
	Hits []hitView `json:"hits"`
}

// Answer handles POST /v1/qa.
func (h *Handlers) Answer(w http.ResponseWriter, r *http.Request) {
	var req qaRequest
	if !h.decode(w, r, &req) || !h.check(w, &req) {
		return
	}
	topK := req.TopK
	if topK == 0 {
		topK = 4
	}
	ans, err := h.search.Answer(r.Context(), req.Question, topK)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, qaResponse{Answer: ans, Hits: h.views(ans.Hits)})
}

type extractRequest struct {
	Text     string `json:"text" validate:"required,max=1000000"`
	Language string `json:"language" validate:"omitempty,len=2"`
}

type extractResponse struct {
	Extraction tender.Extraction `json:"extraction"`
	Raw        string            `json:"raw"`
	State      extract.State     `json:"state"`
	Attempts   int               `json:"attempts"`
	LastError  string            `json:"last_error,omitempty"`
}

// Extract handles POST /v1/extract. It always answers 200: extraction
// failures are reported through state and last_error.
func (h *Handlers) Extract(w http.ResponseWriter, r *http.Request) {
	var req extractRequest
	if !h.decode(w, r, &req) || !h.check(w, &req) {
		return
	}
	lang := strings.ToLower(req.Language)
	if lang == "" {
		lang = "en"
	}
	out := h.extractor.Run(r.Context(), req.Text, lang)
	ext := out.Extraction
	ext.CPV = nonNil(ext.CPV)
	ext.Requirements = nonNil(ext.Requirements)
	writeJSON(w, http.StatusOK, extractResponse{
		Extraction: ext,
		Raw:        out.Raw,
		State:      out.State,
		Attempts:   out.Attempts,
		LastError:  out.LastError,
	})
}

type ingestRequest struct {
	// Source labels pushed notices; defaults to "api".
	Source  string          `json:"source"`
	Notices []tender.Notice `json:"notices"`
	// Fetch names a configured source to pull from instead.
	Fetch string `json:"fetch"`
}

// Ingest handles POST /v1/ingest.
func (h *Handlers) Ingest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if !h.decode(w, r, &req) {
		return
	}
	// Notices are validated one by one by the pipeline; only the envelope is checked here.
	if len(req.Notices) > maxIngestSize {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("at most %d notices per request", maxIngestSize))
		return
	}

	notices, sourceName := req.Notices, req.Source
	if req.Fetch != "" {
		src, ok := h.sources[req.Fetch]
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Sprintf("unknown source %q", req.Fetch))
			return
		}
		fetched, err := src.Fetch(r.Context())
		if err != nil {
			h.serviceError(w, r, fmt.Errorf("fetching %s: %w", req.Fetch, err))
			return
		}
		notices, sourceName = fetched, src.Name()
	} else if len(notices) == 0 {
		writeError(w, http.StatusBadRequest, "notices or fetch is required")
		return
	}
	if sourceName == "" {
		sourceName = "api"
	}

	res, err := h.ingester.Ingest(r.Context(), sourceName, notices)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListAlerts handles GET /v1/alerts.
func (h *Handlers) ListAlerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"profiles": h.alerts.Profiles()})
}

// RunAlert handles POST /v1/alerts/{name}/run.
func (h *Handlers) RunAlert(w http.ResponseWriter, r *http.Request) {
	run, err := h.alerts.RunByName(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alertRunView{Profile: run.Profile, New: len(run.New), Checked: run.Checked, Items: h.views(run.New)})
}

// RunAllAlerts handles POST /v1/alerts/run.
func (h *Handlers) RunAllAlerts(w http.ResponseWriter, r *http.Request) {
	runs, err := h.alerts.RunAll(r.Context())
	views := make([]alertRunView, len(runs))
	for i, run := range runs {
		views[i] = alertRunView{Profile: run.Profile, New: len(run.New), Checked: run.Checked, Items: h.views(run.New)}
	}
	resp := map[string]any{"runs": views}
	status := http.StatusOK
	if err != nil {
		h.logger.Warn("some alert runs failed", "error", err, "request_id", middleware.GetReqID(r.Context()))
		resp["error"] = err.Error()
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, resp)
}

type noticeView struct {
	ID              string     `json:"id"`
	PointID         string     `json:"point_id"`
	Source          string     `json:"source"`
	Title           string     `json:"title"`
	Buyer           string     `json:"buyer,omitempty"`
	Country         string     `json:"country,omitempty"`
	URL             string     `json:"url,omitempty"`
	Language        string     `json:"language,omitempty"`
	CPV             []string   `json:"cpv"`
	Deadline        *time.Time `json:"deadline"`
	Requirements    []string   `json:"requirements"`
	ExtractionState string     `json:"extraction_state"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// GetNotice handles GET /v1/notices/{id}.
func (h *Handlers) GetNotice(w http.ResponseWriter, r *http.Request) {
	if h.notices == nil {
		writeError(w, http.StatusServiceUnavailable, "notice store not configured")
		return
	}
	n, err := h.notices.GetByNoticeID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, noticeView{
		ID:              n.NoticeID,
		PointID:         n.PointID.String(),
		Source:          n.Source,
		Title:           n.Title,
		Buyer:           n.Buyer,
		Country:         n.Country,
		URL:             n.URL,
		Language:        n.Language,
		CPV:             nonNil(n.CPV),
		Deadline:        n.Deadline,
		Requirements:    nonNil(n.Requirements),
		ExtractionState: n.ExtractionState,
		UpdatedAt:       n.UpdatedAt,
	})
}

type runView struct {
	ID          string     `json:"id"`
	Source      string     `json:"source"`
	Status      string     `json:"status"`
	Received    int        `json:"received"`
	Indexed     int        `json:"indexed"`
	Rejected    int        `json:"rejected"`
	Unchanged   int        `json:"unchanged"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
}

func toRunView(run *repository.IngestRun) runView {
	return runView{
		ID:          run.ID.String(),
		Source:      run.Source,
		Status:      run.Status,
		Received:    run.Received,
		Indexed:     run.Indexed,
		Rejected:    run.Rejected,
		Unchanged:   run.Unchanged,
		Error:       run.ErrorMessage,
		StartedAt:   run.StartedAt,
		CompletedAt: run.CompletedAt,
	}
}

// ListRuns handles GET /v1/ingest/runs?limit=&offset=.
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "run store not configured")
		return
	}
	limit, offset := 20, 0
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 200 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 200")
			return
		}
		limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return
		}
		offset = n
	}

	runs, total, err := h.runs.List(r.Context(), limit, offset)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	views := make([]runView, len(runs))
	for i, run := range runs {
		views[i] = toRunView(run)
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": views, "total": total})
}

// GetRun handles GET /v1/ingest/runs/{id}.
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "run store not configured")
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "run id must be a UUID")
		return
	}
	run, err := h.runs.GetByID(r.Context(), id)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRunView(run))
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

type alertRunView struct {
	Profile string    `json:"profile"`
	New     int       `json:"new"`
	Checked int       `json:"checked"`
	Items   []hitView `json:"items"`
}

func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func (h *Handlers) check(w http.ResponseWriter, v any) bool {
	if err := h.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, len(verrs))
			for i, fe := range verrs {
				msgs[i] = fmt.Sprintf("%s failed %q", strings.ToLower(fe.Field()), fe.Tag())
			}
			writeError(w, http.StatusBadRequest, strings.Join(msgs, "; "))
			return false
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// serviceError maps domain errors to status codes. Anything unrecognised is
// treated as an upstream (embedder, index, backend) failure.
func (h *Handlers) serviceError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, service.ErrInvalidArgument), errors.Is(err, alert.ErrInvalidProfileName):
		status = http.StatusBadRequest
	case errors.Is(err, alert.ErrUnknownProfile), errors.Is(err, repository.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		// Client went away; nobody reads the response.
		status = 499
	}
	if status >= 500 {
		h.logger.Error("request failed", "path", r.URL.Path, "status", status, "error", err,
			"request_id", middleware.GetReqID(r.Context()))
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
