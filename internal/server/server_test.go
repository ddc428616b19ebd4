package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/knoguchi/tendersense/internal/alert"
	"github.com/knoguchi/tendersense/internal/auth"
	"github.com/knoguchi/tendersense/internal/extract"
	"github.com/knoguchi/tendersense/internal/repository"
	"github.com/knoguchi/tendersense/internal/service"
	"github.com/knoguchi/tendersense/internal/source"
	"github.com/knoguchi/tendersense/internal/tender"
)

type fakeSearcher struct {
	hits     []tender.Hit
	err      error
	gotK     int
	degraded string
}

func (f *fakeSearcher) Search(ctx context.Context, query string, topK int) ([]tender.Hit, error) {
	f.gotK = topK
	return f.hits, f.err
}

func (f *fakeSearcher) Answer(ctx context.Context, question string, topK int) (*service.Answer, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.degraded != "" {
		return &service.Answer{Answer: "[LLM error] " + f.degraded, Hits: f.hits, Degraded: true, Error: f.degraded}, nil
	}
	return &service.Answer{Answer: "[dry-run] " + question, References: []string{"https://example.org/1"}, Hits: f.hits, DryRun: true}, nil
}

type fakeExtractor struct{}

func (fakeExtractor) Run(ctx context.Context, text, lang string) extract.Outcome {
	return extract.Outcome{
		Extraction: tender.Extraction{CPV: tender.FindCPV(text)},
		State:      extract.StateNoBackend,
	}
}

type fakeIngester struct {
	source  string
	notices []tender.Notice
}

func (f *fakeIngester) Ingest(ctx context.Context, source string, notices []tender.Notice) (*service.IngestResult, error) {
	f.source, f.notices = source, notices
	return &service.IngestResult{RunID: "run-1", Indexed: len(notices)}, nil
}

type fakeAlerter struct{}

func (fakeAlerter) Profiles() []string { return []string{"it"} }

func (fakeAlerter) RunByName(ctx context.Context, name string) (*service.AlertRun, error) {
	switch name {
	case "it":
		return &service.AlertRun{Profile: "it", New: []tender.Hit{{ID: "a", Score: 0.9}}, Checked: 3}, nil
	case "bad!":
		return nil, fmt.Errorf("run: %w", alert.ErrInvalidProfileName)
	}
	return nil, fmt.Errorf("%w: %s", alert.ErrUnknownProfile, name)
}

func (fakeAlerter) RunAll(ctx context.Context) ([]*service.AlertRun, error) {
	return []*service.AlertRun{{Profile: "it", Checked: 1}}, nil
}

type staticSource struct{ notices []tender.Notice }

func (s staticSource) Name() string { return "static" }

func (s staticSource) Fetch(ctx context.Context) ([]tender.Notice, error) { return s.notices, nil }

var _ source.Source = staticSource{}

func newTestServer(t *testing.T, search *fakeSearcher, ing *fakeIngester, authn *auth.Authenticator, checks map[string]CheckFunc) http.Handler {
	t.Helper()
	h := NewHandlers(HandlersConfig{
		Search:    search,
		Extractor: fakeExtractor{},
		Ingester:  ing,
		Alerts:    fakeAlerter{},
		Sources:   []source.Source{staticSource{notices: []tender.Notice{{ID: "s1", Title: "Fetched"}}}},
	})
	srv, err := NewHTTPServer(HTTPServerConfig{Handlers: h, Auth: authn, Checks: checks})
	if err != nil {
		t.Fatalf("NewHTTPServer() error: %v", err)
	}
	return srv.Handler()
}

func do(t *testing.T, h http.Handler, method, target, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		for _, vv := range v {
			req.Header.Add(k, vv)
		}
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSearchReportsRerankScore(t *testing.T) {
	rerank := 7.5
	search := &fakeSearcher{hits: []tender.Hit{{ID: "a", Score: 0.42, RerankScore: &rerank, Title: "Servers"}}}
	h := newTestServer(t, search, &fakeIngester{}, nil, nil)

	rec := do(t, h, http.MethodGet, "/v1/search?q=servers&k=3", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if search.gotK != 3 {
		t.Errorf("topK = %d, want 3", search.gotK)
	}

	var resp struct {
		ScoreSource string `json:"score_source"`
		Hits        []struct {
			ID          string  `json:"id"`
			Score       float64 `json:"score"`
			VectorScore float64 `json:"vector_score"`
		} `json:"hits"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Hits) != 1 || resp.Hits[0].Score != 7.5 || resp.Hits[0].VectorScore != 0.42 {
		t.Errorf("hits = %+v", resp.Hits)
	}
	if resp.ScoreSource != "rerank" {
		t.Errorf("score_source = %q", resp.ScoreSource)
	}
}

func TestSearchValidation(t *testing.T) {
	h := newTestServer(t, &fakeSearcher{}, &fakeIngester{}, nil, nil)

	if rec := do(t, h, http.MethodGet, "/v1/search?q=", "", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("empty query status = %d, want 400", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/v1/search?q=x&k=abc", "", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad k status = %d, want 400", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/v1/search", `{"query":"x","top_k":500}`, nil); rec.Code != http.StatusBadRequest {
		t.Errorf("top_k over max status = %d, want 400", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/v1/search", `{"query":"x","bogus":1}`, nil); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown field status = %d, want 400", rec.Code)
	}
}

func TestSearchErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("wrap: %w", service.ErrInvalidArgument), http.StatusBadRequest},
		{errors.New("qdrant unavailable"), http.StatusBadGateway},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
	}
	for _, tt := range tests {
		h := newTestServer(t, &fakeSearcher{err: tt.err}, &fakeIngester{}, nil, nil)
		if rec := do(t, h, http.MethodGet, "/v1/search?q=x", "", nil); rec.Code != tt.want {
			t.Errorf("error %v: status = %d, want %d", tt.err, rec.Code, tt.want)
		}
	}
}

func TestAnswer(t *testing.T) {
	h := newTestServer(t, &fakeSearcher{hits: []tender.Hit{{ID: "a", Score: 0.5}}}, &fakeIngester{}, nil, nil)

	rec := do(t, h, http.MethodPost, "/v1/qa", `{"question":"who buys servers?"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var resp struct {
		Answer     string   `json:"answer"`
		References []string `json:"references"`
		DryRun     bool     `json:"dry_run"`
		Hits       []any    `json:"hits"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.DryRun || !strings.HasPrefix(resp.Answer, "[dry-run]") || len(resp.References) != 1 || len(resp.Hits) != 1 {
		t.Errorf("response = %+v", resp)
	}
}

func TestAnswerDegradedIsOK(t *testing.T) {
	h := newTestServer(t, &fakeSearcher{hits: []tender.Hit{{ID: "a"}}, degraded: "backend down"}, &fakeIngester{}, nil, nil)

	rec := do(t, h, http.MethodPost, "/v1/qa", `{"question":"who?"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var resp struct {
		Degraded bool   `json:"degraded"`
		Error    string `json:"error"`
		Hits     []any  `json:"hits"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Degraded || resp.Error != "backend down" || len(resp.Hits) != 1 {
		t.Errorf("response = %+v", resp)
	}
}

func TestExtract(t *testing.T) {
	h := newTestServer(t, &fakeSearcher{}, &fakeIngester{}, nil, nil)

	rec := do(t, h, http.MethodPost, "/v1/extract", `{"text":"Dodávka serverů, CPV 30200000-1","language":"cs"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var resp extractResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.State != extract.StateNoBackend {
		t.Errorf("state = %q", resp.State)
	}
	if len(resp.Extraction.CPV) != 1 || resp.Extraction.CPV[0] != "30200000-1" {
		t.Errorf("cpv = %v", resp.Extraction.CPV)
	}
	if !strings.Contains(rec.Body.String(), `"requirements":[]`) {
		t.Errorf("requirements not rendered as empty list: %s", rec.Body)
	}
}

func TestIngestRequiresAdmin(t *testing.T) {
	ing := &fakeIngester{}
	authn := auth.NewAuthenticator([]string{"secret-key"}, nil, nil)
	h := newTestServer(t, &fakeSearcher{}, ing, authn, nil)
	body := `{"source":"csv","notices":[{"id":"n1","title":"Servers"}]}`

	if rec := do(t, h, http.MethodPost, "/v1/ingest", body, nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("no credentials status = %d, want 401", rec.Code)
	}

	rec := do(t, h, http.MethodPost, "/v1/ingest", body, http.Header{auth.APIKeyHeader: {"secret-key"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if ing.source != "csv" || len(ing.notices) != 1 {
		t.Errorf("ingested source=%q notices=%d", ing.source, len(ing.notices))
	}

	// Search stays open.
	if rec := do(t, h, http.MethodGet, "/v1/search?q=x", "", nil); rec.Code != http.StatusOK {
		t.Errorf("search status = %d, want 200", rec.Code)
	}
}

func TestIngestFetch(t *testing.T) {
	ing := &fakeIngester{}
	h := newTestServer(t, &fakeSearcher{}, ing, nil, nil)

	rec := do(t, h, http.MethodPost, "/v1/ingest", `{"fetch":"static"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if ing.source != "static" || len(ing.notices) != 1 || ing.notices[0].ID != "s1" {
		t.Errorf("ingested source=%q notices=%+v", ing.source, ing.notices)
	}

	if rec := do(t, h, http.MethodPost, "/v1/ingest", `{"fetch":"nope"}`, nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown source status = %d, want 404", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/v1/ingest", `{}`, nil); rec.Code != http.StatusBadRequest {
		t.Errorf("empty request status = %d, want 400", rec.Code)
	}
}

func TestAlertRoutes(t *testing.T) {
	h := newTestServer(t, &fakeSearcher{}, &fakeIngester{}, nil, nil)

	rec := do(t, h, http.MethodPost, "/v1/alerts/it/run", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var run alertRunView
	if err := json.Unmarshal(rec.Body.Bytes(), &run); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if run.Profile != "it" || run.New != 1 || run.Checked != 3 {
		t.Errorf("run = %+v", run)
	}

	if rec := do(t, h, http.MethodPost, "/v1/alerts/missing/run", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown profile status = %d, want 404", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/v1/alerts/bad!/run", "", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid profile name status = %d, want 400", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/v1/alerts/run", "", nil); rec.Code != http.StatusOK {
		t.Errorf("run all status = %d, want 200", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/v1/alerts", "", nil); !strings.Contains(rec.Body.String(), `"it"`) {
		t.Errorf("profiles = %s", rec.Body)
	}
}

func TestReadiness(t *testing.T) {
	checks := map[string]CheckFunc{
		"postgres": func(ctx context.Context) error { return nil },
		"qdrant":   func(ctx context.Context) error { return errors.New("connection refused") },
	}
	h := newTestServer(t, &fakeSearcher{}, &fakeIngester{}, nil, checks)

	rec := do(t, h, http.MethodGet, "/readyz", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "connection refused") {
		t.Errorf("body = %s", rec.Body)
	}

	if rec := do(t, h, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Errorf("healthz status = %d, want 200", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/metrics", "", nil); rec.Code != http.StatusOK {
		t.Errorf("metrics status = %d, want 200", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	h := newTestServer(t, &fakeSearcher{}, &fakeIngester{}, nil, nil)
	rec := do(t, h, http.MethodOptions, "/v1/search", "", http.Header{"Origin": {"https://app.example"}})
	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("allow origin = %q", rec.Header().Get("Access-Control-Allow-Origin"))
	}
}

func TestGRPCHealthAndGateway(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	gs := NewGRPCServer(GRPCServerConfig{})
	go gs.Serve(lis)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		gs.Shutdown(ctx)
	})

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		t.Fatalf("Check() error: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("initial status = %v, want NOT_SERVING", resp.GetStatus())
	}

	gs.SetServing(true)
	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("Check() error: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("status = %v, want SERVING", resp.GetStatus())
	}

	hs, err := NewHTTPServer(HTTPServerConfig{GRPCAddr: lis.Addr().String()})
	if err != nil {
		t.Fatalf("NewHTTPServer() error: %v", err)
	}
	t.Cleanup(func() { hs.Shutdown(context.Background()) })

	rec := do(t, hs.Handler(), http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d, body %s", rec.Code, rec.Body)
	}
	if !strings.Contains(rec.Body.String(), "SERVING") {
		t.Errorf("healthz body = %s", rec.Body)
	}
}

type stubNotices struct{ n *repository.Notice }

func (s stubNotices) UpsertBatch(context.Context, []*repository.Notice) error { return nil }

func (s stubNotices) GetByNoticeID(_ context.Context, id string) (*repository.Notice, error) {
	if s.n == nil || s.n.NoticeID != id {
		return nil, repository.ErrNotFound
	}
	return s.n, nil
}

func (s stubNotices) ContentHashes(context.Context, []string) (map[string]string, error) {
	return map[string]string{}, nil
}

func (s stubNotices) List(context.Context, string, int, int) ([]*repository.Notice, int, error) {
	return nil, 0, nil
}

type stubRuns struct{ runs []*repository.IngestRun }

func (s stubRuns) Create(context.Context, *repository.IngestRun) error { return nil }
func (s stubRuns) Update(context.Context, *repository.IngestRun) error { return nil }

func (s stubRuns) GetByID(_ context.Context, id uuid.UUID) (*repository.IngestRun, error) {
	for _, r := range s.runs {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s stubRuns) List(_ context.Context, limit, offset int) ([]*repository.IngestRun, int, error) {
	if offset >= len(s.runs) {
		return nil, len(s.runs), nil
	}
	end := min(offset+limit, len(s.runs))
	return s.runs[offset:end], len(s.runs), nil
}

func TestReadRoutes(t *testing.T) {
	run := &repository.IngestRun{ID: uuid.New(), Source: "ted", Status: repository.RunStatusCompleted, Indexed: 4, StartedAt: time.Now()}
	h := NewHandlers(HandlersConfig{
		Search:    &fakeSearcher{},
		Extractor: fakeExtractor{},
		Ingester:  &fakeIngester{},
		Alerts:    fakeAlerter{},
		Notices:   stubNotices{n: &repository.Notice{NoticeID: "ted-1", PointID: uuid.New(), Title: "Servers", ExtractionState: "success"}},
		Runs:      stubRuns{runs: []*repository.IngestRun{run}},
	})
	srv, err := NewHTTPServer(HTTPServerConfig{Handlers: h})
	if err != nil {
		t.Fatalf("NewHTTPServer() error: %v", err)
	}
	router := srv.Handler()

	rec := do(t, router, http.MethodGet, "/v1/notices/ted-1", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("notice status = %d, body %s", rec.Code, rec.Body)
	}
	if !strings.Contains(rec.Body.String(), `"cpv":[]`) || !strings.Contains(rec.Body.String(), `"extraction_state":"success"`) {
		t.Errorf("notice body = %s", rec.Body)
	}
	if rec := do(t, router, http.MethodGet, "/v1/notices/missing", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("missing notice status = %d, want 404", rec.Code)
	}

	rec = do(t, router, http.MethodGet, "/v1/ingest/runs?limit=10", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"total":1`) {
		t.Errorf("runs status = %d, body %s", rec.Code, rec.Body)
	}
	if rec := do(t, router, http.MethodGet, "/v1/ingest/runs?limit=0", "", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", rec.Code)
	}
	if rec := do(t, router, http.MethodGet, "/v1/ingest/runs/"+run.ID.String(), "", nil); rec.Code != http.StatusOK {
		t.Errorf("run status = %d, want 200", rec.Code)
	}
	if rec := do(t, router, http.MethodGet, "/v1/ingest/runs/not-a-uuid", "", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad run id status = %d, want 400", rec.Code)
	}
}

func TestReadRoutesWithoutStore(t *testing.T) {
	h := newTestServer(t, &fakeSearcher{}, &fakeIngester{}, nil, nil)
	if rec := do(t, h, http.MethodGet, "/v1/notices/x", "", nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}
