package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/afero"
	"github.com/timmy/nutrify/internal/api/handler"
	"github.com/timmy/nutrify/internal/api/middleware"
	"github.com/timmy/nutrify/internal/domain"
	"github.com/timmy/nutrify/internal/service"
	"github.com/timmy/nutrify/internal/storage"
)

type fakeAnalyzer struct {
	maxBytes int64
	result   *domain.AnalysisResult
	err      error
	calls    []service.AnalysisRequest
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, req service.AnalysisRequest) (*domain.AnalysisResult, error) {
	f.calls = append(f.calls, req)
	return f.result, f.err
}

func (f *fakeAnalyzer) MaxImageBytes() int64 { return f.maxBytes }

type fakeHistory struct {
	entries []domain.HistoryEntry
	users   []string
	pages   []domain.Page
}

func (f *fakeHistory) ListFor(ctx context.Context, userID string, page domain.Page) ([]domain.HistoryEntry, error) {
	f.users = append(f.users, userID)
	f.pages = append(f.pages, page)
	return f.entries, nil
}

func (f *fakeHistory) Get(ctx context.Context, userID, id string) (*domain.HistoryEntry, error) {
	for i := range f.entries {
		if f.entries[i].ID == id && f.entries[i].UserID == userID {
			return &f.entries[i], nil
		}
	}
	return nil, domain.ErrEntryNotFound
}

func (f *fakeHistory) Count(ctx context.Context, userID string) (int64, error) {
	var n int64
	for _, e := range f.entries {
		if e.UserID == userID {
			n++
		}
	}
	return n, nil
}

func (f *fakeHistory) Summarize(ctx context.Context, userID string, since time.Time) (*domain.HistorySummary, error) {
	return &domain.HistorySummary{Since: since}, nil
}

func (f *fakeHistory) NormalizePage(page domain.Page) domain.Page {
	if page.Limit <= 0 {
		page.Limit = 20
	}
	return page
}

func completedResult(saved bool) *domain.AnalysisResult {
	rec := &domain.NutritionRecord{MealName: "Oatmeal", TotalCalories: 320}
	return &domain.AnalysisResult{
		ID:        "a-1",
		State:     domain.StateCompleted,
		Nutrition: rec,
		Score:     &domain.HealthScore{Score: 72, Status: domain.StatusGood},
		Saved:     saved,
	}
}

func newTestRouter(a *fakeAnalyzer, h *fakeHistory, identity middleware.IdentityConfig) http.Handler {
	return SetupRouter(RouterDeps{
		Analyzer: a,
		History:  h,
		Checks: map[string]handler.HealthCheck{
			"db": func(context.Context) error { return nil },
		},
	}, RouterConfig{Mode: "test", Identity: identity})
}

func uploadRequest(t *testing.T, image []byte, contentType string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", `form-data; name="image"; filename="meal.jpg"`)
	hdr.Set("Content-Type", contentType)
	part, err := w.CreatePart(hdr)
	if err != nil {
		t.Fatalf("CreatePart: %v", err)
	}
	part.Write(image)
	w.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/analyses", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) handler.ErrorBody {
	t.Helper()
	var body struct {
		Error handler.ErrorBody `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return body.Error
}

func TestCreateAnalysis(t *testing.T) {
	a := &fakeAnalyzer{maxBytes: 1 << 20, result: completedResult(true)}
	router := newTestRouter(a, &fakeHistory{}, middleware.IdentityConfig{})

	req := uploadRequest(t, []byte("fake-jpeg"), "image/jpeg")
	req.Header.Set("X-User-ID", "alice")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if len(a.calls) != 1 {
		t.Fatalf("analyzer called %d times", len(a.calls))
	}
	call := a.calls[0]
	if call.UserID != "alice" || string(call.Image) != "fake-jpeg" || call.DeclaredMIME != "image/jpeg" {
		t.Errorf("request = %+v", call)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID")
	}

	var resp handler.AnalysisResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Saved || resp.Analysis.Nutrition.MealName != "Oatmeal" {
		t.Errorf("response = %+v", resp)
	}
}

func TestCreateAnalysisRequiresIdentity(t *testing.T) {
	a := &fakeAnalyzer{maxBytes: 1 << 20, result: completedResult(true)}
	router := newTestRouter(a, &fakeHistory{}, middleware.IdentityConfig{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, uploadRequest(t, []byte("x"), "image/jpeg"))

	if rec.Code != http.StatusUnauthorized || len(a.calls) != 0 {
		t.Errorf("status = %d, calls = %d", rec.Code, len(a.calls))
	}
}

func TestCreateAnalysisWithJWT(t *testing.T) {
	const secret = "test-secret"
	a := &fakeAnalyzer{maxBytes: 1 << 20, result: completedResult(true)}
	router := newTestRouter(a, &fakeHistory{}, middleware.IdentityConfig{JWTSecret: secret})

	sign := func(key string, claims jwt.RegisteredClaims) string {
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		return s
	}
	valid := jwt.RegisteredClaims{Subject: "user-42", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}
	expired := jwt.RegisteredClaims{Subject: "user-42", ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour))}

	tests := []struct {
		name   string
		auth   string
		header string
		want   int
	}{
		{"valid token", "Bearer " + sign(secret, valid), "", http.StatusCreated},
		{"wrong key", "Bearer " + sign("other", valid), "", http.StatusUnauthorized},
		{"expired", "Bearer " + sign(secret, expired), "", http.StatusUnauthorized},
		{"header ignored when tokens are on", "", "user-42", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a.calls = nil
			req := uploadRequest(t, []byte("x"), "image/jpeg")
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			if tt.header != "" {
				req.Header.Set("X-User-ID", tt.header)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			if tt.want == http.StatusCreated && a.calls[0].UserID != "user-42" {
				t.Errorf("user = %q", a.calls[0].UserID)
			}
		})
	}
}

func TestCreateAnalysisRejectsOversizedUpload(t *testing.T) {
	a := &fakeAnalyzer{maxBytes: 16, result: completedResult(true)}
	router := newTestRouter(a, &fakeHistory{}, middleware.IdentityConfig{})

	req := uploadRequest(t, bytes.Repeat([]byte("x"), 64), "image/jpeg")
	req.Header.Set("X-User-ID", "alice")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(a.calls) != 0 {
		t.Error("analyzer called for an oversized upload")
	}
	if body := decodeError(t, rec); body.Kind != string(domain.KindTooLarge) || body.Category != "validation" {
		t.Errorf("error = %+v", body)
	}
}

func TestCreateAnalysisMapsFailures(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		result     *domain.AnalysisResult
		wantStatus int
		wantKind   domain.ErrorKind
	}{
		{"rate limited", &domain.Error{Kind: domain.KindRateLimited, Message: "busy", RetryAfter: 3 * time.Second}, nil, http.StatusTooManyRequests, domain.KindRateLimited},
		{"unsupported", domain.Errorf(domain.KindUnsupportedFormat, "gif"), nil, http.StatusUnsupportedMediaType, domain.KindUnsupportedFormat},
		{"auth", domain.Errorf(domain.KindAuth, "key sk-123 rejected"), nil, http.StatusInternalServerError, domain.KindAuth},
		{"incomplete", domain.Errorf(domain.KindIncomplete, "no calories"), nil, http.StatusBadGateway, domain.KindIncomplete},
		{"declined", domain.Errorf(domain.KindProvider, "not food"), nil, http.StatusUnprocessableEntity, domain.KindProvider},
		{"not saved", domain.Errorf(domain.KindPersistence, "db down"), completedResult(false), http.StatusOK, domain.KindPersistence},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &fakeAnalyzer{maxBytes: 1 << 20, result: tt.result, err: tt.err}
			router := newTestRouter(a, &fakeHistory{}, middleware.IdentityConfig{})
			req := uploadRequest(t, []byte("x"), "image/jpeg")
			req.Header.Set("X-User-ID", "alice")
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.wantStatus, rec.Body)
			}
			body := decodeError(t, rec)
			if body.Kind != string(tt.wantKind) {
				t.Errorf("kind = %s, want %s", body.Kind, tt.wantKind)
			}
			if bytes.Contains(rec.Body.Bytes(), []byte("sk-123")) {
				t.Error("credential detail leaked to client")
			}
		})
	}
}

func TestRateLimitedSetsRetryAfter(t *testing.T) {
	a := &fakeAnalyzer{maxBytes: 1 << 20, err: &domain.Error{Kind: domain.KindRateLimited, RetryAfter: 3 * time.Second}}
	router := newTestRouter(a, &fakeHistory{}, middleware.IdentityConfig{})
	req := uploadRequest(t, []byte("x"), "image/jpeg")
	req.Header.Set("X-User-ID", "alice")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if got := rec.Header().Get("Retry-After"); got != "3" {
		t.Errorf("Retry-After = %q", got)
	}
	if !decodeError(t, rec).Retryable {
		t.Error("rate limit not marked retryable")
	}
}

func TestListHistory(t *testing.T) {
	h := &fakeHistory{entries: []domain.HistoryEntry{{ID: "e-1", UserID: "bob", MealName: "soup"}}}
	router := newTestRouter(&fakeAnalyzer{}, h, middleware.IdentityConfig{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/history?limit=5&offset=10", nil)
	req.Header.Set("X-User-ID", "bob")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if h.users[0] != "bob" || h.pages[0] != (domain.Page{Limit: 5, Offset: 10}) {
		t.Errorf("query = %v %v", h.users, h.pages)
	}
	var resp handler.HistoryResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Entries) != 1 || resp.Entries[0].ID != "e-1" || resp.Limit != 5 || resp.Total != 1 {
		t.Errorf("response = %+v", resp)
	}

	for _, q := range []string{"limit=abc", "offset=-1"} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/history?"+q, nil)
		req.Header.Set("X-User-ID", "bob")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d", q, rec.Code)
		}
	}
}

func TestHistoryImage(t *testing.T) {
	ctx := context.Background()
	images := storage.NewFsStorage(afero.NewMemMapFs(), "")
	payload := []byte("\xff\xd8\xff jpeg bytes")
	bobKey := storage.MealImageKey("bob", "a-1", "jpg")
	aliceKey := storage.MealImageKey("alice", "a-2", "png")
	for _, key := range []string{bobKey, aliceKey} {
		if err := images.Upload(ctx, key, bytes.NewReader(payload), int64(len(payload)), ""); err != nil {
			t.Fatalf("Upload: %v", err)
		}
	}

	h := &fakeHistory{entries: []domain.HistoryEntry{
		{ID: "e-1", UserID: "bob", ImageRef: images.GetURL(bobKey)},
		{ID: "e-2", UserID: "bob", ImageRef: "https://cdn.example.com/meals/bob/a-3.jpg"},
		{ID: "e-3", UserID: "bob", ImageRef: aliceKey},
		{ID: "e-4", UserID: "bob", ImageRef: storage.MealImageKey("bob", "gone", "jpg")},
		{ID: "e-5", UserID: "bob"},
		{ID: "e-6", UserID: "alice", ImageRef: aliceKey},
	}}
	router := SetupRouter(RouterDeps{
		Analyzer: &fakeAnalyzer{},
		History:  h,
		Images:   images,
	}, RouterConfig{Mode: "test"})

	tests := []struct {
		name         string
		user         string
		id           string
		wantStatus   int
		wantBody     []byte
		wantType     string
		wantLocation string
	}{
		{"owner streams stored image", "bob", "e-1", http.StatusOK, payload, "image/jpeg", ""},
		{"other user sees nothing", "alice", "e-1", http.StatusNotFound, nil, "", ""},
		{"public url redirects", "bob", "e-2", http.StatusFound, nil, "", "https://cdn.example.com/meals/bob/a-3.jpg"},
		{"reference to another user's key", "bob", "e-3", http.StatusNotFound, nil, "", ""},
		{"object missing from storage", "bob", "e-4", http.StatusNotFound, nil, "", ""},
		{"entry without image", "bob", "e-5", http.StatusNotFound, nil, "", ""},
		{"unknown entry", "bob", "nope", http.StatusNotFound, nil, "", ""},
		{"png content type", "alice", "e-6", http.StatusOK, payload, "image/png", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/history/"+tt.id+"/image", nil)
			req.Header.Set("X-User-ID", tt.user)
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.wantStatus, rec.Body)
			}
			if tt.wantBody != nil && !bytes.Equal(rec.Body.Bytes(), tt.wantBody) {
				t.Errorf("body = %q", rec.Body.Bytes())
			}
			if tt.wantType != "" && rec.Header().Get("Content-Type") != tt.wantType {
				t.Errorf("Content-Type = %q", rec.Header().Get("Content-Type"))
			}
			if tt.wantLocation != "" && rec.Header().Get("Location") != tt.wantLocation {
				t.Errorf("Location = %q", rec.Header().Get("Location"))
			}
			if tt.wantStatus == http.StatusNotFound && bytes.Equal(rec.Body.Bytes(), payload) {
				t.Error("image bytes leaked")
			}
		})
	}
}

func TestHistoryImageWithoutRetention(t *testing.T) {
	h := &fakeHistory{entries: []domain.HistoryEntry{{ID: "e-1", UserID: "bob", ImageRef: "meals/bob/a-1.jpg"}}}
	router := newTestRouter(&fakeAnalyzer{}, h, middleware.IdentityConfig{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/history/e-1/image", nil)
	req.Header.Set("X-User-ID", "bob")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	router := SetupRouter(RouterDeps{
		Analyzer: &fakeAnalyzer{},
		History:  &fakeHistory{},
		Checks: map[string]handler.HealthCheck{
			"db": func(context.Context) error { return errors.New("connection refused") },
		},
	}, RouterConfig{Mode: "test"})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	router := SetupRouter(RouterDeps{Analyzer: &fakeAnalyzer{}, History: &fakeHistory{}}, RouterConfig{
		Mode: "test",
		CORS: middleware.CORSConfig{AllowedOrigins: []string{"https://app.example.com"}},
	})

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/analyses", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("allow origin = %q", got)
	}
	if !bytes.Contains([]byte(rec.Header().Get("Access-Control-Allow-Headers")), []byte("X-User-ID")) {
		t.Error("identity header not allowed")
	}
}
