package api

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/bitmcu/internal/engine"
	"github.com/samcharles93/bitmcu/internal/model"
	"github.com/samcharles93/bitmcu/internal/qnn"
	"github.com/samcharles93/bitmcu/pkg/quant"
)

func testModel(t *testing.T) *qnn.Model {
	t.Helper()
	a, err := model.Build(model.DefaultHyperparameters())
	if err != nil {
		t.Fatal(err)
	}
	r := rand.New(rand.NewPCG(21, 34))
	fm := &model.FloatModel{Arch: a, Weights: map[string][]float32{}}
	for _, l := range a.Layers {
		w := make([]float32, l.In*l.Out)
		for i := range w {
			w[i] = float32(r.NormFloat64() * 0.3)
		}
		fm.Weights[l.Name] = w
	}
	m, err := qnn.Build(fm)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func newTestEcho(eng engine.Engine) *echo.Echo {
	server := NewServer(eng, NewResultStore(8))
	e := echo.New()
	server.Register(e)
	return e
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %s: %v", rec.Body.String(), err)
	}
	return out
}

func inputBody(t *testing.T, x []int8) string {
	t.Helper()
	b, err := json.Marshal(engine.InferRequest{Input: x})
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func TestHealthAndModel(t *testing.T) {
	t.Parallel()

	e := newTestEcho(engine.NewReference(testModel(t)))
	rec := doJSON(t, e, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("health status: got %d body=%s", rec.Code, rec.Body.String())
	}
	if h := decode[HealthResponse](t, rec); h.Engine != engine.Reference {
		t.Fatalf("engine = %q", h.Engine)
	}

	rec = doJSON(t, e, http.MethodGet, "/v1/model", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("model status: got %d body=%s", rec.Code, rec.Body.String())
	}
	var info struct {
		InputShape [3]int `json:"input_shape"`
		NumClasses int    `json:"num_classes"`
		TotalBits  int64  `json:"total_bits"`
		Engine     string `json:"engine"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatal(err)
	}
	if info.InputShape != [3]int{1, 8, 8} || info.NumClasses != 10 || info.TotalBits == 0 {
		t.Fatalf("model info = %+v", info)
	}
}

func TestInferLifecycle(t *testing.T) {
	t.Parallel()

	m := testModel(t)
	e := newTestEcho(engine.NewReference(m))
	r := rand.New(rand.NewPCG(1, 2))
	x := make([]int8, m.InputLen())
	for i := range x {
		x[i] = int8(r.IntN(256) - 128)
	}
	want, err := m.Predict(x)
	if err != nil {
		t.Fatal(err)
	}

	rec := doJSON(t, e, http.MethodPost, "/v1/infer", inputBody(t, x))
	if rec.Code != http.StatusOK {
		t.Fatalf("infer status: got %d body=%s", rec.Code, rec.Body.String())
	}
	got := decode[engine.InferResponse](t, rec)
	if got.Class != want || len(got.Scores) != 10 || got.ID == "" {
		t.Fatalf("infer = %+v, want class %d", got, want)
	}

	rec = doJSON(t, e, http.MethodGet, "/v1/infer/"+got.ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status: got %d body=%s", rec.Code, rec.Body.String())
	}
	stored := decode[StoredResult](t, rec)
	if stored.Class != want || len(stored.Input) != len(x) {
		t.Fatalf("stored = %+v", stored)
	}

	if rec := doJSON(t, e, http.MethodDelete, "/v1/infer/"+got.ID, ""); rec.Code != http.StatusOK {
		t.Fatalf("delete status: got %d", rec.Code)
	}
	if rec := doJSON(t, e, http.MethodGet, "/v1/infer/"+got.ID, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete: got %d", rec.Code)
	}
}

func TestInferImage(t *testing.T) {
	t.Parallel()

	m := testModel(t)
	e := newTestEcho(engine.NewReference(m))
	img := make([]float32, m.InputLen())
	for i := range img {
		img[i] = float32(i%7) / 7
	}
	x, _ := quant.ScaleInput(img)
	want, _ := m.Predict(x)

	b, _ := json.Marshal(engine.InferRequest{Image: img})
	rec := doJSON(t, e, http.MethodPost, "/v1/infer", string(b))
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
	if got := decode[engine.InferResponse](t, rec); got.Class != want {
		t.Fatalf("class = %d, want %d", got.Class, want)
	}
}

func TestInferValidation(t *testing.T) {
	t.Parallel()

	e := newTestEcho(engine.NewReference(testModel(t)))
	tests := []struct {
		name string
		body string
		want string
	}{
		{"empty", `{}`, "input or image is required"},
		{"both", `{"input":[1],"image":[0.5]}`, "mutually exclusive"},
		{"short", `{"input":[1,2,3]}`, "expects 64"},
		{"malformed", `{"input":`, ""},
	}
	for _, tc := range tests {
		rec := doJSON(t, e, http.MethodPost, "/v1/infer", tc.body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: status %d body=%s", tc.name, rec.Code, rec.Body.String())
		}
		body := decode[engine.ErrorResponse](t, rec)
		if body.Error.Type != "invalid_request_error" || !strings.Contains(body.Error.Message, tc.want) {
			t.Fatalf("%s: error = %+v", tc.name, body.Error)
		}
	}
}

type brokenEngine struct{ err error }

func (brokenEngine) Name() string { return "broken" }
func (e brokenEngine) Infer(context.Context, []int8) (uint32, error) {
	return 0, e.err
}
func (brokenEngine) Close() error { return nil }

func TestInferEngineErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("%w: engine exited", engine.ErrUnavailable), http.StatusServiceUnavailable},
		{fmt.Errorf("%w: 3 vs 64", qnn.ErrShapeMismatch), http.StatusBadRequest},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("bad reply"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		e := newTestEcho(brokenEngine{err: tc.err})
		rec := doJSON(t, e, http.MethodPost, "/v1/infer", `{"input":[1,2,3]}`)
		if rec.Code != tc.status {
			t.Fatalf("%v: status %d, want %d", tc.err, rec.Code, tc.status)
		}
	}

	e := newTestEcho(brokenEngine{})
	if rec := doJSON(t, e, http.MethodGet, "/v1/model", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("model without description: %d", rec.Code)
	}
}

func TestHTTPEngineAgainstServer(t *testing.T) {
	t.Parallel()

	m := testModel(t)
	srv := httptest.NewServer(newTestEcho(engine.NewReference(m)))
	defer srv.Close()

	remote, err := engine.New(engine.Options{Kind: engine.HTTP, URL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = remote.Close() }()
	ctx := context.Background()
	if err := engine.Check(ctx, remote); err != nil {
		t.Fatalf("Check: %v", err)
	}
	r := rand.New(rand.NewPCG(5, 6))
	for range 10 {
		x := make([]int8, m.InputLen())
		for i := range x {
			x[i] = int8(r.IntN(256) - 128)
		}
		want, _ := m.Predict(x)
		got, err := remote.Infer(ctx, x)
		if err != nil {
			t.Fatalf("Infer: %v", err)
		}
		if got != want {
			t.Fatalf("remote class %d, want %d", got, want)
		}
	}
	if _, err := remote.Infer(ctx, []int8{1}); err == nil || !strings.Contains(err.Error(), "expects 64") {
		t.Fatalf("short input err = %v", err)
	}
}

func TestResultStoreEviction(t *testing.T) {
	t.Parallel()

	s := NewResultStore(2)
	for _, id := range []string{"a", "b", "c"} {
		s.Put(StoredResult{InferResponse: engine.InferResponse{ID: id}})
	}
	if _, ok := s.Get("a"); ok {
		t.Fatal("oldest result was not evicted")
	}
	if s.Len() != 2 {
		t.Fatalf("Len = %d", s.Len())
	}
	if !s.Delete("b") || s.Delete("b") {
		t.Fatal("Delete reported wrong result")
	}
	s.Put(StoredResult{InferResponse: engine.InferResponse{ID: "d"}})
	if _, ok := s.Get("c"); !ok {
		t.Fatal("c evicted early")
	}
}
