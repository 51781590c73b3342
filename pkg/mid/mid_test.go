package mid

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/riomobi/transitrisk/pkg/metrics"
)

func init() { gin.SetMode(gin.TestMode) }

func serve(r *gin.Engine, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestLoggerCapturesStatusAndRoute(t *testing.T) {
	var buf bytes.Buffer
	r := gin.New()
	r.Use(Logger(slog.New(slog.NewTextHandler(&buf, nil))))
	r.GET("/api/stops/:id", func(c *gin.Context) { c.Status(http.StatusCreated) })

	if rec := serve(r, "GET", "/api/stops/S1"); rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	out := buf.String()
	if !strings.Contains(out, "status=201") || !strings.Contains(out, "route=/api/stops/:id") {
		t.Errorf("log line: %s", out)
	}
}

func TestRecoverCatchesPanic(t *testing.T) {
	r := gin.New()
	r.Use(Recover(slog.New(slog.NewTextHandler(io.Discard, nil))))
	r.GET("/", func(*gin.Context) { panic("boom") })

	rec := serve(r, "GET", "/")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "internal server error") {
		t.Errorf("body: %s", rec.Body.String())
	}
}

func TestCORS(t *testing.T) {
	r := gin.New()
	r.Use(CORS("https://painel.example"))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.OPTIONS("/", func(c *gin.Context) { c.Status(http.StatusTeapot) })

	pre := serve(r, "OPTIONS", "/")
	if pre.Code != http.StatusNoContent {
		t.Fatalf("preflight: expected 204, got %d", pre.Code)
	}
	get := serve(r, "GET", "/")
	if get.Code != http.StatusOK || get.Header().Get("Access-Control-Allow-Origin") != "https://painel.example" {
		t.Fatalf("GET: %d %v", get.Code, get.Header())
	}
}

func TestMetrics(t *testing.T) {
	m := metrics.New()
	r := gin.New()
	r.Use(Metrics(m))
	r.GET("/api/routes/:id", func(c *gin.Context) { c.Status(http.StatusNotFound) })

	serve(r, "GET", "/api/routes/R1")
	serve(r, "GET", "/api/routes/R2")
	serve(r, "GET", "/nope")

	if got := testutil.ToFloat64(m.HTTPRequests.WithLabelValues("/api/routes/:id", "404")); got != 2 {
		t.Errorf("route counter = %v", got)
	}
	if got := testutil.ToFloat64(m.HTTPRequests.WithLabelValues("unmatched", "404")); got != 1 {
		t.Errorf("unmatched counter = %v", got)
	}
}

func TestOTelPassesThrough(t *testing.T) {
	r := gin.New()
	r.Use(OTel("transitrisk-api"))
	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	if rec := serve(r, "GET", "/healthz"); rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("got %d %q", rec.Code, rec.Body.String())
	}
}
