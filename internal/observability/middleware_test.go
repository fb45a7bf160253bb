package observability

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/danmuck/u2fbridge/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

func newObservedRouter(buf *bytes.Buffer) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestLogger("u2fd-mw", zerolog.New(buf).Level(zerolog.InfoLevel)))
	r.Use(RequestMetricsMiddleware("u2fd-mw"))
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/metrics", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func TestRequestLoggerAssignsAndEchoesRequestID(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	r := newObservedRouter(&buf)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assigned := rr.Header().Get(RequestIDHeader)
	if assigned == "" {
		t.Fatalf("no request id assigned")
	}
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if line["service"] != "u2fd-mw" || line["http_request_id"] != assigned || line["path"] != "/health" {
		t.Fatalf("unexpected log line %v", line)
	}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "caller-id")
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	if got := rr.Header().Get(RequestIDHeader); got != "caller-id" {
		t.Fatalf("request id not echoed: %q", got)
	}
}

func TestRequestLoggerQuietsScrapesAndFlagsMisses(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	r := newObservedRouter(&buf)

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if buf.Len() != 0 {
		t.Fatalf("metrics scrape logged at info: %s", buf.String())
	}

	before := gathered(t, "u2fbridge_http_requests_total", "path", "unmatched")
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nope/123", nil))
	if !strings.Contains(buf.String(), `"level":"warn"`) || !strings.Contains(buf.String(), `"path":"unmatched"`) {
		t.Fatalf("unmatched route not logged as warning: %s", buf.String())
	}
	if got := gathered(t, "u2fbridge_http_requests_total", "path", "unmatched"); got != before+1 {
		t.Fatalf("unmatched requests: got %v want %v", got, before+1)
	}
}
