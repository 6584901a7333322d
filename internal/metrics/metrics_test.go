package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	dto "github.com/prometheus/client_model/go"
)

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{201, "2xx"},
		{301, "3xx"},
		{400, "4xx"},
		{404, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
	}

	for _, tt := range tests {
		if got := statusBucket(tt.code); got != tt.want {
			t.Errorf("statusBucket(%d) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	sample(nil)
	BuildInfo.WithLabelValues("test", "memory").Set(1)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	body := w.Body.String()
	for _, name := range []string{
		"custodian_goroutines",
		`custodian_build_info{store_backend="memory",version="test"} 1`,
	} {
		if !strings.Contains(body, name) {
			t.Errorf("Expected metrics output to contain %s", name)
		}
	}
}

func TestSample_WithoutDB(t *testing.T) {
	sample(nil)
	m := &dto.Metric{}
	if err := GoroutineCount.Write(m); err != nil {
		t.Fatal(err)
	}
	if m.Gauge.GetValue() < 1 {
		t.Errorf("expected at least one goroutine, got %f", m.Gauge.GetValue())
	}
}

func TestMiddleware_RecordsMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/test", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	m := &dto.Metric{}
	c, err := HTTPRequestsTotal.GetMetricWithLabelValues("GET", "/test", "2xx")
	if err != nil {
		t.Fatal(err)
	}
	_ = c.Write(m)
	if m.Counter.GetValue() < 1 {
		t.Errorf("expected request counted, got %f", m.Counter.GetValue())
	}
}
