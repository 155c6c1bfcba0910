package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestGinMiddleware_UsesRouteTemplate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(GinMiddleware())
	r.GET("/chats/:id", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	for _, p := range []string{"/chats/1", "/chats/2", "/nowhere"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, p, nil))
	}

	if got := testutil.ToFloat64(HttpRequestsTotal.WithLabelValues("GET", "/chats/:id", "204")); got != 2 {
		t.Errorf("templated path count = %v, want 2", got)
	}
	if got := testutil.ToFloat64(HttpRequestsTotal.WithLabelValues("GET", "unmatched", "404")); got != 1 {
		t.Errorf("unmatched path count = %v, want 1", got)
	}
}
