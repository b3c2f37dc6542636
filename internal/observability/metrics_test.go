package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
)

func TestMetrics(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	t.Run("graph builds by status", func(t *testing.T) {
		m.ObserveGraphBuild(time.Now(), nil)
		m.ObserveGraphBuild(time.Now(), errors.New("boom"))
		m.ObserveGraphBuild(time.Now(), nil)

		assert.Equal(t, 2.0, testutil.ToFloat64(m.GraphBuildsTotal.WithLabelValues("success")))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.GraphBuildsTotal.WithLabelValues("error")))
	})

	t.Run("cache lookups", func(t *testing.T) {
		m.CacheLookup(true)
		m.CacheLookup(false)
		m.CacheLookup(false)

		assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheLookupsTotal.WithLabelValues("hit")))
		assert.Equal(t, 2.0, testutil.ToFloat64(m.CacheLookupsTotal.WithLabelValues("miss")))
	})

	t.Run("asset reads and proxy", func(t *testing.T) {
		m.ObserveAssetRead("vpcs", nil)
		m.ObserveProxy("token", http.StatusBadGateway)

		assert.Equal(t, 1.0, testutil.ToFloat64(m.AssetReadsTotal.WithLabelValues("vpcs", "success")))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.ProxyRequestsTotal.WithLabelValues("token", "502")))
	})

	t.Run("nil metrics are a no-op", func(t *testing.T) {
		var nilMetrics *Metrics
		assert.NotPanics(t, func() {
			nilMetrics.ObserveGraphBuild(time.Now(), nil)
			nilMetrics.ObserveAssetRead("vpcs", nil)
			nilMetrics.CacheLookup(true)
			nilMetrics.ObserveRelocation(nil)
			nilMetrics.ObserveRelocationStep("stop", time.Now(), nil)
			nilMetrics.ObserveProxy("forward", 200)
		})
	})
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := NewMetrics(prometheus.NewRegistry())

	router := gin.New()
	router.Use(m.Middleware())
	router.GET("/api/graph/nodes/:id", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	req := httptest.NewRequest(http.MethodGet, "/api/graph/nodes/i-1", nil)
	router.ServeHTTP(httptest.NewRecorder(), req)
	req = httptest.NewRequest(http.MethodGet, "/missing", nil)
	router.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("/api/graph/nodes/:id", "GET", "204")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("unmatched", "GET", "404")))
}

func TestInitTracerDisabled(t *testing.T) {
	shutdown, err := InitTracer(context.Background(), "", "fortifai-api")
	require.NoError(t, err)
	assert.NotPanics(t, func() { shutdown(context.Background()) })
}

// captureExporter replaces newExporter for the test, recording the
// connection it is handed and delegating to build when set.
func captureExporter(t *testing.T, build func(context.Context, *grpc.ClientConn) (sdktrace.SpanExporter, error)) **grpc.ClientConn {
	t.Helper()
	orig := newExporter
	t.Cleanup(func() {
		newExporter = orig
		otel.SetTracerProvider(noop.NewTracerProvider())
	})

	var conn *grpc.ClientConn
	newExporter = func(ctx context.Context, c *grpc.ClientConn) (sdktrace.SpanExporter, error) {
		conn = c
		if build == nil {
			return orig(ctx, c)
		}
		return build(ctx, c)
	}
	return &conn
}

func TestInitTracerClosesConnOnError(t *testing.T) {
	conn := captureExporter(t, func(context.Context, *grpc.ClientConn) (sdktrace.SpanExporter, error) {
		return nil, errors.New("exporter unavailable")
	})

	_, err := InitTracer(context.Background(), "localhost:4317", "fortifai-api")
	require.ErrorContains(t, err, "exporter unavailable")
	require.NotNil(t, *conn)
	assert.Equal(t, connectivity.Shutdown, (*conn).GetState())
}

func TestInitTracerShutdownClosesConn(t *testing.T) {
	conn := captureExporter(t, nil)

	shutdown, err := InitTracer(context.Background(), "localhost:4317", "fortifai-api")
	require.NoError(t, err)
	require.NotNil(t, *conn)

	shutdown(context.Background())
	assert.Equal(t, connectivity.Shutdown, (*conn).GetState())
}
