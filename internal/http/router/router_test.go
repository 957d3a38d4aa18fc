package router

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	apphttp "crm_leadflow/internal/http"
	"crm_leadflow/platform/httpkit"
	"crm_leadflow/platform/logger"

	"github.com/gin-gonic/gin"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type echoModule struct{}

func (echoModule) Name() string { return "echo" }

func (echoModule) RegisterRoutes(ctx *apphttp.RouterContext) {
	ctx.Tenant.GET("/echo", func(c *gin.Context) {
		tenantID, _ := httpkit.TenantID(c)
		c.JSON(http.StatusOK, gin.H{"tenant": tenantID.String()})
	})
}

func newTestApp(health apphttp.HealthChecker) *apphttp.App {
	gin.SetMode(gin.TestMode)
	return &apphttp.App{
		Logger:  logger.New("test"),
		Health:  health,
		Modules: []apphttp.Module{echoModule{}},
	}
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name   string
		ping   error
		status int
	}{
		{name: "healthy", status: http.StatusOK},
		{name: "database down", ping: errors.New("connection refused"), status: http.StatusServiceUnavailable},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			engine := New(newTestApp(pingFunc(func(context.Context) error { return tc.ping })))
			rec := httptest.NewRecorder()
			engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
			if rec.Code != tc.status {
				t.Fatalf("status = %d, want %d", rec.Code, tc.status)
			}
			if rec.Header().Get(httpkit.HeaderRequestID) == "" {
				t.Fatal("expected request id header")
			}
		})
	}
}

func TestModuleRoutesRequireTenant(t *testing.T) {
	engine := New(newTestApp(nil))

	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/echo", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/echo", nil)
	req.Header.Set(httpkit.HeaderOrganizationID, "5f1c2d4e-8a9b-4c3d-9e0f-112233445566")
	rec = httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	engine := New(newTestApp(nil))

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/echo", nil)
	req.Header.Set("Origin", "https://crm.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("allow origin = %q", rec.Header().Get("Access-Control-Allow-Origin"))
	}
}
