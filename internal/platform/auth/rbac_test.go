package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func requestWithRoles(roles []string) echo.Context {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	ctx := context.WithValue(req.Context(), UserRolesKey, roles)
	req = req.WithContext(ctx)
	return e.NewContext(req, httptest.NewRecorder())
}

func TestRequireRole(t *testing.T) {
	cases := []struct {
		name     string
		have     []string
		required []string
		allowed  bool
	}{
		{"exact match", []string{"viewer"}, []string{"viewer"}, true},
		{"one of several", []string{"technician"}, []string{"radiologist", "technician"}, true},
		{"admin override", []string{"admin"}, []string{"radiologist"}, true},
		{"missing role", []string{"viewer"}, []string{"radiologist"}, false},
		{"no roles", nil, []string{"viewer"}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mw := RequireRole(tc.required...)
			handler := mw(func(c echo.Context) error { return c.NoContent(http.StatusOK) })
			err := handler(requestWithRoles(tc.have))

			if tc.allowed {
				if err != nil {
					t.Errorf("expected pass, got %v", err)
				}
				return
			}
			he, ok := err.(*echo.HTTPError)
			if !ok || he.Code != http.StatusForbidden {
				t.Errorf("expected 403, got %v", err)
			}
		})
	}
}
