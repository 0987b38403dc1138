package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	xerrors "OpenProver/internal/errors"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(Config{Tokens: []TokenConfig{
		{Name: "reader", Token: "read-token"},
		{Name: "writer", Token: "write-token", Permissions: []string{PermissionJobsRead, PermissionJobsWrite, PermissionJobsWrite}},
		{Name: "admin", Token: "admin-token", Permissions: []string{"*"}},
	}})
	require.NoError(t, err)
	return svc
}

func TestNewServiceValidatesTokens(t *testing.T) {
	_, err := NewService(Config{Tokens: []TokenConfig{{Name: "empty", Token: " "}}})
	require.Equal(t, xerrors.CodeConfiguration, xerrors.CodeOf(err))

	_, err = NewService(Config{Tokens: []TokenConfig{{Token: "a"}, {Token: "a"}}})
	require.Equal(t, xerrors.CodeConfiguration, xerrors.CodeOf(err))

	svc, err := NewService(Config{})
	require.NoError(t, err)
	require.False(t, svc.Enabled())
}

func TestAuthenticateRequest(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	subject, err := svc.AuthenticateRequest(ctx, "Bearer read-token")
	require.NoError(t, err)
	require.Equal(t, "reader", subject.Name)
	require.Equal(t, []string{PermissionJobsRead}, subject.Permissions)

	subject, err = svc.AuthenticateRequest(ctx, "bearer write-token")
	require.NoError(t, err)
	require.Equal(t, []string{PermissionJobsRead, PermissionJobsWrite}, subject.Permissions)

	_, err = svc.AuthenticateRequest(ctx, "")
	require.ErrorIs(t, err, ErrMissingToken)
	_, err = svc.AuthenticateRequest(ctx, "Basic abc")
	require.ErrorIs(t, err, ErrMissingToken)
	_, err = svc.AuthenticateRequest(ctx, "Bearer nope")
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestSubjectAuthorize(t *testing.T) {
	reader := &Subject{Name: "r", Permissions: []string{PermissionJobsRead}}
	require.NoError(t, reader.Authorize(PermissionJobsRead))
	err := reader.Authorize(PermissionJobsWrite)
	require.Equal(t, CodePermissionDenied, xerrors.CodeOf(err))
	require.Equal(t, PermissionJobsWrite, xerrors.MetadataOf(err)["permission"])

	admin := &Subject{Name: "a", Permissions: []string{"*"}}
	require.NoError(t, admin.Authorize(PermissionJobsWrite, "anything"))

	var nobody *Subject
	require.Error(t, nobody.Authorize())
}

func TestMiddleware(t *testing.T) {
	svc := newTestService(t)
	var seen *Subject
	handler := svc.Middleware(MiddlewareConfig{
		RequiredPermissions: map[string][]string{
			http.MethodGet:  {PermissionJobsRead},
			http.MethodPost: {PermissionJobsWrite},
		},
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	cases := []struct {
		name   string
		method string
		token  string
		want   int
	}{
		{"missing token", http.MethodGet, "", http.StatusUnauthorized},
		{"unknown token", http.MethodGet, "Bearer nope", http.StatusUnauthorized},
		{"reader reads", http.MethodGet, "Bearer read-token", http.StatusNoContent},
		{"reader writes", http.MethodPost, "Bearer read-token", http.StatusForbidden},
		{"writer writes", http.MethodPost, "Bearer write-token", http.StatusNoContent},
		{"admin writes", http.MethodPost, "Bearer admin-token", http.StatusNoContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			seen = nil
			req := httptest.NewRequest(tc.method, "/api/v1/jobs", nil)
			if tc.token != "" {
				req.Header.Set("Authorization", tc.token)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			require.Equal(t, tc.want, rec.Code)
			if tc.want == http.StatusNoContent {
				require.NotNil(t, seen)
			} else {
				require.Nil(t, seen)
			}
		})
	}
}

func TestMiddlewareDisabledPassesThrough(t *testing.T) {
	svc, err := NewService(Config{})
	require.NoError(t, err)
	handler := svc.Middleware(MiddlewareConfig{})(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var nilSvc *Service
	rec = httptest.NewRecorder()
	nilSvc.Middleware(MiddlewareConfig{})(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}
