package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"OpenProver/internal/auth"
	xerrors "OpenProver/internal/errors"
	"OpenProver/internal/job"
	"OpenProver/internal/observability/metrics"
	"OpenProver/pkg/logger"
)

const maxRequestBody = 8 << 20

// Server 负责暴露 REST 接口，供外部提交和查询证明任务。
type Server struct {
	addr    string
	jobs    *job.Service
	metrics *metrics.Metrics
	auth    *auth.Service
	logger  *slog.Logger
}

// Option 定义 Server 的可选配置。
type Option func(*Server)

// WithAuth 为 /api/v1 下的接口启用 Token 认证。
func WithAuth(a *auth.Service) Option {
	return func(s *Server) { s.auth = a }
}

// NewServer 构造 API 服务实例。metrics 可以为空。
func NewServer(addr string, jobs *job.Service, m *metrics.Metrics, opts ...Option) *Server {
	s := &Server{addr: addr, jobs: jobs, metrics: m, logger: logger.Named("api")}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回带有指标与认证中间件的路由。
func (s *Server) Handler() http.Handler {
	protect := s.auth.Middleware(auth.MiddlewareConfig{
		RequiredPermissions: map[string][]string{
			http.MethodGet:  {auth.PermissionJobsRead},
			http.MethodPost: {auth.PermissionJobsWrite},
		},
		AuditEvent: "jobs_api",
	})

	mux := http.NewServeMux()
	s.route(mux, "POST /api/v1/jobs", "jobs.create", protect(http.HandlerFunc(s.handleCreateJob)))
	s.route(mux, "GET /api/v1/jobs", "jobs.list", protect(http.HandlerFunc(s.handleListJobs)))
	s.route(mux, "GET /api/v1/jobs/stats", "jobs.stats", protect(http.HandlerFunc(s.handleJobStats)))
	s.route(mux, "GET /api/v1/jobs/{id}", "jobs.detail", protect(http.HandlerFunc(s.handleJobDetail)))
	s.route(mux, "GET /healthz", "healthz", http.HandlerFunc(s.handleHealth))
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) route(mux *http.ServeMux, pattern, name string, h http.Handler) {
	mux.Handle(pattern, s.instrument(name, h))
}

func (s *Server) instrument(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.metrics.ObserveHTTPRequest(name, r.Method, rec.status, time.Since(start))
	})
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, xerrors.New(xerrors.CodeInitialization, "任务服务未初始化"))
		return
	}

	var req job.Request
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}

	j, err := s.jobs.Submit(r.Context(), req)
	if err != nil {
		s.logger.Warn("提交任务失败", slog.Any("error", err), slog.String("circuit_id", req.CircuitID))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, j)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, xerrors.New(xerrors.CodeInitialization, "任务服务未初始化"))
		return
	}
	opts, err := parseListOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	jobs, err := s.jobs.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleJobStats(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, xerrors.New(xerrors.CodeInitialization, "任务服务未初始化"))
		return
	}
	opts, err := parseListOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := s.jobs.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleJobDetail(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, xerrors.New(xerrors.CodeInitialization, "任务服务未初始化"))
		return
	}
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少任务 ID"))
		return
	}
	j, err := s.jobs.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func parseListOptions(r *http.Request) ([]job.ListOption, error) {
	query := r.URL.Query()
	var opts []job.ListOption

	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "limit 必须为正整数", xerrors.WithMetadata("limit", raw))
		}
		opts = append(opts, job.WithLimit(limit))
	}
	if raw := query.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "offset 必须为非负整数", xerrors.WithMetadata("offset", raw))
		}
		opts = append(opts, job.WithOffset(offset))
	}
	if values := splitValues(query["status"]); len(values) > 0 {
		statuses := make([]job.Status, 0, len(values))
		for _, v := range values {
			status := job.Status(v)
			if !job.IsValidStatus(status) {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的任务状态", xerrors.WithMetadata("status", v))
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, job.WithStatuses(statuses...))
	}
	if values := splitValues(query["kind"]); len(values) > 0 {
		kinds := make([]job.Kind, 0, len(values))
		for _, v := range values {
			kind := job.Kind(v)
			if !job.IsValidKind(kind) {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的任务类型", xerrors.WithMetadata("kind", v))
			}
			kinds = append(kinds, kind)
		}
		opts = append(opts, job.WithKinds(kinds...))
	}
	if circuit := query.Get("circuit_id"); circuit != "" {
		opts = append(opts, job.WithCircuit(circuit))
	}
	if raw := query.Get("updated_since"); raw != "" {
		ts, err := parseUnix(raw)
		if err != nil {
			return nil, err
		}
		opts = append(opts, job.WithUpdatedSince(ts))
	}
	if raw := query.Get("updated_until"); raw != "" {
		ts, err := parseUnix(raw)
		if err != nil {
			return nil, err
		}
		opts = append(opts, job.WithUpdatedUntil(ts))
	}
	switch strings.ToLower(query.Get("order")) {
	case "", "desc":
	case "asc":
		opts = append(opts, job.WithSortOrder(job.SortByUpdatedAsc))
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "order 仅支持 asc/desc")
	}
	return opts, nil
}

func parseUnix(raw string) (time.Time, error) {
	sec, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || sec < 0 {
		return time.Time{}, xerrors.New(xerrors.CodeInvalidArgument, "时间戳必须为 Unix 秒", xerrors.WithMetadata("value", raw))
	}
	return time.Unix(sec, 0), nil
}

// splitValues 同时支持 ?status=a&status=b 与 ?status=a,b 两种写法。
func splitValues(raw []string) []string {
	var out []string
	for _, item := range raw {
		for _, v := range strings.Split(item, ",") {
			if v = strings.TrimSpace(v); v != "" {
				out = append(out, v)
			}
		}
	}
	return out
}

type errorBody struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	writeJSON(w, statusFor(code), errorBody{
		Code:     string(code),
		Message:  err.Error(),
		Metadata: xerrors.MetadataOf(err),
	})
}

func statusFor(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument, job.CodeJobValidation:
		return http.StatusBadRequest
	case job.CodeJobNotFound:
		return http.StatusNotFound
	case job.CodeJobConflict, job.CodeJobCompleted, job.CodeJobExhausted:
		return http.StatusConflict
	case xerrors.CodeInitialization, xerrors.CodeQueueFailure, job.CodeJobPublish:
		return http.StatusServiceUnavailable
	case xerrors.CodeCanceled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
