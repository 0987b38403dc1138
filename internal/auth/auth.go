// Package auth 为任务 API 提供基于静态 API Token 的认证与权限校验。
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	xerrors "OpenProver/internal/errors"
	"OpenProver/pkg/logger"
)

// 权限名称。
const (
	PermissionJobsRead  = "jobs:read"
	PermissionJobsWrite = "jobs:write"
)

const (
	CodeMissingToken     xerrors.Code = "AUTH_MISSING_TOKEN"
	CodeInvalidToken     xerrors.Code = "AUTH_INVALID_TOKEN"
	CodePermissionDenied xerrors.Code = "AUTH_PERMISSION_DENIED"
)

var (
	ErrMissingToken     = xerrors.New(CodeMissingToken, "missing bearer token")
	ErrInvalidToken     = xerrors.New(CodeInvalidToken, "invalid token")
	ErrPermissionDenied = xerrors.New(CodePermissionDenied, "permission denied")
)

func init() {
	xerrors.Register(CodeMissingToken, xerrors.Attributes{Message: "missing bearer token", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeInvalidToken, xerrors.Attributes{Message: "invalid token", Severity: xerrors.SeverityWarning})
	xerrors.Register(CodePermissionDenied, xerrors.Attributes{Message: "permission denied", Severity: xerrors.SeverityWarning})
}

// Config 描述 API Token 列表。列表为空时认证关闭。
type Config struct {
	Tokens []TokenConfig `yaml:"tokens"`
}

// TokenConfig 为单个调用方的凭据。未声明权限时默认只读。
type TokenConfig struct {
	Name        string   `yaml:"name"`
	Token       string   `yaml:"token"`
	Permissions []string `yaml:"permissions"`
}

// Subject 是通过认证的调用方。
type Subject struct {
	Name        string
	Permissions []string
}

// Authorize 检查调用方是否拥有全部所需权限，"*" 表示全部权限。
func (s *Subject) Authorize(perms ...string) error {
	if s == nil {
		return ErrPermissionDenied
	}
	if slices.Contains(s.Permissions, "*") {
		return nil
	}
	for _, p := range perms {
		if !slices.Contains(s.Permissions, p) {
			return xerrors.Wrap(CodePermissionDenied, ErrPermissionDenied, "",
				xerrors.WithMetadata("permission", p),
				xerrors.WithMetadata("subject", s.Name))
		}
	}
	return nil
}

type credential struct {
	digest  [sha256.Size]byte
	subject Subject
}

// Service 校验请求携带的 Bearer Token。
type Service struct {
	credentials []credential
	audit       *slog.Logger
}

// NewService 根据配置构造认证服务。
func NewService(cfg Config) (*Service, error) {
	s := &Service{audit: logger.Audit()}
	seen := make(map[string]struct{}, len(cfg.Tokens))
	for i, t := range cfg.Tokens {
		token := strings.TrimSpace(t.Token)
		if token == "" {
			return nil, xerrors.New(xerrors.CodeConfiguration, "API Token 不能为空",
				xerrors.WithMetadata("index", strconv.Itoa(i)))
		}
		if _, dup := seen[token]; dup {
			return nil, xerrors.New(xerrors.CodeConfiguration, "API Token 重复",
				xerrors.WithMetadata("name", t.Name))
		}
		seen[token] = struct{}{}

		name := strings.TrimSpace(t.Name)
		if name == "" {
			name = "token-" + strconv.Itoa(i)
		}
		perms := dedupe(t.Permissions)
		if len(perms) == 0 {
			perms = []string{PermissionJobsRead}
		}
		s.credentials = append(s.credentials, credential{
			digest:  sha256.Sum256([]byte(token)),
			subject: Subject{Name: name, Permissions: perms},
		})
	}
	return s, nil
}

// Enabled 表示是否配置了任何 Token。
func (s *Service) Enabled() bool {
	return s != nil && len(s.credentials) > 0
}

// AuthenticateRequest 解析 Authorization 头并返回对应的调用方。
func (s *Service) AuthenticateRequest(_ context.Context, authorization string) (*Subject, error) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(authorization), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return nil, ErrMissingToken
	}
	digest := sha256.Sum256([]byte(strings.TrimSpace(token)))
	for _, c := range s.credentials {
		if subtle.ConstantTimeCompare(digest[:], c.digest[:]) == 1 {
			subject := c.subject
			subject.Permissions = slices.Clone(c.subject.Permissions)
			return &subject, nil
		}
	}
	return nil, ErrInvalidToken
}

func dedupe(values []string) []string {
	var out []string
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v != "" && !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}
