// Package mockapi is an in-memory stand-in for the expense-tracker API that
// the expense journeys drive. It is used for smoke runs and end-to-end tests.
package mockapi

import (
	"context"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v2"

	"yqhp/load-engine/pkg/logger"
)

const (
	defaultSecret   = "load-engine-mock-secret"
	defaultTokenTTL = 24 * time.Hour

	// PlanFree 免费用户，导出返回 403
	PlanFree = "FREE"
	// PlanPremium 付费用户，可导出
	PlanPremium = "PREMIUM"
)

// Options 配置 mock 服务
type Options struct {
	Secret   string
	TokenTTL time.Duration
	// Plan 新注册用户的订阅，默认 FREE
	Plan string
	// Latency 每个请求的附加延迟
	Latency time.Duration
	// FailStatus 非 0 时匹配 FailRoutes 的请求直接返回该状态码
	FailStatus int
	// FailRoutes 路径前缀；为空表示全部 /api 路由
	FailRoutes []string
}

// Server 是 mock 的 expense-tracker API
type Server struct {
	opts   Options
	app    *fiber.App
	store  *Store
	tokens *tokenIssuer

	requests atomic.Int64
}

// New creates the server and registers every route.
func New(opts Options) *Server {
	if opts.Secret == "" {
		opts.Secret = defaultSecret
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = defaultTokenTTL
	}
	if opts.Plan == "" {
		opts.Plan = PlanFree
	}

	s := &Server{
		opts:   opts,
		store:  NewStore(),
		tokens: &tokenIssuer{secret: []byte(opts.Secret), ttl: opts.TokenTTL},
	}
	s.app = fiber.New(fiber.Config{
		AppName:               "expense-tracker-mock",
		DisableStartupMessage: true,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return errorResponse(c, code, err.Error())
		},
	})
	for _, h := range commonMiddleware() {
		s.app.Use(h)
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.app.Group("/api/v1", s.injectFaults())

	auth := api.Group("/auth")
	auth.Post("/register", s.register)
	auth.Post("/login", s.login)

	secured := api.Group("", s.authMiddleware())

	secured.Get("/wallets", s.listWallets)
	secured.Post("/wallets", s.createWallet)

	secured.Get("/categories", s.listCategories)
	secured.Post("/categories", s.createCategory)

	secured.Get("/transactions", s.listTransactions)
	secured.Post("/transactions", s.createTransaction)
	secured.Get("/transactions/export/:format", s.downloadExport)

	secured.Get("/debts", s.listDebts)
	secured.Post("/debts", s.createDebt)

	secured.Post("/export/transactions", s.exportTransactions)
}

// injectFaults 按配置注入延迟与失败状态码
func (s *Server) injectFaults() fiber.Handler {
	return func(c *fiber.Ctx) error {
		s.requests.Add(1)
		if s.opts.Latency > 0 {
			select {
			case <-time.After(s.opts.Latency):
			case <-c.Context().Done():
				return nil
			}
		}
		if s.opts.FailStatus != 0 && s.matchesFailRoute(c.Path()) {
			return errorResponse(c, s.opts.FailStatus, "injected failure")
		}
		return c.Next()
	}
}

func (s *Server) matchesFailRoute(path string) bool {
	if len(s.opts.FailRoutes) == 0 {
		return true
	}
	for _, prefix := range s.opts.FailRoutes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// App 返回底层 fiber 应用，测试中用 App().Test
func (s *Server) App() *fiber.App {
	return s.app
}

// Store 返回内存存储
func (s *Server) Store() *Store {
	return s.store
}

// Requests returns how many API requests the server has received.
func (s *Server) Requests() int64 {
	return s.requests.Load()
}

// SeedUser registers a user directly in the store, bypassing HTTP.
func (s *Server) SeedUser(email, password, name string) (*User, error) {
	return s.store.Register(email, password, name, s.opts.Plan)
}

// Listen blocks serving on addr until Shutdown.
func (s *Server) Listen(addr string) error {
	logger.Info("mock expense-tracker API listening on %s", addr)
	return s.app.Listen(addr)
}

// Serve serves on an existing listener, e.g. 127.0.0.1:0 in tests.
func (s *Server) Serve(ln net.Listener) error {
	return s.app.Listener(ln)
}

// StartLocal serves a new server on a random loopback port and returns it
// with its base URL.
func StartLocal(opts Options) (*Server, string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, "", err
	}
	s := New(opts)
	go func() {
		if err := s.Serve(ln); err != nil {
			logger.Warn("mock API stopped: %v", err)
		}
	}()
	return s, "http://" + ln.Addr().String(), nil
}

// Shutdown stops the listener and waits for in-flight requests until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}
