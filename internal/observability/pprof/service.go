package pprof

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"crosspost/internal/runtime/supervisor"
	logx "crosspost/pkg/logx"
)

const DefaultAddr = "127.0.0.1:6060"

// Config controls the optional debug listener. A non-loopback Addr requires
// a Token.
type Config struct {
	Enabled bool
	Addr    string
	Prefix  string
	Token   string
}

// Validate reports a config that Reconfigure would refuse.
func (c Config) Validate() error {
	addr := strings.TrimSpace(c.Addr)
	if addr == "" {
		addr = DefaultAddr
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("debug.addr: %w", err)
	}
	if c.Enabled && strings.TrimSpace(c.Token) == "" && !isLoopbackAddr(addr) {
		return errors.New("debug.addr: a non-loopback addr requires debug.token")
	}
	return nil
}

// HealthFunc reports whatever the /healthz endpoint should render.
type HealthFunc func(ctx context.Context) (any, error)

type Service struct {
	mu     sync.Mutex
	log    logx.Logger
	health HealthFunc
	cfg    Config

	sup  *supervisor.Supervisor
	addr string
}

func New(log logx.Logger, health HealthFunc) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{log: log, health: health}
}

// Addr returns the bound listen address, or "" when not serving.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Reconfigure applies cfg, starting, stopping or restarting the listener as
// needed. It is safe to call on every config reload.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) error {
	cfg.Prefix = normalizePrefix(cfg.Prefix)
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = DefaultAddr
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	prev := s.cfg
	running := s.sup != nil
	s.mu.Unlock()

	if running && (!cfg.Enabled || prev != cfg) {
		s.Stop(ctx)
	}
	if !cfg.Enabled || (running && prev == cfg) {
		return nil
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return err
	}

	sup := supervisor.New(context.WithoutCancel(ctx),
		supervisor.WithLogger(s.log),
		supervisor.WithCancelOnError(false),
	)
	srv := &http.Server{
		Handler:           s.mux(cfg),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       time.Minute,
	}

	s.mu.Lock()
	s.cfg = cfg
	s.sup = sup
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	sup.Go("http.serve", func(c context.Context) error {
		go func() {
			<-c.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	s.log.Info("debug listener started",
		logx.String("addr", ln.Addr().String()),
		logx.String("prefix", cfg.Prefix),
		logx.Bool("token_set", cfg.Token != ""),
	)
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.addr = ""
	s.cfg = Config{}
	s.mu.Unlock()

	if sup == nil {
		return
	}
	if err := sup.Stop(ctx); err != nil {
		s.log.Warn("debug listener stop", logx.Err(err))
		return
	}
	s.log.Info("debug listener stopped")
}

func (s *Service) mux(cfg Config) *http.ServeMux {
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(cfg.Token, h) }
	base := strings.TrimSuffix(cfg.Prefix, "/")

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", wrap(s.serveHealth))
	mux.HandleFunc(cfg.Prefix, wrap(indexAt(cfg.Prefix)))
	mux.HandleFunc(base+"/cmdline", wrap(hpprof.Cmdline))
	mux.HandleFunc(base+"/profile", wrap(hpprof.Profile))
	mux.HandleFunc(base+"/symbol", wrap(hpprof.Symbol))
	mux.HandleFunc(base+"/trace", wrap(hpprof.Trace))
	return mux
}

func (s *Service) serveHealth(w http.ResponseWriter, r *http.Request) {
	body := any(map[string]string{"status": "ok"})
	if s.health != nil {
		v, err := s.health(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		body = v
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			if ah, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
				got = strings.TrimSpace(ah)
			}
		}
		if got != tok {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h(w, r)
	}
}

func normalizePrefix(prefix string) string {
	p := strings.TrimSpace(prefix)
	if p == "" {
		p = "/debug/pprof/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// indexAt serves pprof.Index under a custom prefix; Index assumes
// /debug/pprof/.
func indexAt(prefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r2 := r.Clone(r.Context())
		r2.URL.Path = "/debug/pprof/" + strings.TrimPrefix(r.URL.Path, prefix)
		hpprof.Index(w, r2)
	}
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
