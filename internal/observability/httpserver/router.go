package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"time"

	"countdown/internal/countdown"
	"countdown/internal/storage"
	"countdown/internal/task/scheduler"
	logx "countdown/pkg/logx"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type StatusSource interface {
	Snapshot() countdown.Status
}

type RolloverSource interface {
	ListRollovers(ctx context.Context, limit int) ([]storage.Rollover, error)
}

type TriggerSource interface {
	Snapshot() scheduler.Snapshot
}

// Sources are the read-only views served over HTTP. Nil sources answer 503.
type Sources struct {
	Countdown StatusSource
	Rollovers RolloverSource
	Triggers  TriggerSource
	Metrics   *Metrics
}

var errUnavailable = errors.New("unavailable")

// RouterOptions tune the status routes.
type RouterOptions struct {
	// Token, when set, is required on every route except /healthz.
	Token string
	Pprof bool
	// CORSOrigins lists browser origins allowed to read the status routes.
	CORSOrigins []string
}

// NewRouter builds the status routes.
func NewRouter(src Sources, opts RouterOptions, log logx.Logger) http.Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(accessLog(log))
	if len(opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodOptions},
			AllowedHeaders: []string{"Authorization"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		_, _ = w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(opts.Token))
		r.Get("/countdown", wrap(src.countdown))
		r.Get("/rollovers", wrap(src.rollovers))
		r.Get("/triggers", wrap(src.triggers))
		if src.Metrics != nil {
			r.Handle("/metrics", promhttp.HandlerFor(src.Metrics.Registry(), promhttp.HandlerOpts{EnableOpenMetrics: true}))
		}
		if opts.Pprof {
			r.HandleFunc("/debug/pprof/*", hpprof.Index)
			r.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
			r.HandleFunc("/debug/pprof/profile", hpprof.Profile)
			r.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
			r.HandleFunc("/debug/pprof/trace", hpprof.Trace)
		}
	})
	return r
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

func wrap(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := h(w, r)
		switch {
		case err == nil:
		case errors.Is(err, errUnavailable), errors.Is(err, storage.ErrDisabled), errors.Is(err, storage.ErrClosed):
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	return json.NewEncoder(w).Encode(v)
}

type countdownResponse struct {
	Text       string               `json:"text"`
	Days       string               `json:"days"`
	Hours      string               `json:"hours"`
	Minutes    string               `json:"minutes"`
	Target     time.Time            `json:"target"`
	Cycle      uint64               `json:"cycle"`
	Expired    bool                 `json:"expired"`
	Policy     string               `json:"policy"`
	Offset     string               `json:"offset,omitempty"`
	Running    bool                 `json:"running"`
	Refresh    string               `json:"refresh"`
	Sinks      []string             `json:"sinks"`
	Ticks      uint64               `json:"ticks"`
	Rollovers  uint64               `json:"rollovers"`
	SinkErrors uint64               `json:"sink_errors"`
	Remaining  *countdown.Remaining `json:"remaining,omitempty"`
}

func (s Sources) countdown(w http.ResponseWriter, _ *http.Request) error {
	if s.Countdown == nil {
		return errUnavailable
	}
	st := s.Countdown.Snapshot()
	resp := countdownResponse{
		Policy:     st.Policy,
		Offset:     st.Offset,
		Running:    st.Running,
		Refresh:    st.Refresh,
		Sinks:      st.Sinks,
		Ticks:      st.Ticks,
		Rollovers:  st.Rollovers,
		SinkErrors: st.SinkErrors,
	}
	if f := st.Frame; f != nil {
		resp.Text = f.Display.String()
		resp.Days, resp.Hours, resp.Minutes = f.Display.Days, f.Display.Hours, f.Display.Minutes
		resp.Target = f.Target.UTC()
		resp.Cycle = f.Cycle
		resp.Expired = f.Expired
		rem := f.Remaining
		resp.Remaining = &rem
	}
	return writeJSON(w, resp)
}

func (s Sources) rollovers(w http.ResponseWriter, r *http.Request) error {
	if s.Rollovers == nil {
		return storage.ErrDisabled
	}
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return nil
		}
		limit = n
	}
	items, err := s.Rollovers.ListRollovers(r.Context(), limit)
	if err != nil {
		return err
	}
	if items == nil {
		items = []storage.Rollover{}
	}
	return writeJSON(w, items)
}

func (s Sources) triggers(w http.ResponseWriter, _ *http.Request) error {
	if s.Triggers == nil {
		return errUnavailable
	}
	return writeJSON(w, s.Triggers.Snapshot())
}

// bearerAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func bearerAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("token")
			if got == "" {
				if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, "Bearer ") {
					got = strings.TrimSpace(strings.TrimPrefix(ah, "Bearer "))
				}
			}
			if got != tok {
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func accessLog(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			fields := []logx.Field{
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", status),
				logx.Duration("took", time.Since(start)),
			}
			if status >= 500 {
				log.Warn("http request", fields...)
				return
			}
			log.Debug("http request", fields...)
		})
	}
}
