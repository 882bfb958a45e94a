package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/manenim/ingress-shield/pkg/alert"
	"github.com/manenim/ingress-shield/pkg/engine"
	shieldmw "github.com/manenim/ingress-shield/pkg/middleware"
	"github.com/manenim/ingress-shield/pkg/store"
	"github.com/manenim/ingress-shield/pkg/tier"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "listen address")
		configPath = flag.String("config", "", "rate limit rule table (YAML); built-in defaults when empty")
		webhookURL = flag.String("alert-webhook", "", "optional alert webhook URL")
		whitelist  = flag.String("whitelist", "", "comma-separated IPs/CIDRs that bypass limiting")
	)
	flag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	rules := tier.Default()
	if *configPath != "" {
		rules, err = tier.Load(*configPath)
		if err != nil {
			// No partial rule set is ever loaded.
			log.Fatal("invalid rule table", zap.String("path", *configPath), zap.Error(err))
		}
	}

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: redisAddr})
	counters, err := store.NewRedisStore(client,
		store.WithPrefix("shield:"),
		store.WithTimeout(200*time.Millisecond),
	)
	if err != nil {
		log.Fatal("redis unavailable", zap.String("addr", redisAddr), zap.Error(err))
	}

	sinks := []alert.Sink{alert.NewLogSink(log)}
	if *webhookURL != "" {
		sinks = append(sinks, alert.NewWebhookSink(*webhookURL, 5*time.Second))
	}
	emitter := alert.NewEmitter(
		alert.WithLogger(log),
		alert.WithSinks(sinks...),
	)

	reg := prometheus.NewRegistry()
	opts := []engine.Option{
		engine.WithLogger(log),
		engine.WithMetrics(engine.NewPrometheusRecorder(reg)),
		engine.WithAlertEmitter(emitter),
		engine.WithChallenges(true),
	}
	if *whitelist != "" {
		opts = append(opts, engine.WithWhitelist(splitCSV(*whitelist)...))
	}

	eng, err := engine.New(counters, rules, opts...)
	if err != nil {
		log.Fatal("engine init", zap.Error(err))
	}
	eng.Start()
	defer eng.Stop()

	guard := shieldmw.Handler(eng, shieldmw.Options{TrustForwardedFor: true})

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(guard)
		r.Get("/ping", func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte("pong\n"))
		})
	})

	// Admin surface: manual ban/unban and identity inspection. Mount behind
	// operator auth in production.
	r.Route("/admin", func(r chi.Router) {
		r.Get("/identities/{key}", func(w http.ResponseWriter, req *http.Request) {
			status, err := eng.Inspect(req.Context(), chi.URLParam(req, "key"))
			if err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{
				"state":       status.State.String(),
				"retry_after": status.RetryAfter.Seconds(),
				"score":       status.Score,
			})
		})
		r.Post("/identities/{key}/ban", func(w http.ResponseWriter, req *http.Request) {
			if err := eng.Ban(req.Context(), chi.URLParam(req, "key"), 0); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})
		r.Post("/identities/{key}/unban", func(w http.ResponseWriter, req *http.Request) {
			if err := eng.Unban(req.Context(), chi.URLParam(req, "key")); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})
	})

	srv := &http.Server{Addr: *addr, Handler: r}
	go func() {
		log.Info("listening", zap.String("addr", *addr), zap.String("redis", redisAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
