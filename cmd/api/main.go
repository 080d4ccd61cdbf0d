package main

import (
	"bufio"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"merchapi/internal/api"
	"merchapi/internal/config"
	"merchapi/internal/metrics"
	"merchapi/internal/product"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	srvDeps, err := api.NewServer(cfg, seedCatalog())
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	metrics.RegisterDefault()

	mux := http.NewServeMux()

	// Quote and checkout
	mux.HandleFunc("/v1/quote", srvDeps.QuoteHandler)
	mux.HandleFunc("/v1/checkout", srvDeps.CheckoutHandler)

	// Orders
	mux.HandleFunc("/v1/orders", srvDeps.OrdersHandler)
	mux.HandleFunc("/v1/orders/by-session/", srvDeps.OrderBySessionHandler)
	mux.HandleFunc("/v1/orders/status/subscribe/", srvDeps.StatusStreamHandler)
	mux.HandleFunc("/v1/orders/status/ws", srvDeps.StatusWSHandler)
	mux.HandleFunc("/v1/orders/", srvDeps.OrderByIDHandler)

	// Provider webhooks
	mux.HandleFunc("/v1/webhooks/", srvDeps.WebhookHandler)

	// Admin
	mux.HandleFunc("/v1/admin/orders", srvDeps.AdminOrdersHandler)
	mux.HandleFunc("/v1/admin/providers/", srvDeps.AdminProviderHandler)
	mux.HandleFunc("/cron/cleanup-drafts", srvDeps.CronCleanupHandler)

	// Health and metrics
	mux.HandleFunc("/healthz", srvDeps.HealthHandler)
	mux.HandleFunc("/readyz", srvDeps.ReadyHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           logMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Background draft reaper
	srvDeps.Reaper.Start()
	defer close(srvDeps.Reaper.Stop)

	log.Printf("API listening on %s", cfg.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
}

// seedCatalog loads the static dev catalog. Production deployments resolve
// products through the catalog service instead.
func seedCatalog() product.Service {
	c := product.NewStatic()
	c.Seed(product.Resolved{ProductID: "tour-tee", VariantID: "s", Name: "Tour Tee (S)", UnitPrice: 1999, Currency: "usd", FulfillmentProvider: "printful"})
	c.Seed(product.Resolved{ProductID: "tour-tee", VariantID: "m", Name: "Tour Tee (M)", UnitPrice: 1999, Currency: "usd", FulfillmentProvider: "printful"})
	c.Seed(product.Resolved{ProductID: "tour-tee", VariantID: "l", Name: "Tour Tee (L)", UnitPrice: 1999, Currency: "usd", FulfillmentProvider: "printful"})
	c.Seed(product.Resolved{ProductID: "poster", VariantID: "a2", Name: "Poster A2", UnitPrice: 1500, Currency: "usd", FulfillmentProvider: "gelato"})
	return c
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// SSE needs Flush, the WebSocket upgrade needs Hijack.
func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := sr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return hj.Hijack()
}

func logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		dur := time.Since(start)
		status := strconv.Itoa(rec.status)
		metrics.HTTPRequests.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		metrics.HTTPDuration.WithLabelValues(r.Method, r.URL.Path, status).Observe(dur.Seconds())
		log.Printf("%s %s %s %s %v", r.RemoteAddr, r.Method, r.URL.Path, status, dur)
	})
}
