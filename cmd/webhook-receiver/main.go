// Command webhook-receiver is a development endpoint for webhook
// notifications. It verifies signatures, counts deliveries per notification
// id and exposes what it received on /stats.
package main

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/logging"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/notify"
)

const (
	maxStored  = 50
	maxBodyLen = 1 << 20
)

type delivery struct {
	Timestamp      string `json:"timestamp"`
	NotificationID string `json:"notification_id"`
	TenantID       string `json:"tenant_id"`
	Duplicate      bool   `json:"duplicate"`
	Body           string `json:"body"`
}

type stats struct {
	Count      int64      `json:"count"`
	Unique     int        `json:"unique"`
	Rejected   int64      `json:"rejected"`
	Deliveries []delivery `json:"last_deliveries"`
	Since      string     `json:"since"`
}

type receiver struct {
	secret string
	logger logrus.FieldLogger
	clock  func() time.Time

	mu         sync.Mutex
	count      int64
	rejected   int64
	seen       map[string]int
	deliveries []delivery
	since      time.Time
}

func newReceiver(secret string, logger logrus.FieldLogger) *receiver {
	r := &receiver{secret: secret, logger: logger, clock: time.Now}
	r.reset()
	return r
}

func (rc *receiver) reset() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.count, rc.rejected = 0, 0
	rc.seen = make(map[string]int)
	rc.deliveries = nil
	rc.since = rc.clock().UTC()
}

func (rc *receiver) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/hook", rc.hook)
	r.Get("/stats", rc.stats)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok\n")
	})
	r.Post("/reset", func(w http.ResponseWriter, _ *http.Request) {
		rc.reset()
		_, _ = io.WriteString(w, "reset\n")
	})
	return r
}

func (rc *receiver) hook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyLen))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	if rc.secret != "" && !notify.VerifySignature(rc.secret, body, r.Header.Get(notify.HeaderSignature)) {
		rc.mu.Lock()
		rc.rejected++
		rc.mu.Unlock()
		rc.logger.Warn("signature mismatch, rejected")
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	id := r.Header.Get(notify.HeaderNotificationID)
	d := delivery{
		Timestamp:      rc.clock().UTC().Format(time.RFC3339Nano),
		NotificationID: id,
		TenantID:       r.Header.Get(notify.HeaderTenantID),
		Body:           string(body),
	}

	rc.mu.Lock()
	rc.count++
	rc.seen[id]++
	d.Duplicate = rc.seen[id] > 1
	rc.deliveries = append(rc.deliveries, d)
	if len(rc.deliveries) > maxStored {
		rc.deliveries = rc.deliveries[len(rc.deliveries)-maxStored:]
	}
	current := rc.count
	rc.mu.Unlock()

	rc.logger.WithFields(logrus.Fields{
		"n":               current,
		"notification_id": id,
		"tenant_id":       d.TenantID,
		"duplicate":       d.Duplicate,
	}).Info("notification received")

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int64{"received": current})
}

func (rc *receiver) stats(w http.ResponseWriter, _ *http.Request) {
	rc.mu.Lock()
	s := stats{
		Count:      rc.count,
		Unique:     len(rc.seen),
		Rejected:   rc.rejected,
		Deliveries: append([]delivery(nil), rc.deliveries...),
		Since:      rc.since.Format(time.RFC3339),
	}
	rc.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s)
}

func main() {
	_ = godotenv.Load()
	logger := logging.New(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))

	addr := ":8081"
	if v := os.Getenv("ADDR"); v != "" {
		addr = v
	}
	secret := os.Getenv("WEBHOOK_SECRET")
	if secret == "" {
		logger.Warn("WEBHOOK_SECRET not set; signatures are not checked")
	}

	srv := &http.Server{Addr: addr, Handler: newReceiver(secret, logger).routes(), ReadHeaderTimeout: 10 * time.Second}
	logger.WithField("addr", addr).Info("webhook-receiver listening")
	if err := srv.ListenAndServe(); err != nil {
		logger.WithError(err).Fatal("webhook-receiver stopped")
	}
}
