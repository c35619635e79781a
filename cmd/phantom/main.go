// Command phantom is the reference composition root: it wires every
// package in this module into one running process. It is
// intentionally thin — configuration and HTTP plumbing
// only, never business logic — so the core packages stay usable
// without it.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/duskline/phantom/auth"
	"github.com/duskline/phantom/checkout/adyen"
	"github.com/duskline/phantom/checkout/footsites"
	"github.com/duskline/phantom/checkout/shopify"
	"github.com/duskline/phantom/idempotency"
	"github.com/duskline/phantom/middleware"
	"github.com/duskline/phantom/models"
	"github.com/duskline/phantom/monitor"
	"github.com/duskline/phantom/proxypool"
	"github.com/duskline/phantom/scheduler"
	"github.com/duskline/phantom/session"
	"github.com/duskline/phantom/store"
	"github.com/duskline/phantom/streaming"
	"github.com/duskline/phantom/webhook"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	idempotencyBackend, cookiePersister := connectRedis(ctx)
	archive := connectArchive(ctx)

	bus := streaming.NewBus("phantom-core", 500)
	wsHub := streaming.NewWSHub()
	go wsHub.Run(ctx)
	bus.Subscribe("product_event", func(e streaming.Event) { wsHub.Broadcast(e) })
	bus.Subscribe("task_event", func(e streaming.Event) { wsHub.Broadcast(e) })

	pool := proxypool.New(proxypool.DefaultConfig())
	if proxyList := os.Getenv("PROXY_LIST"); proxyList != "" {
		ids, skipped := pool.AddFromString(proxyList, "default")
		log.Printf("[phantom] loaded %d proxies into the default group (%d skipped)", len(ids), skipped)
	}
	go pool.StartHealthChecks(ctx)

	factory := session.NewFactory(nil)
	cookies := store.NewCookieStore(cookiePersister)

	profiles := newStaticProfileStore()

	schedCfg := scheduler.DefaultConfig()
	if v := os.Getenv("SCHEDULER_CONCURRENCY"); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			schedCfg.MaxConcurrency = n
		}
	}
	if v := os.Getenv("SCHEDULER_MIN_SITE_DELAY_MS"); v != "" {
		var ms int
		if _, err := fmt.Sscanf(v, "%d", &ms); err == nil && ms > 0 {
			schedCfg.MinSiteDelay = time.Duration(ms) * time.Millisecond
		}
	}

	executors := map[models.SiteType]scheduler.Executor{
		models.SiteShopify:   &shopifyExecutor{factory: factory, pool: pool, cookies: cookies, profiles: profiles},
		models.SiteFootsites: &footsitesExecutor{factory: factory, pool: pool, cookies: cookies, profiles: profiles, pubKey: adyenKey()},
	}
	sched := scheduler.New(schedCfg, executors)
	sched.OnStatus(func(task *models.Task, snap models.TaskSnapshot) {
		_ = bus.Publish(ctx, "task_event", snap)
	})
	notifier := logNotifier{}
	sched.SetNotifier(notifier)

	ingressCfg := webhook.DefaultConfig()
	ingress := webhook.New(ingressCfg, idempotencyBackend, bus)
	ingress.RegisterSource(models.WebhookConfig{
		Source:          "payment-processor",
		HMACSecret:      os.Getenv("WEBHOOK_HMAC_SECRET"),
		RateLimitMax:    60,
		RateLimitWindow: time.Minute,
		IdempotencyTTL:  time.Hour,
	})
	ingress.RegisterHandler(func(event models.WebhookReceived) error {
		if archive != nil {
			log.Printf("[phantom] webhook received: source=%s type=%s", event.Source, event.EventType)
		}
		return nil
	})

	var monitors []*monitor.Monitor
	if target := os.Getenv("MONITOR_TARGET_URL"); target != "" {
		mcfg := monitor.DefaultConfig()
		mcfg.Source = envOr("MONITOR_SOURCE", "default-store")
		mcfg.Target = target
		if ms := os.Getenv("MONITOR_ERROR_DELAY_MS"); ms != "" {
			if n, err := strconv.Atoi(ms); err == nil && n > 0 {
				mcfg.ErrorDelay = time.Duration(n) * time.Millisecond
			}
		}
		fetcher := &monitor.ShopifyFetcher{Client: factory.New("monitor:"+mcfg.Source, pool.GetProxy("default", "", "", models.RotationSmart), nil).HTTP}
		m := monitor.New("", mcfg, fetcher, monitor.NewMatcher(monitor.ParseKeywordString(os.Getenv("MONITOR_KEYWORDS"))), bus)
		m.SetNotifier(notifier)
		monitors = append(monitors, m)
		go m.Run(ctx)
	}

	// Auto-task creation: matched monitor events above the configured
	// floors become checkout tasks against the demo profile.
	if os.Getenv("AUTO_TASK_SITE_URL") != "" {
		autoCfg := scheduler.AutoTaskConfig{
			MinConfidence: 0.7,
			MinPriority:   models.PriorityMedium,
			Template: models.TaskConfig{
				SiteType:     models.SiteShopify,
				SiteName:     envOr("MONITOR_SOURCE", "default-store"),
				SiteURL:      os.Getenv("AUTO_TASK_SITE_URL"),
				ProfileID:    "demo",
				ProxyGroupID: "default",
				MaxRetries:   3,
				RetryOnError: true,
			},
		}
		if v := os.Getenv("AUTO_TASK_MIN_CONFIDENCE"); v != "" {
			fmt.Sscanf(v, "%f", &autoCfg.MinConfidence)
		}
		if _, err := scheduler.NewAutoTasker(autoCfg, sched).Subscribe(bus); err != nil {
			log.Printf("[phantom] failed to attach auto-task subscriber: %v", err)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	mux.Handle("/webhooks/payment-processor", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleWebhook(ingress, "payment-processor", w, r)
	}))

	mux.Handle("/debug/scheduler", middleware.AuthMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(sched.GetStats())
	})))
	mux.Handle("/debug/proxies", middleware.AuthMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(pool.GetStats("default"))
	})))
	mux.Handle("/debug/tasks/stop", middleware.AuthMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int{"stopped": sched.StopAll()})
	})))

	addr := envOr("PHANTOM_LISTEN_ADDR", ":8080")

	fmt.Println("==================================================")
	fmt.Println("PHANTOM checkout engine starting")
	fmt.Println("==================================================")
	fmt.Printf("Listen address:       %s\n", addr)
	fmt.Printf("Scheduler concurrency: %d\n", schedCfg.MaxConcurrency)
	fmt.Printf("Redis-backed durability: %v\n", idempotencyBackend != nil)
	fmt.Printf("Postgres task archive: %v\n", archive != nil)
	fmt.Printf("Active monitors:      %d\n", len(monitors))
	if token, err := auth.IssueToken("operator", 24*time.Hour); err == nil {
		fmt.Printf("Debug endpoint bearer token (24h): %s\n", token)
	} else {
		log.Printf("[phantom] failed to issue operator debug token: %v", err)
	}
	fmt.Println("==================================================")

	handler := middleware.CORSMiddleware(mux)
	log.Fatal(http.ListenAndServe(addr, handler))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// connectRedis returns nil interfaces (not a typed-nil *RedisBackend)
// when Redis is unavailable, so every caller's `!= nil` check behaves
// correctly instead of tripping the typed-nil-in-interface gotcha.
func connectRedis(ctx context.Context) (idempotency.Backend, store.Persister) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		log.Println("[phantom] REDIS_ADDR not set, running with in-memory idempotency/cookie persistence only")
		return nil, nil
	}
	backend, err := store.NewRedisBackend(ctx, addr, os.Getenv("REDIS_PASSWORD"), 0)
	if err != nil {
		log.Printf("[phantom] failed to connect to Redis at %s, falling back to in-memory: %v", addr, err)
		return nil, nil
	}
	log.Printf("[phantom] connected to Redis at %s", addr)
	return backend, store.NewRedisCookiePersister(backend, 24*time.Hour)
}

func connectArchive(ctx context.Context) *store.TaskArchive {
	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		return nil
	}
	archive, err := store.NewTaskArchive(ctx, dsn)
	if err != nil {
		log.Printf("[phantom] failed to connect to Postgres task archive: %v", err)
		return nil
	}
	log.Println("[phantom] connected to Postgres task archive")
	return archive
}

func adyenKey() *adyen.PublicKey {
	exp, mod := os.Getenv("ADYEN_PUBLIC_KEY_EXPONENT"), os.Getenv("ADYEN_PUBLIC_KEY_MODULUS")
	if exp == "" || mod == "" {
		return nil
	}
	key, err := adyen.ParseHexKey(exp, mod)
	if err != nil {
		log.Printf("[phantom] invalid ADYEN_PUBLIC_KEY_* pair: %v", err)
		return nil
	}
	return key
}

func handleWebhook(ingress *webhook.Ingress, source string, w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	signature := r.Header.Get("X-Signature")
	idempotencyKey := r.Header.Get("X-Idempotency-Key")

	event, err := ingress.Receive(r.Context(), source, payload, signature, idempotencyKey)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(event)
}

// logNotifier is the reference Notifier for the demo
// binary: every lifecycle event goes to the log, never blocking the
// caller. A real deployment wires its own Notifier (Discord/desktop/SMS).
type logNotifier struct{}

func (logNotifier) OnSuccess(task *models.Task, result *models.TaskResult) {
	log.Printf("[phantom] task %s succeeded: order=%s", task.ID[:8], result.OrderNumber)
}

func (logNotifier) OnDecline(task *models.Task, result *models.TaskResult) {
	log.Printf("[phantom] task %s declined: %s", task.ID[:8], result.ErrorMessage)
}

func (logNotifier) OnRestock(event models.ProductEvent) {
	log.Printf("[phantom] restock: %s (%v)", event.Observation.URL, event.Observation.Sizes)
}

func (logNotifier) OnCarted(task *models.Task, checkoutURL string) {
	log.Printf("[phantom] task %s carted: %s", task.ID[:8], checkoutURL)
}

// staticProfileStore is the reference ProfileStore: a
// fixed profile loaded from environment for the demo entrypoint. A
// real deployment wires its own ProfileStore backed by whatever
// database holds operator profiles; the core only ever calls Get.
type staticProfileStore struct {
	profiles map[string]*models.Profile
}

func newStaticProfileStore() *staticProfileStore {
	return &staticProfileStore{profiles: map[string]*models.Profile{
		"demo": {
			ID:    "demo",
			Email: envOr("DEMO_PROFILE_EMAIL", "buyer@example.com"),
			Shipping: models.Address{
				FirstName: "Jane", LastName: "Doe", Address1: "1 Main St",
				City: "Springfield", State: "IL", ZipCode: "62701", Country: "US",
			},
		},
	}}
}

func (s *staticProfileStore) Get(id string) *models.Profile {
	return s.profiles[id]
}

// shopifyExecutor adapts checkout/shopify's Engine to the Task
// Scheduler's Executor interface.
type shopifyExecutor struct {
	factory  *session.Factory
	pool     *proxypool.Pool
	cookies  *store.CookieStore
	profiles models.ProfileStore
}

func (e *shopifyExecutor) Execute(ctx context.Context, task *models.Task) (*models.TaskResult, error) {
	profile := e.profiles.Get(task.Config.ProfileID)
	if profile == nil {
		return &models.TaskResult{Success: false, ErrorMessage: "no profile configured for task", Timestamp: time.Now()}, nil
	}
	proxy := e.pool.GetProxy(task.Config.ProxyGroupID, task.ID, task.Config.SiteURL, models.RotationSmart)
	jar := e.cookies.Jar(task.ID)
	client := e.factory.New(task.ID, proxy, jar)

	engine := shopify.New(client)
	result, err := engine.Run(ctx, task.Config.SiteURL, task.Config.MonitorInput, task.Config.Sizes, profile, func(status models.TaskStatus, msg string) {
		task.UpdateStatus(status, msg)
	})
	e.cookies.Save(ctx, task.ID, task.Config.SiteURL, nil)
	return result, err
}

// footsitesExecutor adapts checkout/footsites' Engine the same way.
type footsitesExecutor struct {
	factory  *session.Factory
	pool     *proxypool.Pool
	cookies  *store.CookieStore
	profiles models.ProfileStore
	pubKey   *adyen.PublicKey
}

func (e *footsitesExecutor) Execute(ctx context.Context, task *models.Task) (*models.TaskResult, error) {
	profile := e.profiles.Get(task.Config.ProfileID)
	if profile == nil {
		return &models.TaskResult{Success: false, ErrorMessage: "no profile configured for task", Timestamp: time.Now()}, nil
	}
	brand, ok := footsites.Brands[task.Config.SiteName]
	if !ok {
		return &models.TaskResult{Success: false, ErrorMessage: fmt.Sprintf("unknown footsites brand %q", task.Config.SiteName), Timestamp: time.Now()}, nil
	}
	proxy := e.pool.GetProxy(task.Config.ProxyGroupID, task.ID, brand.Domain, models.RotationSmart)
	jar := e.cookies.Jar(task.ID)
	client := e.factory.New(task.ID, proxy, jar)

	size := ""
	if len(task.Config.Sizes) > 0 {
		size = task.Config.Sizes[0]
	}

	engine := footsites.New(client, brand, e.pubKey)
	result, err := engine.Run(ctx, task.Config.MonitorInput, size, profile, func(status models.TaskStatus, msg string) {
		task.UpdateStatus(status, msg)
	})
	e.cookies.Save(ctx, task.ID, brand.Domain, nil)
	return result, err
}
