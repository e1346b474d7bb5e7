package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"taskbot-api/api"
	"taskbot-api/domain"
	"taskbot-api/storage"
)

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}

	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	tasksTableName := os.Getenv("TASKS_TABLE")
	eventsQueueName := os.Getenv("TASK_EVENTS_QUEUE")
	if connStr == "" || tasksTableName == "" || eventsQueueName == "" {
		log.Fatal("missing storage config")
	}
	opTimeout := 10 * time.Second
	if v := os.Getenv("STORAGE_OP_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			log.Fatalf("invalid STORAGE_OP_TIMEOUT: %v", err)
		}
		opTimeout = d
	}
	store, err := storage.New(connStr, tasksTableName, eventsQueueName, opTimeout)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}

	var st domain.TaskStorage = store
	if redisConn := os.Getenv("REDIS_CONNECTION_STRING"); redisConn != "" {
		ttl := 5 * time.Minute
		if v := os.Getenv("TASKS_CACHE_TTL"); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil || d <= 0 {
				log.Fatalf("invalid TASKS_CACHE_TTL: %v", err)
			}
			ttl = d
		}
		st = storage.NewCache(store, redis.NewClient(redisOptions(redisConn)), ttl)
		log.Info("task list cache enabled")
	}

	titleMax := envLimit("TASK_TITLE_MAX", domain.DefaultMaxTitleLen)
	descriptionMax := envLimit("TASK_DESCRIPTION_MAX", domain.DefaultMaxDescriptionLen)
	svc := domain.NewTaskService(st, titleMax, descriptionMax)

	auth, err := newAuthenticator()
	if err != nil {
		log.Fatalf("auth: %v", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))
	e.Use(echoprometheus.NewMiddleware("taskbot"))
	e.GET("/metrics", echoprometheus.NewHandler())

	logger := log.New()
	api.Register(e, svc, auth, store, logger)

	mountWebApp(e)

	listenAddr := ":8080"
	if val, ok := os.LookupEnv("PORT"); ok {
		listenAddr = ":" + val
	}

	go func() {
		if err := e.Start(listenAddr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		log.Errorf("shutdown: %v", err)
	}
	api.Shutdown()
}

// newAuthenticator selects the identity mechanism from AUTH_MODE:
// "telegram" (default) validates Mini App init data against the bot token,
// "jwt" validates bearer tokens against a JWKS, "local" validates HS256
// tokens with a shared secret for local runs.
func newAuthenticator() (api.Authenticator, error) {
	switch mode := strings.ToLower(os.Getenv("AUTH_MODE")); mode {
	case "", "telegram":
		botToken := os.Getenv("TELEGRAM_BOT_TOKEN")
		if botToken == "" {
			return nil, fmt.Errorf("missing TELEGRAM_BOT_TOKEN")
		}
		maxAge := 24 * time.Hour
		if v := os.Getenv("INITDATA_MAX_AGE"); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, fmt.Errorf("invalid INITDATA_MAX_AGE: %v", err)
			}
			maxAge = d
		}
		return api.NewTelegramAuth(botToken, maxAge), nil
	case "jwt":
		audience := os.Getenv("JWT_AUDIENCE")
		authDomain := os.Getenv("JWT_DOMAIN")
		if audience == "" || authDomain == "" {
			return nil, fmt.Errorf("missing JWT config")
		}
		jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", authDomain)
		jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{})
		if err != nil {
			return nil, fmt.Errorf("jwks: %v", err)
		}
		return api.NewAuth(jwks, audience, "https://"+authDomain+"/"), nil
	case "local":
		secret := os.Getenv("LOCAL_AUTH_SHARED_SECRET")
		if secret == "" {
			return nil, fmt.Errorf("missing LOCAL_AUTH_SHARED_SECRET")
		}
		return api.NewLocalAuth([]byte(secret)), nil
	default:
		return nil, fmt.Errorf("unsupported AUTH_MODE %q", mode)
	}
}

// redisOptions accepts either a redis URL or the Azure "host,key=value"
// connection string format.
func redisOptions(connStr string) *redis.Options {
	opts, err := redis.ParseURL(connStr)
	if err == nil {
		return opts
	}
	parts := strings.Split(connStr, ",")
	opts = &redis.Options{Addr: parts[0]}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(kv[0]) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.ToLower(kv[1]) == "true" {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts
}

// mountWebApp serves the bundled Mini App frontend when one is present.
// The candidate directories mirror where the build pipeline may have left
// the bundle.
func mountWebApp(e *echo.Echo) {
	candidates := []string{"webapp_dist", "webapp/dist", "webapp"}
	if dir := os.Getenv("WEBAPP_DIR"); dir != "" {
		candidates = []string{dir}
	}
	for _, dir := range candidates {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			continue
		}
		e.Use(middleware.StaticWithConfig(middleware.StaticConfig{
			Root:  dir,
			Index: "index.html",
			HTML5: true,
		}))
		log.Infof("serving webapp from %s", dir)
		return
	}
}

func envLimit(name string, def int) int {
	if v := os.Getenv(name); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			log.Fatalf("invalid %s: must be a positive integer", name)
		}
		return n
	}
	return def
}
