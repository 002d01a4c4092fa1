package main

import (
	"crypto/tls"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"boardsync/api"
	"boardsync/realtime"
	"boardsync/session"
	"boardsync/storage"
)

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}

	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	tables := storage.Tables{
		Boards:      os.Getenv("BOARDS_TABLE"),
		Lists:       os.Getenv("LISTS_TABLE"),
		Cards:       os.Getenv("CARDS_TABLE"),
		Attachments: os.Getenv("ATTACHMENTS_TABLE"),
		Users:       os.Getenv("USERS_TABLE"),
		Members:     os.Getenv("MEMBERS_TABLE"),
	}
	activityQueue := os.Getenv("ACTIVITY_QUEUE")
	if connStr == "" || tables.Boards == "" || tables.Lists == "" || tables.Cards == "" ||
		tables.Attachments == "" || tables.Users == "" || tables.Members == "" || activityQueue == "" {
		log.Fatal("missing storage config")
	}
	store, err := storage.New(connStr, tables, activityQueue)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}

	redisConn := os.Getenv("REDIS_CONNECTION_STRING")
	if redisConn == "" {
		log.Fatal("missing redis config")
	}
	redisOpts, err := redis.ParseURL(redisConn)
	if err != nil {
		parts := strings.Split(redisConn, ",")
		redisOpts = &redis.Options{Addr: parts[0]}
		for _, p := range parts[1:] {
			kv := strings.SplitN(p, "=", 2)
			if len(kv) != 2 {
				continue
			}
			switch strings.ToLower(kv[0]) {
			case "password":
				redisOpts.Password = kv[1]
			case "ssl":
				if strings.ToLower(kv[1]) == "true" {
					redisOpts.TLSConfig = &tls.Config{}
				}
			}
		}
	}
	rc := redis.NewClient(redisOpts)

	cacheTTL := 5 * time.Minute
	if v := os.Getenv("BOARD_CACHE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			log.Fatalf("invalid BOARD_CACHE_TTL: %v", err)
		}
		cacheTTL = d
	}
	cached := storage.NewCache(store, rc, cacheTTL)

	sessionTTL := 7 * 24 * time.Hour
	if v := os.Getenv("SESSION_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			log.Fatalf("invalid SESSION_TTL: %v", err)
		}
		sessionTTL = d
	}
	sessions := session.New(rc, sessionTTL)

	var auth *api.Auth
	if strings.ToLower(os.Getenv("LOCAL_AUTH_MODE")) != "" {
		auth = api.NewAuth(nil, "", "", sessions, cached)
	} else {
		audience := os.Getenv("AUTH_AUDIENCE")
		authDomain := os.Getenv("AUTH_DOMAIN")
		if audience == "" || authDomain == "" {
			log.Fatal("missing auth config")
		}
		jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", authDomain)
		jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{})
		if err != nil {
			log.Fatalf("jwks: %v", err)
		}
		auth = api.NewAuth(jwks, audience, "https://"+authDomain+"/", sessions, cached)
	}

	var files api.FileRemover
	if root := os.Getenv("ATTACHMENT_ROOT"); root != "" {
		files = storage.DiskFiles{Root: root}
	}

	e := echo.New()
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))
	e.Use(echoprometheus.NewMiddleware("boardsync"))
	e.GET("/metrics", echoprometheus.NewHandler())

	logger := log.New()
	rooms := realtime.NewRegistry()
	activity := api.Register(e, cached, auth, rooms, files, logger)
	defer activity.Close()

	listenAddr := ":8080"
	if val, ok := os.LookupEnv("FUNCTIONS_CUSTOMHANDLER_PORT"); ok {
		listenAddr = ":" + val
	}

	e.Logger.Fatal(e.Start(listenAddr))
}
