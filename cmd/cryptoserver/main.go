package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"

	"github.com/jaydenbeard/titan-crypt/internal/adminapi"
	"github.com/jaydenbeard/titan-crypt/internal/broadcaster"
	"github.com/jaydenbeard/titan-crypt/internal/config"
	"github.com/jaydenbeard/titan-crypt/internal/cryptosession"
	"github.com/jaydenbeard/titan-crypt/internal/envelope"
	"github.com/jaydenbeard/titan-crypt/internal/gateway"
	"github.com/jaydenbeard/titan-crypt/internal/metrics"
	"github.com/jaydenbeard/titan-crypt/internal/rotation"
	"github.com/jaydenbeard/titan-crypt/internal/store"
	"github.com/jaydenbeard/titan-crypt/internal/transport"
)

// hubDispatcher wires one transport.Connection's inbound frames through
// the gateway and pushes sealed responses back out. It also unregisters
// the connection from the Broadcaster on disconnect; newWebSocketHandler
// registers it so the Rotation Driver and server-push code can reach it.
type hubDispatcher struct {
	userID string
	gw     *gateway.Gateway
	b      *broadcaster.Broadcaster
}

func (d *hubDispatcher) HandleFrame(connID string, data []byte) {
	env, err := envelope.DecodeJSON(data)
	if err != nil {
		log.Printf("cryptoserver: dropping malformed frame from %s: %v", connID, err)
		return
	}

	result, err := d.gw.DispatchEncrypted(context.Background(), d.userID, env)
	if err != nil {
		log.Printf("cryptoserver: dispatch failed for %s: %v", d.userID, err)
		return
	}
	if result == nil {
		return
	}

	wire, err := envelope.EncodeJSON(result)
	if err != nil {
		log.Printf("cryptoserver: failed to encode response for %s: %v", d.userID, err)
		return
	}
	_ = d.b.SendRaw(connID, wire)
}

func (d *hubDispatcher) HandleDisconnect(connID string) {
	d.b.Unregister(connID)
}

var errNoSubjectClaim = errors.New("cryptoserver: token carries no subject claim")

func extractToken(r *http.Request) string {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	if proto := r.Header.Get("Sec-WebSocket-Protocol"); proto != "" {
		parts := strings.Split(proto, ", ")
		if len(parts) == 2 && parts[0] == "Bearer" {
			return parts[1]
		}
	}
	return r.URL.Query().Get("token")
}

// userIDFromToken verifies tokenString against the JWT key manager's
// current secret, falling back to the previous one so connections made
// just before an admin-triggered RotateSecret aren't dropped mid-rotation.
func userIDFromToken(tokenString string) (string, error) {
	sub, err := subjectClaim(tokenString, config.GetCurrentSecret())
	if err == nil {
		return sub, nil
	}
	if previous := config.GetPreviousSecret(); previous != "" {
		if sub, err := subjectClaim(tokenString, previous); err == nil {
			return sub, nil
		}
	}
	return "", err
}

func subjectClaim(tokenString, secret string) (string, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return "", err
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", errNoSubjectClaim
	}
	return sub, nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return os.Getenv("DEV_MODE") == "true"
		}
		parsed, err := url.Parse(origin)
		return err == nil && parsed.Host != ""
	},
}

func newWebSocketHandler(gw *gateway.Gateway, b *broadcaster.Broadcaster) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" {
			http.Error(w, "authorization required", http.StatusUnauthorized)
			return
		}
		userID, err := userIDFromToken(token)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("cryptoserver: websocket upgrade failed: %v", err)
			return
		}

		connID := uuid.NewString()
		dispatcher := &hubDispatcher{userID: userID, gw: gw, b: b}
		wsConn := transport.NewConnection(connID, conn, dispatcher)
		b.Register(connID, userID, wsConn)

		go wsConn.WritePump()
		go wsConn.ReadPump()
	}
}

func buildStore(cfg *config.Config) store.StateStore {
	switch cfg.StoreKind {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisURL})
		if err := client.Ping(context.Background()).Err(); err != nil {
			log.Fatalf("FATAL: failed to connect to redis: %v", err)
		}
		return store.NewRedisStore(client)
	case "postgres":
		pg, err := store.NewPostgresStore(cfg.PostgresURL)
		if err != nil {
			log.Fatalf("FATAL: failed to connect to postgres: %v", err)
		}
		return pg
	case "sqlite":
		sl, err := store.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			log.Fatalf("FATAL: failed to open sqlite store: %v", err)
		}
		return sl
	default:
		return store.NewMemoryStore()
	}
}

func main() {
	cfg := config.Load()
	log.Printf("starting titan-crypt session core: %s", cfg.ServerID)

	baseStore := buildStore(cfg)
	sessionStore := baseStore
	if vc := config.GetVaultClient(); vc != nil {
		wrapped, err := store.NewVaultSigningKeyStore(baseStore, vc)
		if err != nil {
			log.Fatalf("FATAL: failed to wrap store with vault signing key store: %v", err)
		}
		sessionStore = wrapped
	}

	policy := cryptosession.Policy{
		RotationInterval:  time.Duration(cfg.Policy.RotationIntervalMinutes) * time.Minute,
		MaxMessagesPerKey: uint64(cfg.Policy.MaxMessagesPerKey),
		GracePeriod:       time.Duration(cfg.Policy.KeyRotationGracePeriodSec) * time.Second,
		ReplayWindow:      time.Duration(cfg.Policy.ReplayWindowSeconds) * time.Second,
		ClockSkew:         time.Duration(cfg.Policy.ClockSkewToleranceSeconds) * time.Second,
		SessionTTL:        time.Duration(cfg.Policy.SessionPersistenceTTLSeconds) * time.Second,
	}

	ctx := context.Background()
	manager, err := cryptosession.NewManager(ctx, sessionStore, policy)
	if err != nil {
		log.Fatalf("FATAL: failed to build session manager: %v", err)
	}
	if err := manager.LoadAll(ctx); err != nil {
		log.Printf("warning: failed to restore sessions at startup: %v", err)
	}

	b := broadcaster.New(manager, cfg.Policy.Enabled, cfg.Policy.Required, cfg.Policy.BroadcastMaxConcurrency)

	registry := gateway.NewHandlerRegistry(cfg.Policy.MetaHandlerAllowList...)
	gw := gateway.New(manager, registry, gateway.NewFilter(cfg.Policy.Enabled, cfg.Policy.Required))

	driver := rotation.New(manager, b, 30*time.Second)
	driver.Start()
	defer driver.Stop()

	router := mux.NewRouter()
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/ws", newWebSocketHandler(gw, b)).Methods(http.MethodGet)

	jwtSecret, err := config.GetJWTSecret()
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}
	admin := adminapi.New(manager, cfg.Policy, jwtSecret)
	admin.RegisterRoutes(router)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", "http://localhost:5173"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	})

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           metrics.HTTPMiddleware(corsHandler.Handler(router)),
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("titan-crypt listening on port %s", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Printf("received signal %v, shutting down", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("warning: server shutdown error: %v", err)
	}
	if err := sessionStore.Close(); err != nil {
		log.Printf("warning: store close error: %v", err)
	}
	log.Println("titan-crypt stopped")
}
