package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	"github.com/spf13/pflag"

	"github.com/meridian-social/meridian-chat/auth"
	"github.com/meridian-social/meridian-chat/cleanup"
	"github.com/meridian-social/meridian-chat/config"
	"github.com/meridian-social/meridian-chat/globals"
	"github.com/meridian-social/meridian-chat/notify"
	"github.com/meridian-social/meridian-chat/persistence"
	"github.com/meridian-social/meridian-chat/ws"
)

var (
	configPath = pflag.StringP("config", "c", "", "path to config file or directory")
	addr       = pflag.String("addr", "localhost:8000", "service address (including port)")
	sslCert    = pflag.String("ssl-cert", "", "SSL cert (optional)")
	sslKey     = pflag.String("ssl-key", "", "SSL key (optional)")

	upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
)

func main() {
	pflag.CommandLine.AddFlagSet(config.GetFlagSet())
	pflag.Parse()

	cfg, err := config.ReadConfiguration(*configPath, pflag.CommandLine)
	if err != nil {
		globals.AppLogger.Error("could not read configuration", "error", err)
		os.Exit(1)
	}
	if cfg.LogLevel != "" {
		globals.AppLogger.SetLevel(hclog.LevelFromString(cfg.LogLevel))
	}

	verifier, err := buildVerifier(cfg)
	if err != nil {
		globals.AppLogger.Error("could not set up authentication", "error", err)
		os.Exit(1)
	}

	store, err := persistence.NewStore(cfg)
	if err != nil {
		globals.AppLogger.Error("could not open persistence", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	hub := ws.NewHub(cfg, store)
	notifier := notify.NewService(store, hub)

	sweeper := cleanup.NewSweeper(cfg, store)
	if err := sweeper.Start(); err != nil {
		globals.AppLogger.Error("could not start expiry sweeps", "error", err)
		os.Exit(1)
	}
	defer sweeper.Stop()

	router := mux.NewRouter()
	router.HandleFunc("/ws", websocketHandler(cfg, verifier, hub)).Methods(http.MethodGet)
	router.HandleFunc("/healthz", healthzHandler(hub, store)).Methods(http.MethodGet)
	router.HandleFunc("/internal/notify", notifyHandler(notifier)).Methods(http.MethodPost)

	server := &http.Server{Addr: *addr, Handler: router}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		globals.AppLogger.Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			globals.AppLogger.Error("shutdown error", "error", err)
		}
	}()

	globals.AppLogger.Info("listening", "addr", *addr)
	if *sslCert != "" && *sslKey != "" {
		err = server.ListenAndServeTLS(*sslCert, *sslKey)
	} else {
		err = server.ListenAndServe()
	}
	if err != nil && err != http.ErrServerClosed {
		globals.AppLogger.Error("stopped listening", "error", err)
		os.Exit(1)
	}
}

// buildVerifier assembles the verifier chain from the auth configuration:
// HS256 JWT if a secret is configured, OIDC providers if any are configured,
// wrapped in an LRU cache when a cache size is set.
func buildVerifier(cfg *config.Config) (auth.Verifier, error) {
	chain := auth.Chain{}
	if cfg.AuthConfig.JwtSecret != "" {
		chain = append(chain, auth.NewJWTVerifier(cfg.AuthConfig.JwtSecret))
	}
	if len(cfg.AuthConfig.OIDCConfigs) > 0 {
		chain = append(chain, auth.NewOIDCVerifier(cfg.AuthConfig.OIDCConfigs))
	}
	if len(chain) == 0 {
		return nil, auth.ErrAuthentication
	}
	var verifier auth.Verifier = chain
	if cfg.AuthConfig.CacheSize > 0 {
		cached, err := auth.NewCachingVerifier(verifier, cfg.AuthConfig.CacheSize)
		if err != nil {
			return nil, err
		}
		verifier = cached
	}
	return verifier, nil
}

// bearerToken extracts the credential from the request: an Authorization
// bearer header, the second value of a "bearer, <token>" websocket
// subprotocol list (the only way browsers can pass a header on upgrade), or
// a token query parameter.
func bearerToken(r *http.Request) (token string, viaSubprotocol bool) {
	if h := r.Header.Get("Authorization"); h != "" {
		if strings.HasPrefix(strings.ToLower(h), "bearer ") {
			return strings.TrimSpace(h[len("bearer "):]), false
		}
	}
	for _, h := range r.Header.Values("Sec-WebSocket-Protocol") {
		parts := strings.Split(h, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		if len(parts) == 2 && parts[0] == "bearer" {
			return parts[1], true
		}
	}
	return r.URL.Query().Get("token"), false
}

// websocketHandler authenticates the connection and hands it to the hub. The
// credential is verified before the upgrade, a connection without a valid
// token never processes a single event.
func websocketHandler(cfg *config.Config, verifier auth.Verifier, hub *ws.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, viaSubprotocol := bearerToken(r)
		if token == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		identity, err := verifier.Verify(r.Context(), token)
		if err != nil {
			globals.AppLogger.Info("rejected connection", "error", err)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		var responseHeader http.Header
		if viaSubprotocol {
			responseHeader = http.Header{"Sec-WebSocket-Protocol": []string{"bearer"}}
		}
		conn, err := upgrader.Upgrade(w, r, responseHeader)
		if err != nil {
			globals.AppLogger.Error("websocket upgrade error", "error", err)
			return
		}

		client := ws.NewClient(hub, conn, identity)
		hub.Register(client)
		globals.AppLogger.Info("client connected", "user", identity.UserID)

		go client.WriteLoop()
		go client.ReadLoop()
	}
}

func healthzHandler(hub *ws.Hub, store persistence.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rooms, err := store.ActiveRooms(r.Context())
		if err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status":      "ok",
			"clients":     hub.NumClients(),
			"activeRooms": len(rooms),
		})
	}
}

type notifyRequest struct {
	Recipient string `json:"recipient"`
	Sender    string `json:"sender"`
	Type      string `json:"type"`
	Message   string `json:"message"`
	RelatedId string `json:"relatedId"`
}

// notifyHandler lets the surrounding HTTP application (follows, nearby
// users) feed events into the aggregator. It is meant to be exposed on an
// internal listener only.
func notifyHandler(notifier *notify.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := notifyRequest{}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if req.Recipient == "" || req.Type == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		notification, err := notifier.Notify(r.Context(), req.Recipient, req.Sender, req.Type, req.Message, req.RelatedId)
		if err != nil {
			globals.AppLogger.Error("could not record notification", "error", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(notification)
	}
}
