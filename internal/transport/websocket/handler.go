package websocket

import (
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/ouyangCL/remote-build/internal/config"
	"github.com/ouyangCL/remote-build/internal/logger"
)

type Handler struct {
	hub      *Hub
	upgrader websocket.Upgrader
	cfg      *config.Config
	log      logger.Logger
}

func NewHandler(hub *Hub, cfg *config.Config, log logger.Logger) *Handler {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}

			allowed := slices.Contains(cfg.AllowedOrigins, origin)
			if !allowed {
				log.Warn("ws origin rejected", "origin", origin)
			}
			return allowed
		},
	}

	return &Handler{
		hub:      hub,
		upgrader: upgrader,
		cfg:      cfg,
		log:      log,
	}
}

// Serve upgrades the connection and subscribes it to one deployment's
// push channel. The token travels in the Authorization header or, for
// browser clients that cannot set headers on a websocket, in the token
// query parameter.
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request) {
	deploymentID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid deployment id", http.StatusBadRequest)
		return
	}

	if !h.authorized(r) {
		h.log.Warn("ws unauthorized: no valid credentials")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("ws upgrade failed", "error", err)
		return
	}

	client := NewClient(h.hub, conn, h.log, channelName(deploymentID))
	h.hub.register <- client

	go client.writePump()
	go client.readPump()

	h.log.Info("ws client connected", "deployment_id", deploymentID, "remote_addr", conn.RemoteAddr())
}

func (h *Handler) authorized(r *http.Request) bool {
	raw := ""
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		raw = strings.TrimPrefix(header, "Bearer ")
	}
	if raw == "" {
		raw = r.URL.Query().Get("token")
	}
	if raw == "" {
		return false
	}

	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(h.cfg.JWTSecret), nil
	})
	return err == nil && token.Valid
}
