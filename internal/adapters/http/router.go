package http

import (
	"net/http"
	"time"

	"github.com/ouyangCL/remote-build/internal/config"
	"github.com/ouyangCL/remote-build/internal/transport/websocket"
)

type RouterDeps struct {
	Deployment *DeploymentHandler
	Ws         *websocket.Handler
}

func NewRouter(cfg *config.Config, deps *RouterDeps) http.Handler {
	mux := http.NewServeMux()

	authStack := NewStack()
	authStack.Use(JWT(cfg.JWTSecret))

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})

	mux.HandleFunc("GET /ws/deployments/{id}", deps.Ws.Serve)

	mux.Handle("GET /deployments", authStack.Then(http.HandlerFunc(deps.Deployment.Index)))
	mux.Handle("POST /deployments", authStack.Then(http.HandlerFunc(deps.Deployment.Store)))
	mux.Handle("POST /deployments/upload", authStack.Then(http.HandlerFunc(deps.Deployment.StoreUpload)))
	mux.Handle("GET /deployments/{id}", authStack.Then(http.HandlerFunc(deps.Deployment.Show)))
	mux.Handle("GET /deployments/{id}/logs", authStack.Then(http.HandlerFunc(deps.Deployment.Logs)))
	mux.Handle("POST /deployments/{id}/cancel", authStack.Then(http.HandlerFunc(deps.Deployment.Cancel)))
	mux.Handle("POST /deployments/{id}/rollback", authStack.Then(http.HandlerFunc(deps.Deployment.Rollback)))

	return CORS(cfg)(mux)
}

func NewServer(handler http.Handler, address string) *http.Server {
	return &http.Server{
		Addr:              address,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
