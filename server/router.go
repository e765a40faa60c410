package server

import (
	"net/http"
	"time"

	"github.com/rs/cors"
)

func NewRouter(gateway *Gateway, allowedOrigins []string) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /ws", gateway.ServeWS)      // websocket upgrade
	mux.HandleFunc("GET /clients", gateway.Clients) // registry snapshot
	mux.HandleFunc("GET /healthz", gateway.Health)

	c := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet},
		AllowedHeaders: []string{"Authorization", "Authentication", "Content-Type"},
	})
	return c.Handler(mux)
}

func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
