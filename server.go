package main

import (
	"log"
	"net"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // Non-browser clients don't send Origin
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return u.Host == r.Host || allowedOrigin(origin)
	},
}

// frontendOrigin is set once at startup from configuration
var frontendOrigin string

func allowedOrigin(origin string) bool {
	return frontendOrigin != "" && origin == frontendOrigin
}

func extractIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// corsMiddleware allows the frontend origin to call the REST API
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (frontendOrigin == "" || origin == frontendOrigin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// SetupRoutes configures HTTP routes
func SetupRoutes(hub *Hub, frontendURL string) http.Handler {
	api := NewAPI(hub, frontendURL)
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", api.healthHandler)
	mux.HandleFunc("GET /api/leaderboard", api.leaderboardHandler)
	mux.HandleFunc("GET /api/stats", api.statsHandler)
	mux.HandleFunc("GET /api/player/{wallet}", api.playerGetHandler)
	mux.HandleFunc("POST /api/player", api.playerUpsertHandler)
	mux.HandleFunc("POST /api/feed", api.feedHandler)
	mux.HandleFunc("GET /api/feeds", api.feedsHandler)
	mux.HandleFunc("POST /api/register-referral", api.registerReferralHandler)
	mux.HandleFunc("GET /api/referrals/{wallet}", api.referralsHandler)
	mux.HandleFunc("GET /api/achievements/{wallet}", api.achievementsHandler)
	mux.HandleFunc("POST /api/check-achievements/{wallet}", api.checkAchievementsHandler)
	mux.HandleFunc("GET /api/daily-left/{wallet}", api.dailyLeftHandler)
	mux.HandleFunc("GET /api/refund-available/{wallet}", api.refundAvailableHandler)
	mux.HandleFunc("POST /api/request-refund", api.requestRefundHandler)
	mux.HandleFunc("GET /api/refund-requests", api.refundRequestsHandler)
	mux.HandleFunc("POST /api/refund-requests/{id}/resolve", api.resolveRefundHandler)
	mux.HandleFunc("POST /api/admin/login", api.adminLoginHandler)
	mux.HandleFunc("GET /api/referral-qr/{wallet}", api.referralQRHandler)

	// WebSocket endpoint for the race engine
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ip := extractIP(r)
		if !hub.CanAccept(ip) {
			http.Error(w, "too many connections", http.StatusServiceUnavailable)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("upgrade error: %v", err)
			return
		}

		hub.TrackConnect(ip)

		client := NewClient(hub, conn, ip)
		hub.register <- client

		go client.WritePump()
		go client.ReadPump()
	})

	return corsMiddleware(mux)
}
