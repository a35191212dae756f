package main

import (
	"flag"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
)

func main() {
	addr := flag.String("addr", ":8080", "HTTP listen address")
	dbPath := flag.String("db", "gluttons.db", "Path to the SQLite database")
	flag.Parse()

	rpcURL := os.Getenv("GOR_RPC")
	if rpcURL == "" {
		rpcURL = "https://rpc.gorbagana.wtf"
	}
	treasurySecret := os.Getenv("RACE_TREASURY_SECRET")
	if treasurySecret == "" {
		log.Fatal("RACE_TREASURY_SECRET is required")
	}
	adminPassword := os.Getenv("ADMIN_PASSWORD")
	if adminPassword == "" {
		log.Fatal("ADMIN_PASSWORD is required")
	}
	frontendURL := os.Getenv("FRONTEND_URL")
	if frontendURL != "" {
		if u, err := url.Parse(frontendURL); err == nil && u.Host != "" {
			frontendOrigin = u.Scheme + "://" + u.Host
		}
	}

	cfg := DefaultRaceConfig()
	if v := os.Getenv("ENTRY_FEE_LAMPORTS"); v != "" {
		fee, err := strconv.ParseInt(v, 10, 64)
		if err != nil || fee <= 0 {
			log.Fatalf("invalid ENTRY_FEE_LAMPORTS: %q", v)
		}
		cfg.BaseEntryFee = fee
	}

	db, err := OpenDB(*dbPath)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	chain, err := NewRPCClient(rpcURL, treasurySecret)
	if err != nil {
		log.Fatalf("chain client: %v", err)
	}

	hub := NewHub(db, chain, cfg, adminPassword)
	go hub.Run()

	handler := SetupRoutes(hub, frontendURL)

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	server := &http.Server{Addr: *addr, Handler: handler}

	go func() {
		log.Printf("Server starting on %s", *addr)
		log.Printf("Treasury address: %s", chain.TreasuryAddress())
		log.Printf("RPC endpoint: %s", rpcURL)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("ListenAndServe: %v", err)
		}
	}()

	<-stop
	log.Println("Shutting down...")
	hub.Stop()
	server.Close()
}
