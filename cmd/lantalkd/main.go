// Package main provides the LAN messaging daemon with its HTTP control API
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/lantalk/lantalk-node/pkg/api"
	"github.com/lantalk/lantalk-node/pkg/config"
	"github.com/lantalk/lantalk-node/pkg/node"
	"github.com/lantalk/lantalk-node/pkg/storage"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", config.DefaultPath(), "Configuration file (YAML)")
	port := flag.Int("port", 0, "UDP messaging port (overrides config)")
	apiPort := flag.Int("api-port", 0, "HTTP control API port (overrides config)")
	nickname := flag.String("nickname", "", "Display name announced to peers (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path, empty disables persistence")
	dbPassword := flag.String("db-password", "", "Password deriving the at-rest encryption key")
	downloadDir := flag.String("downloads", "", "Directory for accepted file transfers (overrides config)")

	flag.Parse()

	fmt.Println("🚀 LanTalk Node")
	fmt.Println("===============")
	fmt.Println()

	file, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config %s: %v", *configPath, err)
	}

	nodeCfg, err := file.NodeConfig()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if *port > 0 {
		nodeCfg.Port = *port
	}
	if *nickname != "" {
		nodeCfg.Nickname = *nickname
	}
	if *downloadDir != "" {
		nodeCfg.DownloadDir = *downloadDir
	}

	// Open persistence when a database path is configured
	var store *storage.Store
	path := *dbPath
	if path == "" {
		path = file.Database
	}
	if path != "" {
		password := *dbPassword
		if password == "" {
			password = file.Password
		}
		fmt.Printf("💾 Opening database %s...\n", path)
		store, err = storage.Open(path, password)
		if err != nil {
			log.Fatalf("Failed to open database: %v", err)
		}
		defer store.Close()
	}

	// Start the messaging engine
	fmt.Printf("📡 Starting node as %s on UDP port %d...\n", nodeCfg.Nickname, nodeCfg.Port)
	n, err := node.New(nodeCfg, store, nil)
	if err != nil {
		log.Fatalf("Failed to create node: %v", err)
	}
	if err := n.Start(); err != nil {
		log.Fatalf("Failed to start node: %v", err)
	}

	// Display node info
	fmt.Println()
	fmt.Println("Node Information:")
	fmt.Printf("  User: %s@%s\n", nodeCfg.Username, nodeCfg.Hostname)
	fmt.Printf("  UDP port: %d\n", n.Port())
	fmt.Printf("  Downloads: %s\n", nodeCfg.DownloadDir)
	if store != nil {
		fmt.Printf("  Database: %s\n", path)
	}
	fmt.Println()

	// Start the HTTP control API
	apiCfg := file.APIConfig()
	if *apiPort > 0 {
		apiCfg.Port = *apiPort
	}
	fmt.Printf("🌐 Starting HTTP control API on port %d...\n", apiCfg.Port)

	apiServer := api.NewServer(n, apiCfg)

	apiCtx, apiCancel := context.WithCancel(context.Background())
	defer apiCancel()

	go func() {
		if err := apiServer.Start(apiCtx); err != nil {
			log.Printf("API server error: %v", err)
		}
	}()

	fmt.Println()
	fmt.Println("✅ Node is ready!")
	fmt.Println()
	fmt.Println("API Endpoints:")
	fmt.Printf("  GET    http://localhost:%d/api/v1/status\n", apiCfg.Port)
	fmt.Printf("  GET    http://localhost:%d/api/v1/peers\n", apiCfg.Port)
	fmt.Printf("  GET    http://localhost:%d/api/v1/peers/online\n", apiCfg.Port)
	fmt.Printf("  POST   http://localhost:%d/api/v1/messages\n", apiCfg.Port)
	fmt.Printf("  GET    http://localhost:%d/api/v1/messages/:ip\n", apiCfg.Port)
	fmt.Printf("  GET    http://localhost:%d/api/v1/transfers\n", apiCfg.Port)
	fmt.Printf("  POST   http://localhost:%d/api/v1/transfers\n", apiCfg.Port)
	fmt.Printf("  GET    http://localhost:%d/api/v1/offers\n", apiCfg.Port)
	fmt.Printf("  POST   http://localhost:%d/api/v1/offers/:id/decision\n", apiCfg.Port)
	fmt.Printf("  GET    http://localhost:%d/health\n", apiCfg.Port)
	fmt.Println()

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	<-sigCh

	fmt.Println("\n🛑 Shutting down...")

	apiCancel()
	n.Stop()

	fmt.Println("👋 Goodbye!")
}
