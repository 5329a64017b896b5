package cmd

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentbox/agentbox/internal/auth"
	"github.com/agentbox/agentbox/internal/backend"
	"github.com/agentbox/agentbox/internal/chat"
	"github.com/agentbox/agentbox/internal/db"
	"github.com/agentbox/agentbox/internal/runtime"
	"github.com/agentbox/agentbox/internal/sbx"
	"github.com/agentbox/agentbox/internal/server"
)

var (
	port        int
	dbURL       string
	dockerHost  string
	networkName string
	hostAddr    string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the agentbox HTTP server",
	Long:  `Start the API server that orchestrates sandboxes against a Docker daemon and mirrors agent chat history into PostgreSQL.`,
	Run: func(cmd *cobra.Command, args []string) {
		// Resolve DB URL from flag or env.
		if dbURL == "" {
			dbURL = os.Getenv("DATABASE_URL")
		}
		if dbURL == "" {
			log.Fatal("--db-url or DATABASE_URL is required")
		}

		ctx := context.Background()

		// Connect to PostgreSQL.
		database, err := db.Open(ctx, dbURL)
		if err != nil {
			log.Fatalf("Database connection failed: %v", err)
		}
		defer database.Close()
		log.Println("Connected to PostgreSQL")

		be, err := backend.NewDockerBackend(backend.DockerConfig{
			Host:        dockerHost,
			NetworkMode: networkName,
			HostAddr:    hostAddr,
		})
		if err != nil {
			log.Fatalf("Docker backend unavailable: %v", err)
		}
		defer be.Close()

		// Remove containers this server no longer knows about. Registry
		// records are the source of truth for what should survive a restart.
		recs, err := database.ListSandboxRecords()
		if err != nil {
			log.Printf("Warning: failed to load sandbox records: %v", err)
		}
		known := make([]string, 0, len(recs))
		for _, rec := range recs {
			known = append(known, rec.ID)
		}
		be.RemoveOrphans(ctx, known)

		if _, err := be.EnsureNetwork(ctx, networkName); err != nil {
			log.Fatalf("Network setup failed: %v", err)
		}
		log.Printf("Using Docker backend (network: %s)", networkName)

		manager := sbx.NewManager(be, database)

		agentToken := os.Getenv("AGENT_TOKEN")
		engine := chat.NewEngine(manager, database, func(rec *sbx.Record) (runtime.Client, error) {
			agentURL := rec.URLs["agent"]
			if agentURL == "" {
				return nil, fmt.Errorf("sandbox %s has no agent URL", rec.ID)
			}
			return runtime.NewHTTPClient(agentURL, agentToken), nil
		})

		srv := server.New(manager, database, engine)
		if token := os.Getenv("API_TOKEN"); token != "" {
			srv.Auth = auth.Bearer(token)
			log.Println("API token authentication enabled")
		}
		addr := fmt.Sprintf(":%d", port)
		httpServer := &http.Server{Addr: addr, Handler: srv.Router()}

		// Graceful shutdown on SIGTERM/SIGINT
		go func() {
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
			sig := <-sigCh
			log.Printf("Received %v, shutting down...", sig)
			httpServer.Shutdown(context.Background())
		}()

		log.Printf("Starting agentbox on %s", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err)
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().IntVarP(&port, "port", "p", 8080, "Port to listen on")
	serveCmd.Flags().StringVar(&dbURL, "db-url", "", "PostgreSQL connection URL (or use DATABASE_URL env)")
	serveCmd.Flags().StringVar(&dockerHost, "docker-host", "", "Docker daemon address (defaults to DOCKER_HOST env)")
	serveCmd.Flags().StringVar(&networkName, "network", "agentbox", "Docker network for sandboxes")
	serveCmd.Flags().StringVar(&hostAddr, "host-addr", "127.0.0.1", "Address callers use to reach published sandbox ports")
}
