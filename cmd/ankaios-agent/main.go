package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/containerd/containerd"
	"github.com/spf13/cobra"

	"github.com/cuemby/ankaios-agent/pkg/agent"
	"github.com/cuemby/ankaios-agent/pkg/controlapi"
	"github.com/cuemby/ankaios-agent/pkg/gateway"
	"github.com/cuemby/ankaios-agent/pkg/log"
	"github.com/cuemby/ankaios-agent/pkg/manager"
	"github.com/cuemby/ankaios-agent/pkg/metrics"
	"github.com/cuemby/ankaios-agent/pkg/runtime"
	"github.com/cuemby/ankaios-agent/pkg/serverlink"
	"github.com/cuemby/ankaios-agent/pkg/store"
	"github.com/cuemby/ankaios-agent/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ankaios-agent",
	Short: "Node-side workload orchestration agent",
	Long: `ankaios-agent runs on one node, takes workload assignments from a
server over a control connection, and drives a local container runtime
to create, monitor, restart and delete them.`,
	Version: Version,
	RunE:    runAgent,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"ankaios-agent version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	rootCmd.Flags().String("name", "", "This agent's name (required)")
	rootCmd.Flags().String("server-url", "", "Server gRPC address, e.g. server.example.com:443 (required)")
	rootCmd.Flags().Bool("insecure", false, "Dial the server without TLS (mutually exclusive with --ca-cert/--cert/--key)")
	rootCmd.Flags().String("ca-cert", "", "CA certificate used to verify the server")
	rootCmd.Flags().String("cert", "", "Client certificate presented to the server")
	rootCmd.Flags().String("key", "", "Client private key")
	rootCmd.Flags().String("run-directory", "/tmp/ankaios", "Directory this agent materializes workload files under")
	rootCmd.Flags().String("containerd-socket", runtime.DefaultSocketPath, "containerd socket path")
	rootCmd.Flags().String("metrics-addr", "127.0.0.1:9100", "Address the /metrics, /health, /ready and /live endpoints are served on")

	_ = rootCmd.MarkFlagRequired("name")
	_ = rootCmd.MarkFlagRequired("server-url")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func runAgent(cmd *cobra.Command, args []string) error {
	name, _ := cmd.Flags().GetString("name")
	serverURL, _ := cmd.Flags().GetString("server-url")
	insecure, _ := cmd.Flags().GetBool("insecure")
	caCert, _ := cmd.Flags().GetString("ca-cert")
	cert, _ := cmd.Flags().GetString("cert")
	key, _ := cmd.Flags().GetString("key")
	runDir, _ := cmd.Flags().GetString("run-directory")
	containerdSocket, _ := cmd.Flags().GetString("containerd-socket")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	metrics.SetVersion(Version)
	metrics.RegisterComponent("containerd", false, "initializing")
	metrics.RegisterComponent("serverlink", false, "initializing")
	metrics.RegisterComponent("gateway", true, "ready")

	agentName := types.AgentName(name)

	fmt.Printf("Starting ankaios-agent %q\n", name)
	fmt.Printf("  Server: %s\n", serverURL)
	fmt.Printf("  Run directory: %s\n", runDir)
	fmt.Printf("  Containerd socket: %s\n", containerdSocket)

	containerConn, err := runtime.NewContainerConnector(containerdSocket, runDir)
	if err != nil {
		metrics.RegisterComponent("containerd", false, err.Error())
		return fmt.Errorf("connect to containerd: %w", err)
	}

	podClient, err := containerd.New(containerdSocket)
	if err != nil {
		metrics.RegisterComponent("containerd", false, err.Error())
		return fmt.Errorf("connect to containerd for pod connector: %w", err)
	}
	podConn := runtime.NewPodConnector(podClient, runDir)
	metrics.RegisterComponent("containerd", true, "ready")

	st := store.New()
	mgr := manager.New(manager.Config{AgentName: agentName, RunDir: runDir}, st)
	mgr.RegisterConnector(containerConn)
	mgr.RegisterConnector(podConn)
	mgr.Start()
	defer mgr.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	linkCfg := serverlink.Config{
		ServerURL: serverURL,
		Insecure:  insecure,
		CACert:    caCert,
		Cert:      cert,
		Key:       key,
	}
	conn, err := serverlink.Dial(ctx, linkCfg)
	if err != nil {
		metrics.RegisterComponent("serverlink", false, err.Error())
		return fmt.Errorf("dial server: %w", err)
	}
	defer conn.Close()
	metrics.RegisterComponent("serverlink", true, "connected")

	// ag is forward-declared so the gateway's ServerSender adapter can
	// close over it before it exists: the gateway needs a sender at
	// construction time, and the agent needs the gateway at its own.
	var ag *agent.Agent
	gw := gateway.New(name, senderFunc(func(agentName string, req controlapi.ToAnkaios) error {
		return ag.SendRequest(agentName, req)
	}))
	mgr.SetGateway(gw)
	ag = agent.New(agentName, conn, mgr, gw, st)

	http.Handle("/metrics", metrics.Handler())
	http.HandleFunc("/health", metrics.HealthHandler())
	http.HandleFunc("/ready", metrics.ReadyHandler())
	http.HandleFunc("/live", metrics.LivenessHandler())
	go func() {
		if err := http.ListenAndServe(metricsAddr, nil); err != nil {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()
	fmt.Printf("  Metrics: http://%s/metrics\n", metricsAddr)
	fmt.Println()
	fmt.Println("Agent is running. Press Ctrl+C to stop.")

	runErr := make(chan error, 1)
	go func() { runErr <- ag.Run(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
		cancel()
		<-runErr
	case err := <-runErr:
		if err != nil {
			fmt.Printf("server link ended: %v\n", err)
		}
	}

	fmt.Println("Shutdown complete")
	return nil
}

type senderFunc func(agentName string, req controlapi.ToAnkaios) error

func (f senderFunc) SendRequest(agentName string, req controlapi.ToAnkaios) error {
	return f(agentName, req)
}
