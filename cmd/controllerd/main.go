package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cuemby/controllerd/pkg/agentqueue"
	"github.com/cuemby/controllerd/pkg/backup"
	"github.com/cuemby/controllerd/pkg/clusterstate"
	"github.com/cuemby/controllerd/pkg/license"
	"github.com/cuemby/controllerd/pkg/log"
	"github.com/cuemby/controllerd/pkg/metrics"
	"github.com/cuemby/controllerd/pkg/powersave"
	"github.com/cuemby/controllerd/pkg/reconciler"
	"github.com/cuemby/controllerd/pkg/rpc"
	"github.com/cuemby/controllerd/pkg/scheduler"
	"github.com/cuemby/controllerd/pkg/types"
	"github.com/spf13/cobra"
)

var (
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
	Use:   "controllerd",
	Short: "Cluster workload manager control daemon",
	Long: `controllerd is the control-plane daemon for a Slurm-like cluster
workload manager: cluster state, license accounting, node selection,
power-save suspend/resume, accounting forwarding, and primary/backup
failover, all behind one mTLS RPC surface.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"controllerd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("controllerd version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the control daemon",
	RunE:  runDaemon,
}

func init() {
	runCmd.Flags().String("node-id", "", "Unique node ID (defaults to hostname)")
	runCmd.Flags().String("bind-addr", "127.0.0.1:7946", "Raft transport address")
	runCmd.Flags().String("rpc-addr", "127.0.0.1:7947", "Control RPC (mTLS) listen address")
	runCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Metrics/health HTTP listen address")
	runCmd.Flags().String("data-dir", "./controllerd-data", "Data directory for cluster state")
	runCmd.Flags().Bool("bootstrap", false, "Bootstrap a new cluster with this node as the first member")
	runCmd.Flags().String("join-leader", "", "RPC address of an existing controller to join")

	runCmd.Flags().Int32("backup-index", 0, "This controller's position in the primary/backup failover order (0 = primary)")
	runCmd.Flags().StringSlice("peer", nil, "Backup peer as index=rpc-addr, repeatable")
	runCmd.Flags().String("heartbeat-path", "", "Heartbeat file path (defaults to <data-dir>/heartbeat)")
	runCmd.Flags().Duration("heartbeat-interval", 2*time.Second, "Primary heartbeat write interval")
	runCmd.Flags().Duration("ping-interval", time.Second, "Standby ping interval against higher-priority peers")
	runCmd.Flags().Duration("controller-timeout", 30*time.Second, "Time a standby waits before taking over")
	runCmd.Flags().Duration("control-timeout", 5*time.Second, "Time to wait for a commanded peer to relinquish control")

	runCmd.Flags().String("dbd-addr", "", "Accounting database RPC address; empty disables accounting forwarding")
	runCmd.Flags().String("accounting-state-file", "", "Accounting queue state file (defaults to <data-dir>/accounting.queue)")

	runCmd.Flags().String("suspend-program", "", "Script invoked to power down idle nodes")
	runCmd.Flags().String("resume-program", "", "Script invoked to power up allocated nodes")
	runCmd.Flags().String("resume-fail-program", "", "Script invoked when a resume times out")
	runCmd.Flags().Int("suspend-rate", 0, "Nodes suspended per minute (values below 1 are treated as 1)")
	runCmd.Flags().Int("resume-rate", 0, "Nodes resumed per minute (values below 1 are treated as 1)")
	runCmd.Flags().Duration("suspend-time", 10*time.Minute, "Idle time before a node becomes suspend-eligible")
	runCmd.Flags().Duration("power-save-interval", time.Minute, "Suspend/resume cycle period")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	logger := log.WithComponent("controllerd")

	nodeID, _ := cmd.Flags().GetString("node-id")
	if nodeID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("resolve node id: %w", err)
		}
		nodeID = hostname
	}
	bindAddr, _ := cmd.Flags().GetString("bind-addr")
	rpcAddr, _ := cmd.Flags().GetString("rpc-addr")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	bootstrap, _ := cmd.Flags().GetBool("bootstrap")
	joinLeader, _ := cmd.Flags().GetString("join-leader")

	if !bootstrap && joinLeader == "" {
		return fmt.Errorf("either --bootstrap or --join-leader is required")
	}

	cs, err := clusterstate.New(&clusterstate.Config{NodeID: nodeID, BindAddr: bindAddr, DataDir: dataDir})
	if err != nil {
		return fmt.Errorf("create cluster state: %w", err)
	}

	if bootstrap {
		if err := cs.Bootstrap(); err != nil {
			return fmt.Errorf("bootstrap cluster: %w", err)
		}
		logger.Info().Str("node", nodeID).Msg("bootstrapped cluster")
	} else {
		joinFn := rpc.NewJoinHandler(joinLeader, cs.CA, nodeID)
		if err := cs.Join(joinLeader, joinFn); err != nil {
			return fmt.Errorf("join cluster via %s: %w", joinLeader, err)
		}
		logger.Info().Str("node", nodeID).Str("leader", joinLeader).Msg("joined cluster")
	}

	ledger := license.New(cs)
	if err := restoreLicenseUsage(cs, ledger); err != nil {
		return fmt.Errorf("restore license usage: %w", err)
	}
	sched := scheduler.New(cs, ledger, nil, nil)
	recon := reconciler.NewReconciler(cs)

	suspendProgram, _ := cmd.Flags().GetString("suspend-program")
	resumeProgram, _ := cmd.Flags().GetString("resume-program")
	resumeFailProgram, _ := cmd.Flags().GetString("resume-fail-program")
	suspendRate, _ := cmd.Flags().GetInt("suspend-rate")
	resumeRate, _ := cmd.Flags().GetInt("resume-rate")
	suspendTime, _ := cmd.Flags().GetDuration("suspend-time")
	powerSaveInterval, _ := cmd.Flags().GetDuration("power-save-interval")

	ps := powersave.New(cs, powersave.Config{
		SuspendProgram:    suspendProgram,
		ResumeProgram:     resumeProgram,
		ResumeFailProgram: resumeFailProgram,
		SuspendTime:       suspendTime,
		SuspendRate:       suspendRate,
		ResumeRate:        resumeRate,
		PowerSaveInterval: powerSaveInterval,
	}, nil)

	var aq *agentqueue.Agent
	dbdAddr, _ := cmd.Flags().GetString("dbd-addr")
	if dbdAddr != "" {
		statePath, _ := cmd.Flags().GetString("accounting-state-file")
		if statePath == "" {
			statePath = filepath.Join(dataDir, "accounting.queue")
		}
		transport := agentqueue.NewGRPCTransport(dbdAddr, cs.CA, nodeID, 1)
		aq = agentqueue.New(agentqueue.Config{StatePath: statePath, RPCVersion: 1}, transport)
	}

	backupIndex, _ := cmd.Flags().GetInt32("backup-index")
	peerFlags, _ := cmd.Flags().GetStringSlice("peer")
	peers, err := parsePeers(peerFlags)
	if err != nil {
		return fmt.Errorf("parse --peer: %w", err)
	}
	heartbeatPath, _ := cmd.Flags().GetString("heartbeat-path")
	if heartbeatPath == "" {
		heartbeatPath = filepath.Join(dataDir, "heartbeat")
	}
	heartbeatInterval, _ := cmd.Flags().GetDuration("heartbeat-interval")
	pingInterval, _ := cmd.Flags().GetDuration("ping-interval")
	controllerTimeout, _ := cmd.Flags().GetDuration("controller-timeout")
	controlTimeout, _ := cmd.Flags().GetDuration("control-timeout")

	bc := backup.New(backup.Config{
		MyIndex:           backupIndex,
		Peers:             peers,
		HeartbeatPath:     heartbeatPath,
		HeartbeatInterval: heartbeatInterval,
		PingInterval:      pingInterval,
		ControllerTimeout: controllerTimeout,
		ControlTimeout:    controlTimeout,
		Dial:              backup.NewRPCDialer(cs.CA, nodeID),
	})

	startPrimaryDuties := func() error {
		sched.Start()
		recon.Start()
		ps.Start()
		if aq != nil {
			aq.Start()
		}
		logger.Info().Msg("primary duties started")
		return nil
	}
	bc.OnTakeover(startPrimaryDuties)
	if bc.IsPrimary() {
		if err := startPrimaryDuties(); err != nil {
			return err
		}
	}
	bc.Start()

	var accountingSink rpc.AccountingSink
	if aq != nil {
		accountingSink = aq
	}
	handler := rpc.NewHandler(cs, nodeID, bc, accountingSink)
	handler.OnShutdown = func(core bool) error {
		logger.Info().Bool("core", core).Msg("shutdown requested over rpc")
		go func() { _ = syscallSelfTerm() }()
		return nil
	}
	handler.OnTakeover = func() error {
		return bc.ForceTakeover()
	}
	handler.OnControl = func(newPrimaryIndex int32) error {
		logger.Warn().Int32("new_primary", newPrimaryIndex).Msg("asked to relinquish control, no demotion path implemented")
		return nil
	}

	dnsNames, ipAddresses := splitHostForCert(rpcAddr)
	server, err := rpc.NewServer(cs.CA, nodeID, dnsNames, ipAddresses, handler)
	if err != nil {
		return fmt.Errorf("create rpc server: %w", err)
	}
	serverErrCh := make(chan error, 1)
	go func() {
		if err := server.Serve(rpcAddr); err != nil {
			serverErrCh <- fmt.Errorf("rpc server error: %w", err)
		}
	}()

	collector := metrics.NewCollector(cs)
	collector.Start()
	metrics.SetVersion(Version)
	metrics.RegisterComponent("raft", true, "started")
	metrics.RegisterComponent("rpc", true, "listening")

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())
	go func() {
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()
	logger.Info().Str("addr", metricsAddr).Msg("metrics endpoint listening")
	logger.Info().Str("addr", rpcAddr).Msg("control rpc listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutting down")
	case err := <-serverErrCh:
		logger.Error().Err(err).Msg("shutting down after rpc server failure")
	}

	server.Stop()
	bc.Stop()
	if aq != nil {
		aq.Stop()
	}
	sched.Stop()
	recon.Stop()
	ps.Stop()
	collector.Stop()
	if err := cs.Shutdown(); err != nil {
		return fmt.Errorf("shutdown cluster state: %w", err)
	}

	logger.Info().Msg("shutdown complete")
	return nil
}

// restoreLicenseUsage replays the license request of every RUNNING job
// recovered from persisted cluster state through the ledger, so its
// in-memory used/deficit accounting reflects jobs that survived a
// restart rather than starting from the raw snapshot values alone.
func restoreLicenseUsage(cs *clusterstate.ClusterState, ledger *license.Ledger) error {
	jobs, err := cs.Store().ListJobs()
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if job.State != types.JobStateRunning || job.Details == nil || job.Details.LicenseRequest == "" {
			continue
		}
		if err := ledger.RestoreJob(job); err != nil {
			return fmt.Errorf("restore licenses for job %d: %w", job.ID, err)
		}
	}
	return nil
}

// parsePeers turns "index=addr" flag values into backup.Peer entries.
func parsePeers(raw []string) ([]backup.Peer, error) {
	peers := make([]backup.Peer, 0, len(raw))
	for _, entry := range raw {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("expected index=addr, got %q", entry)
		}
		index, err := strconv.ParseInt(parts[0], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid peer index %q: %w", parts[0], err)
		}
		peers = append(peers, backup.Peer{Index: int32(index), Addr: parts[1]})
	}
	return peers, nil
}

// splitHostForCert derives the DNS/IP SANs a server certificate for addr
// should carry from the listen address itself.
func splitHostForCert(addr string) ([]string, []net.IP) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if ip := net.ParseIP(host); ip != nil {
		return nil, []net.IP{ip}
	}
	return []string{host}, nil
}

// syscallSelfTerm asks this process to terminate the way an operator's
// SIGTERM would, so an RPC-triggered shutdown runs the same signal-driven
// path as a manual one.
func syscallSelfTerm() error {
	p, err := os.FindProcess(os.Getpid())
	if err != nil {
		return err
	}
	return p.Signal(syscall.SIGTERM)
}
