// Command stepd is the standalone entrypoint: launched once per job step
// by the node daemon, it runs that one step's lifecycle to completion and
// exits. Unlike a long-lived server, stepd's cobra commands each drive a
// single Orchestrator.Run call rather than a persistent service loop.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/user"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/cuemby/stepd/pkg/log"
	"github.com/cuemby/stepd/pkg/metrics"
	"github.com/cuemby/stepd/pkg/stepd"
	"github.com/cuemby/stepd/pkg/stepd/completion"
	"github.com/cuemby/stepd/pkg/stepd/exec"
	"github.com/cuemby/stepd/pkg/stepd/plugin"
	containerdplugin "github.com/cuemby/stepd/pkg/stepd/plugin/containerd"
	"github.com/cuemby/stepd/pkg/stepd/reaper"
	"github.com/cuemby/stepd/pkg/stepd/transport"
	"github.com/cuemby/stepd/pkg/stepd/transport/grpcconn"
	"github.com/cuemby/stepd/pkg/stepd/types"
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
	Use:     "stepd",
	Short:   "stepd runs one job step's task lifecycle on a single node",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"stepd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("cert-dir", "", "mTLS certificate directory for controller/tree connections (plaintext if empty)")
	rootCmd.PersistentFlags().String("spool-dir", "/var/spool/stepd", "Batch-script spool directory root")
	rootCmd.PersistentFlags().String("cgroup-root", containerdplugin.DefaultCgroupRoot, "Cgroup root path for the task-tracking container plugin")
	rootCmd.PersistentFlags().String("node-name", "", "This node's name, reported in launch replies and completion messages")
	rootCmd.PersistentFlags().String("controller-addr", "", "Controller gRPC address")
	rootCmd.PersistentFlags().String("metrics-addr", "", "Address to serve Prometheus metrics on (disabled if empty)")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(launchCmd)
	rootCmd.AddCommand(batchCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var launchCmd = &cobra.Command{
	Use:   "launch <launch-request.json>",
	Short: "Launch a non-batch step from a JSON-encoded LaunchTasks request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var req transport.LaunchTasks
		if err := readJSONFile(args[0], &req); err != nil {
			return err
		}
		return runLaunch(cmd, req)
	},
}

var batchCmd = &cobra.Command{
	Use:   "batch <batch-request.json>",
	Short: "Run a batch step from a JSON-encoded BatchJobLaunch request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var req transport.BatchJobLaunch
		if err := readJSONFile(args[0], &req); err != nil {
			return err
		}
		return runBatch(cmd, req)
	},
}

func readJSONFile(path string, v interface{}) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	if err := json.NewDecoder(f).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func runLaunch(cmd *cobra.Command, req transport.LaunchTasks) error {
	ident, err := resolveUser(req.UID, req.GID)
	if err != nil {
		return err
	}

	stepCtx := &types.StepContext{
		JobID:  req.JobID,
		StepID: req.StepID,
		NTasks: req.NTasks,
		NNodes: req.NNodes,
		User:   ident,
		Cwd:    req.Cwd,
		Env:    req.Env,
	}
	stepCtx.Tasks = make([]*types.TaskRecord, req.NTasks)
	for i := range stepCtx.Tasks {
		stepCtx.Tasks[i] = &types.TaskRecord{LocalID: i, GlobalID: i, StderrFD: -1}
	}

	orch, cleanup, err := buildOrchestrator(cmd, req.Argv)
	if err != nil {
		return err
	}
	defer cleanup()

	endpoints, closeEndpoints, err := clientEndpoints(cmd, req.ClientAddr, req.RespPorts)
	if err != nil {
		return err
	}
	defer closeEndpoints()

	comp := completion.New(req.JobID, req.StepID, req.Tree)
	orch.ToParent = func(ctx context.Context, addr string, msg transport.RequestStepComplete) (transport.ReplyCode, error) {
		conn, err := dialPeer(cmd, addr)
		if err != nil {
			return transport.ReplyError, err
		}
		defer conn.Close()
		return grpcconn.NewPeerClient(conn).StepComplete(ctx, msg)
	}
	orch.ToController = func(ctx context.Context, msg transport.RequestStepComplete) (transport.ReplyCode, error) {
		return orch.Controller.StepComplete(ctx, msg)
	}

	return orch.Run(context.Background(), stepCtx, comp, endpoints)
}

func runBatch(cmd *cobra.Command, req transport.BatchJobLaunch) error {
	ident, err := resolveUser(req.UID, req.GID)
	if err != nil {
		return err
	}

	stepCtx := &types.StepContext{
		JobID:   req.JobID,
		StepID:  types.NoStepID,
		NTasks:  1,
		NNodes:  len(req.Nodes),
		IsBatch: true,
		User:    ident,
		Cwd:     ident.Home,
	}
	stepCtx.Tasks = []*types.TaskRecord{{LocalID: 0, GlobalID: 0, StderrFD: -1}}

	orch, cleanup, err := buildOrchestrator(cmd, nil)
	if err != nil {
		return err
	}
	defer cleanup()

	spoolDir, _ := cmd.Flags().GetString("spool-dir")
	orch.SpoolDir = spoolDir
	if err := orch.PrepareBatch(stepCtx, req.ScriptBytes); err != nil {
		return err
	}

	return orch.Run(context.Background(), stepCtx, nil, nil)
}

// clientEndpoints dials one ClientService connection per response port the
// originating client registered; closeAll tears every connection back down
// once the caller is done delivering replies.
func clientEndpoints(cmd *cobra.Command, clientAddr string, ports []int) ([]transport.ClientEndpoint, func(), error) {
	var endpoints []transport.ClientEndpoint
	var conns []*grpc.ClientConn
	closeAll := func() {
		for _, c := range conns {
			c.Close()
		}
	}

	for _, port := range ports {
		addr := fmt.Sprintf("%s:%d", clientAddr, port)
		conn, err := dialPeer(cmd, addr)
		if err != nil {
			closeAll()
			return nil, func() {}, fmt.Errorf("dial client endpoint %s: %w", addr, err)
		}
		conns = append(conns, conn)
		endpoints = append(endpoints, grpcconn.NewClientEndpoint(conn))
	}

	return endpoints, closeAll, nil
}

// buildOrchestrator wires the components every launch and batch invocation
// shares: the fork/exec pipeline, the reaper, the cgroup-backed container
// plugin, and the controller connection. cleanup closes the controller
// connection and must run after Orchestrator.Run returns.
func buildOrchestrator(cmd *cobra.Command, argv []string) (*stepd.Orchestrator, func(), error) {
	cgroupRoot, _ := cmd.Flags().GetString("cgroup-root")
	nodeName, _ := cmd.Flags().GetString("node-name")
	if nodeName == "" {
		nodeName, _ = os.Hostname()
	}
	controllerAddr, _ := cmd.Flags().GetString("controller-addr")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	if metricsAddr != "" {
		serveMetrics(metricsAddr)
	}

	container := containerdplugin.New(cgroupRoot)
	forker := exec.New(container, plugin.NoopStack{}, plugin.NoopDebugger{})
	forker.Argv = argv

	orch := stepd.New(forker, reaper.New(plugin.NoopStack{}, reaper.Epilogs{}), plugin.NoopStack{})
	orch.Container = container
	orch.NodeName = nodeName
	orch.ChildrenTimeout = 10 * time.Second

	conn, err := dialPeer(cmd, controllerAddr)
	if err != nil {
		return nil, func() {}, err
	}
	orch.Controller = grpcconn.NewControllerClient(conn)

	cleanup := func() { conn.Close() }
	return orch, cleanup, nil
}

// dialPeer dials addr using mTLS when --cert-dir is set, plaintext
// otherwise, matching the orchestrator's indifference to how its transport
// is secured.
func dialPeer(cmd *cobra.Command, addr string) (*grpc.ClientConn, error) {
	certDir, _ := cmd.Flags().GetString("cert-dir")
	if certDir == "" {
		return grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	creds, err := grpcconn.ClientCredentials(certDir)
	if err != nil {
		return nil, fmt.Errorf("load client credentials: %w", err)
	}
	return grpc.NewClient(addr, grpc.WithTransportCredentials(creds))
}

func resolveUser(uid, gid uint32) (types.UserIdentity, error) {
	u, err := user.LookupId(strconv.FormatUint(uint64(uid), 10))
	if err != nil {
		return types.UserIdentity{UID: uid, GID: gid}, nil
	}
	return types.UserIdentity{
		UID:  uid,
		GID:  gid,
		Name: u.Username,
		Home: u.HomeDir,
	}, nil
}

func serveMetrics(addr string) {
	go func() {
		if err := http.ListenAndServe(addr, metrics.Handler()); err != nil {
			log.Logger.Warn().Err(err).Str("addr", addr).Msg("metrics listener exited")
		}
	}()
}
