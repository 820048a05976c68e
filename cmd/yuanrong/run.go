package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cuemby/yuanrong/pkg/bundlemgr"
	"github.com/cuemby/yuanrong/pkg/domainsched"
	"github.com/cuemby/yuanrong/pkg/events"
	"github.com/cuemby/yuanrong/pkg/funcagent"
	"github.com/cuemby/yuanrong/pkg/globalsched"
	"github.com/cuemby/yuanrong/pkg/groupctrl"
	"github.com/cuemby/yuanrong/pkg/localsched"
	"github.com/cuemby/yuanrong/pkg/log"
	"github.com/cuemby/yuanrong/pkg/metastore"
	"github.com/cuemby/yuanrong/pkg/metrics"
	"github.com/cuemby/yuanrong/pkg/resourceview"
	"github.com/cuemby/yuanrong/pkg/transport"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 5 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a full scheduler hierarchy in one process",
	Long: `Run assembles a Global scheduler, one or more Domain schedulers, and
one or more Local schedulers (each with a Function Agent) into a single
process, wired together over the in-process transport. This is the
single-binary mode: every tier speaks the same reserve/bind protocol it
would use across a network transport, just without a network hop.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().String("node-id", "global-1", "Global scheduler raft node ID")
	runCmd.Flags().String("bind-addr", "127.0.0.1:7950", "Address for the global scheduler's raft transport")
	runCmd.Flags().String("data-dir", "./yuanrong-data", "Data directory for raft state and the metadata store")
	runCmd.Flags().Int("domains", 1, "Number of domain schedulers to start")
	runCmd.Flags().Int("locals-per-domain", 1, "Number of local schedulers per domain")
	runCmd.Flags().String("capacity", "cpu=4,memory=8192", "Per-local-scheduler resource capacity, as key=value pairs")
	runCmd.Flags().String("code-dir", "./yuanrong-code", "Base directory function code paths resolve against")
	runCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address for the /metrics and /topology HTTP endpoints")
}

func runRun(cmd *cobra.Command, args []string) error {
	nodeID, _ := cmd.Flags().GetString("node-id")
	bindAddr, _ := cmd.Flags().GetString("bind-addr")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	domainCount, _ := cmd.Flags().GetInt("domains")
	localsPerDomain, _ := cmd.Flags().GetInt("locals-per-domain")
	capacityFlag, _ := cmd.Flags().GetString("capacity")
	codeDir, _ := cmd.Flags().GetString("code-dir")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	logger := log.WithComponent("yuanrong")

	capacity, err := parseCapacity(capacityFlag)
	if err != nil {
		return fmt.Errorf("invalid --capacity: %w", err)
	}
	if err := os.MkdirAll(codeDir, 0o755); err != nil {
		return fmt.Errorf("create code dir: %w", err)
	}

	store, err := metastore.Open(dataDir)
	if err != nil {
		return fmt.Errorf("open metadata store: %w", err)
	}
	defer store.Close()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	tr := transport.NewLocal()

	gs := globalsched.New(globalsched.Config{NodeID: nodeID, BindAddr: bindAddr, DataDir: dataDir}, tr)
	defer gs.Close()
	if err := gs.Bootstrap(); err != nil {
		return fmt.Errorf("bootstrap global scheduler: %w", err)
	}
	gs.SetStore(store)
	if err := gs.RecoverTopology(store); err != nil {
		return fmt.Errorf("recover topology: %w", err)
	}

	collector := metrics.NewCollector(gs)
	collector.Start()
	defer collector.Stop()

	metrics.SetVersion(Version)
	metrics.RegisterComponent("raft", gs.IsLeader() || gs.LeaderAddr() != "", "raft cluster formed")
	metrics.RegisterComponent("metastore", true, "metadata store opened")

	var agents []*funcagent.Agent
	domainSchedulers := make(map[string]*domainsched.Scheduler)
	localSchedulers := make(map[string]*localsched.Scheduler)
	groupControllers := make(map[string]*groupctrl.Controller)
	bundleManagers := make(map[string]*bundlemgr.Manager)

	for di := 0; di < domainCount; di++ {
		domainName := fmt.Sprintf("dom-%d", di+1)
		ds := domainsched.New(domainName, tr)
		defer ds.Close()
		tr.Register("ds:"+domainName, ds.Handler())
		ds.SetForward(gs.Forward)
		domainSchedulers[domainName] = ds
		gc := groupctrl.New(ds, broker)
		gc.SetStore(store)
		groupControllers[domainName] = gc

		for li := 0; li < localsPerDomain; li++ {
			localName := fmt.Sprintf("%s-ls-%d", domainName, li+1)
			ls := localsched.New(localName, broker)
			ls.SetStore(store)
			tr.Register("ls:"+localName, ls.Handler())
			localSchedulers[localName] = ls

			agent := funcagent.New(localName, newLocalFetcher(codeDir), newProcessLauncher(), 0)
			ls.AddUnit(localName, capacity, map[string]string{"domain": domainName}, agent)

			bm := bundlemgr.New(store, ls, broker)
			if err := bm.Load(); err != nil {
				return fmt.Errorf("hydrate bundles for %s: %w", localName, err)
			}
			bundleManagers[localName] = bm

			ds.RegisterChild(localName)
			ds.ReportSnapshot(localName, ls.View().Snapshot())

			agents = append(agents, agent)
			logger.Info().Str("domain", domainName).Str("local", localName).Msg("local scheduler ready")
		}

		if err := gs.RegisterDomain(domainName, "ds:"+domainName); err != nil {
			return fmt.Errorf("register domain %s: %w", domainName, err)
		}
		logger.Info().Str("domain", domainName).Msg("domain scheduler ready")
	}

	mux := newAdminMux(gs, domainSchedulers, localSchedulers, groupControllers, bundleManagers)

	srv := &http.Server{Addr: metricsAddr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	logger.Info().Str("addr", metricsAddr).Msg("metrics server listening")
	logger.Info().Int("domains", domainCount).Int("locals_per_domain", localsPerDomain).Msg("yuanrong running, press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("metrics server failed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("metrics server shutdown did not complete cleanly")
	}
	for _, agent := range agents {
		agent.Close()
	}

	logger.Info().Msg("shutdown complete")
	return nil
}

func parseCapacity(spec string) (map[string]resourceview.Value, error) {
	out := make(map[string]resourceview.Value)
	for _, pair := range strings.Split(spec, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("malformed capacity entry %q", pair)
		}
		val, err := strconv.ParseFloat(strings.TrimSpace(kv[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("capacity %q: %w", kv[0], err)
		}
		out[strings.TrimSpace(kv[0])] = resourceview.Scalar(val)
	}
	return out, nil
}
