// Package node assembles the sync pipeline: storage, the validation
// engine boundary, the peer switch, the chain manager and the
// dispatcher, wired together and managed as one service.
package node

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	multierror "github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dbm "github.com/tendermint/tm-db"

	"github.com/stela-net/stela/apply"
	"github.com/stela-net/stela/blocksync"
	"github.com/stela-net/stela/config"
	"github.com/stela-net/stela/libs/log"
	"github.com/stela-net/stela/libs/service"
	"github.com/stela-net/stela/p2p"
	"github.com/stela-net/stela/proxy"
	"github.com/stela-net/stela/replay"
	"github.com/stela-net/stela/store"
	"github.com/stela-net/stela/types"
)

// Node is a full sync node.
type Node struct {
	service.BaseService
	logger log.Logger

	cfg     *config.Config
	chainID types.ChainID
	nodeKey p2p.NodeKey

	db         dbm.DB
	bs         *store.BlockStore
	engine     proxy.Engine
	sw         *p2p.Switch
	manager    *blocksync.Manager
	dispatcher *apply.Dispatcher

	replayWriter  *replay.Writer
	prometheusSrv *http.Server
}

// New wires a node from its configuration. The database is opened and
// the chain initialized at genesis if needed; nothing starts running
// until Start.
func New(ctx context.Context, cfg *config.Config, logger log.Logger) (*Node, error) {
	if err := cfg.ValidateBasic(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	chainID := types.ChainID(cfg.ChainID)

	nodeKey, err := p2p.LoadOrGenNodeKey(ctx, cfg.NodeKeyFile(), uint(cfg.P2P.PowDifficulty))
	if err != nil {
		return nil, fmt.Errorf("node key: %w", err)
	}

	db, err := dbm.NewDB("chain", dbm.BackendType(cfg.DBBackend), cfg.DBDir())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	bs := store.NewBlockStore(db)

	if _, ok := bs.LoadChainState(chainID); !ok {
		genesis := types.MakeGenesisHeader(chainID, cfg.GenesisTime)
		if err := bs.SaveGenesis(genesis, types.MakeGenesisContext(chainID)); err != nil {
			db.Close()
			return nil, fmt.Errorf("initializing chain at genesis: %w", err)
		}
		logger.Info("initialized chain at genesis",
			"chain_id", chainID, "genesis", genesis.Hash())
	}

	p2pMetrics, syncMetrics, applyMetrics := buildMetrics(cfg.Instrumentation)

	engine, err := newEngine(cfg.Apply)
	if err != nil {
		db.Close()
		return nil, err
	}

	sw := p2p.NewSwitch(logger.With("module", "p2p"), nodeKey, p2p.SwitchOptions{
		ListenAddr:       cfg.P2P.ListenAddr,
		ExternalPort:     cfg.P2P.ExternalPort,
		ChainID:          chainID,
		PowDifficulty:    uint(cfg.P2P.PowDifficulty),
		LowWaterMark:     cfg.P2P.LowWaterMark,
		HighWaterMark:    cfg.P2P.HighWaterMark,
		BanDuration:      cfg.P2P.BanDuration,
		HandshakeTimeout: cfg.P2P.HandshakeTimeout,
		DialTimeout:      cfg.P2P.DialTimeout,
		PeerOptions: p2p.PeerOptions{
			InactivityTimeout: cfg.P2P.InactivityTimeout,
			SendTimeout:       cfg.P2P.SendTimeout,
			RequestCap:        cfg.P2P.RequestCap,
		},
	}, p2pMetrics)

	syncOpts := blocksync.DefaultOptions()
	syncOpts.MaxTrackedBlocks = cfg.Sync.MaxTrackedBlocks
	syncOpts.SyncLookback = cfg.Sync.Lookback
	syncOpts.FetchTimeout = cfg.Sync.FetchTimeout
	syncOpts.RetryInterval = cfg.Sync.RetryInterval

	manager, err := blocksync.NewManager(
		logger.With("module", "blocksync"), chainID, bs,
		blocksync.SwitchNetwork{Switch: sw},
		sw.Inbound(), sw.Events(), syncOpts, syncMetrics,
	)
	if err != nil {
		engine.Close()
		db.Close()
		return nil, fmt.Errorf("chain manager: %w", err)
	}

	dispatcher, err := apply.NewDispatcher(
		logger.With("module", "apply"), chainID, bs, engine, manager,
		apply.Options{
			ReclaimEvery:  cfg.Apply.ReclaimEvery,
			CheckpointLag: cfg.Apply.CheckpointLag,
			Prevalidators: cfg.Apply.Prevalidators,
			ApplyTimeout:  cfg.Apply.ApplyTimeout,
			RetainBlocks:  cfg.Apply.RetainBlocks,
		}, applyMetrics,
	)
	if err != nil {
		engine.Close()
		db.Close()
		return nil, fmt.Errorf("dispatcher: %w", err)
	}

	n := &Node{
		logger:     logger,
		cfg:        cfg,
		chainID:    chainID,
		nodeKey:    nodeKey,
		db:         db,
		bs:         bs,
		engine:     engine,
		sw:         sw,
		manager:    manager,
		dispatcher: dispatcher,
	}
	n.BaseService = *service.NewBaseService(logger, "Node", n)
	return n, nil
}

// NodeID returns the node's p2p identity.
func (n *Node) NodeID() p2p.ID { return n.nodeKey.ID() }

// Switch returns the p2p switch, mostly for tests.
func (n *Node) Switch() *p2p.Switch { return n.sw }

func (n *Node) OnStart(ctx context.Context) error {
	if n.cfg.Replay.Enabled {
		w, err := replay.NewWriter(n.cfg.Replay.LogDir())
		if err != nil {
			return fmt.Errorf("replay log: %w", err)
		}
		n.replayWriter = w
		n.manager.SetObserver(w)
		n.logger.Info("recording inbound messages", "path", w.Path())
	}

	// leaf services first so the pipeline is ready before peers connect
	if err := n.dispatcher.Start(ctx); err != nil {
		return err
	}
	if err := n.manager.Start(ctx); err != nil {
		return err
	}
	if err := n.sw.Start(ctx); err != nil {
		return err
	}

	if n.cfg.Instrumentation.Prometheus {
		n.prometheusSrv = n.startPrometheusServer()
	}

	go n.dialPersistentPeers()
	go n.watchFatal()

	n.logger.Info("node started",
		"node_id", n.NodeID(),
		"chain_id", n.chainID,
		"moniker", n.cfg.Moniker)
	return nil
}

func (n *Node) OnStop() {
	var errs *multierror.Error
	// reverse start order: stop taking network input first
	if err := n.sw.Stop(); err != nil && err != service.ErrAlreadyStopped {
		errs = multierror.Append(errs, err)
	}
	if err := n.manager.Stop(); err != nil && err != service.ErrAlreadyStopped {
		errs = multierror.Append(errs, err)
	}
	if err := n.dispatcher.Stop(); err != nil && err != service.ErrAlreadyStopped {
		errs = multierror.Append(errs, err)
	}
	n.sw.Wait()
	n.manager.Wait()
	n.dispatcher.Wait()

	if n.prometheusSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := n.prometheusSrv.Shutdown(shutdownCtx); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if n.replayWriter != nil {
		if err := n.replayWriter.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if err := n.bs.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := errs.ErrorOrNil(); err != nil {
		n.logger.Error("errors during shutdown", "err", err)
	}
}

// watchFatal shuts the node down when the dispatcher halts: a chain that
// cannot apply blocks has no business staying connected.
func (n *Node) watchFatal() {
	select {
	case err := <-n.dispatcher.Err():
		n.logger.Error("halting node", "err", err)
		if err := n.Stop(); err != nil && err != service.ErrAlreadyStopped {
			n.logger.Error("error stopping node", "err", err)
		}
	case <-n.Quit():
	}
}

func (n *Node) dialPersistentPeers() {
	for _, addr := range splitAndTrimEmpty(n.cfg.P2P.PersistentPeers, ",", " ") {
		if err := n.sw.DialPeer(addr); err != nil {
			n.logger.Error("failed to dial persistent peer", "addr", addr, "err", err)
		}
	}
}

func (n *Node) startPrometheusServer() *http.Server {
	srv := &http.Server{
		Addr:              n.cfg.Instrumentation.PrometheusListenAddr,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			n.logger.Error("prometheus server failed", "err", err)
		}
	}()
	return srv
}

// newEngine builds the engine connection the dispatcher validates
// through. With no engine address configured the node runs the built-in
// pass-through engine, which accepts every structurally complete block.
func newEngine(cfg *config.ApplyConfig) (proxy.Engine, error) {
	var creator proxy.EngineCreator
	if cfg.EngineAddr == "" {
		creator = proxy.NewLocalEngineCreator(passthroughApp{})
	} else {
		creator = proxy.NewRemoteEngineCreator(cfg.EngineAddr, cfg.EngineTransport, cfg.EngineMaxRetries)
	}
	engine, err := creator.NewEngine()
	if err != nil {
		return nil, fmt.Errorf("connecting validation engine: %w", err)
	}
	return engine, nil
}

func buildMetrics(cfg *config.InstrumentationConfig) (*p2p.Metrics, *blocksync.Metrics, *apply.Metrics) {
	if cfg.Prometheus {
		return p2p.PrometheusMetrics(cfg.Namespace),
			blocksync.PrometheusMetrics(cfg.Namespace),
			apply.PrometheusMetrics(cfg.Namespace)
	}
	return p2p.NopMetrics(), blocksync.NopMetrics(), apply.NopMetrics()
}

// splitAndTrimEmpty slices s into all subslices separated by sep and
// returns a slice of the string s with all leading and trailing Unicode
// code points contained in cutset removed. If sep is empty, SplitAndTrim
// splits after each UTF-8 sequence. First part is equivalent to
// strings.SplitN with a count of -1. Empty strings are dropped.
func splitAndTrimEmpty(s, sep, cutset string) []string {
	if s == "" {
		return []string{}
	}

	spl := strings.Split(s, sep)
	nonEmptyStrings := make([]string, 0, len(spl))
	for i := 0; i < len(spl); i++ {
		element := strings.Trim(spl[i], cutset)
		if element != "" {
			nonEmptyStrings = append(nonEmptyStrings, element)
		}
	}
	return nonEmptyStrings
}
