// Command raftkv runs a single node of a replicated key-value cluster.
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vzdtic/raftkv/pkg/cluster"
	"github.com/vzdtic/raftkv/pkg/dispatcher"
	"github.com/vzdtic/raftkv/pkg/index"
	"github.com/vzdtic/raftkv/pkg/kv"
	"github.com/vzdtic/raftkv/pkg/raft"
	"github.com/vzdtic/raftkv/pkg/search"
	"github.com/vzdtic/raftkv/pkg/semantic"
	"github.com/vzdtic/raftkv/pkg/transport"
	"github.com/vzdtic/raftkv/pkg/wal"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "raftkv",
		Short: "A replicated, durable key-value store",
	}
	root.AddCommand(newServeCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var (
		id       string
		port     uint16
		peersCSV string
		dataDir  string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a single cluster node",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dataDir == "" {
				dataDir = fmt.Sprintf("./data/%s", id)
			}
			return runServe(id, port, peersCSV, dataDir)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&id, "id", "", "node ID (its own host:port, matching what peers dial)")
	flags.Uint16Var(&port, "port", 0, "peer listen port; clients connect on port+1")
	flags.StringVar(&peersCSV, "peers", "", "comma-separated host:port list of the other cluster members")
	flags.StringVar(&dataDir, "data-dir", "", "directory for wal.log and term.state (default ./data/<id>)")
	cmd.MarkFlagRequired("id")
	cmd.MarkFlagRequired("port")

	return cmd
}

func runServe(id string, port uint16, peersCSV, dataDir string) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("raftkv: build logger: %w", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar().With("node_id", id)

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("raftkv: create data dir: %w", err)
	}

	peers, err := cluster.ParsePeers(peersCSV)
	if err != nil {
		return fmt.Errorf("raftkv: %w", err)
	}

	raftLog, err := raft.OpenLog(dataDir)
	if err != nil {
		return fmt.Errorf("raftkv: open log: %w", err)
	}
	termState, err := wal.OpenTermState(dataDir)
	if err != nil {
		return fmt.Errorf("raftkv: open term state: %w", err)
	}

	store := kv.New()
	fieldIndex := index.New()
	bm25Index := search.New()
	tfidfIndex := semantic.New()
	store.SetObserver(kv.MultiObserver{fieldIndex, bm25Index, tfidfIndex})

	peerTransport := transport.NewClient(sugar)
	defer peerTransport.Close()

	cfg := raft.DefaultConfig(id, peers)
	node := raft.New(cfg, raftLog, termState, store, peerTransport, sugar)
	node.Start()
	defer node.Stop()

	peerServer := transport.NewServer(node, sugar)
	peerAddr := fmt.Sprintf(":%d", port)
	go func() {
		if err := peerServer.Serve(peerAddr); err != nil {
			sugar.Warnw("peer server stopped", "err", err)
		}
	}()
	defer peerServer.Close()

	clientPort := port + 1
	disp := dispatcher.New(node, fieldIndex, bm25Index, tfidfIndex, sugar)
	clientAddr := net.JoinHostPort("", fmt.Sprintf("%d", clientPort))
	go func() {
		if err := disp.Serve(clientAddr); err != nil {
			sugar.Warnw("client dispatcher stopped", "err", err)
		}
	}()
	defer disp.Close()

	sugar.Infow("node started", "peer_addr", peerAddr, "client_addr", clientAddr, "peers", peersCSV)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	sugar.Info("shutting down")
	return nil
}
