package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log"

	"github.com/arbha1erao/cluster/clustercfg"
	"github.com/arbha1erao/cluster/raft"
	"github.com/arbha1erao/cluster/service"
	"github.com/arbha1erao/cluster/transport"
	"github.com/arbha1erao/cluster/utils"
)

var log = logging.Logger("node")

func main() {
	if err := run(); err != nil {
		log.Errorf("node failed: %v", err)
		os.Exit(1)
	}
}

func run() error {
	flags, err := utils.ParseFlags()
	if err != nil {
		return fmt.Errorf("failed to parse flags: %w", err)
	}

	var clusterCfg raft.ClusterConfig
	if err := utils.LoadTOMLConfig(flags.ConfigPath, &clusterCfg); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	level := clusterCfg.LogLevel
	if flags.LogLevel != "" {
		level = flags.LogLevel
	}
	if level != "" {
		if err := logging.SetLogLevel("*", level); err != nil {
			return fmt.Errorf("invalid log level %q: %w", level, err)
		}
	}

	memberID := int32(flags.NodeID)
	if flags.JoinAddress != "" {
		endpoints, err := clustercfg.ParseEndpoints(flags.NodeAddress)
		if err != nil {
			return err
		}
		if err := join(clusterCfg, memberID, flags.JoinAddress, endpoints); err != nil {
			return err
		}
		clusterCfg.Nodes = append(clusterCfg.Nodes, raft.NodeConfig{
			ID:        memberID,
			Ingress:   endpoints.Ingress,
			Consensus: endpoints.Consensus,
		})
	}

	cfg, err := clusterCfg.Config(memberID, flags.ClusterDir)
	if err != nil {
		return err
	}
	self, _ := clusterCfg.Node(memberID)
	log.Infof("member %d starting: ingress %s, consensus %s, cluster dir %s, members %s",
		memberID, self.Ingress, self.Consensus, cfg.ClusterDir, cfg.ClusterMembers)

	grpcTransport, err := transport.NewGRPCTransport(memberID, self.Consensus)
	if err != nil {
		return fmt.Errorf("failed to start consensus transport: %w", err)
	}

	counter := service.NewCounter(memberID)
	node, err := raft.NewNode(cfg, grpcTransport, counter)
	if err != nil {
		grpcTransport.Close()
		return err
	}
	if err := node.Start(); err != nil {
		return fmt.Errorf("failed to start node: %w", err)
	}

	admin, err := clustercfg.NewServer(self.Ingress, node, clustercfg.DefaultAdminTimeout)
	if err != nil {
		node.Close()
		return fmt.Errorf("failed to start admin server: %w", err)
	}
	admin.Serve()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-signalChan:
		log.Infof("received signal %v, stopping member %d", sig, memberID)
	case <-node.Done():
		log.Infof("member %d terminated: %+v", memberID, node.Status())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := admin.Shutdown(ctx); err != nil {
		log.Warnf("admin server shutdown: %v", err)
	}
	return node.Close()
}

// join asks the current leader to add this member, locating the leader
// through the member at joinAddress.
func join(clusterCfg raft.ClusterConfig, memberID int32, joinAddress string, endpoints clustercfg.Endpoints) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	status, err := clustercfg.NewClient(joinAddress).WaitForLeader(ctx, 500*time.Millisecond)
	if err != nil {
		return err
	}

	leaderAddress := joinAddress
	if leader, ok := clusterCfg.Node(status.LeaderID); ok {
		leaderAddress = leader.Ingress
	}

	client := clustercfg.NewClient(leaderAddress)
	membership, err := client.ListMembers(ctx)
	if err != nil {
		return err
	}
	for _, m := range membership.Members {
		if m.ID == memberID && m.Active {
			log.Infof("member %d is already active, rejoining", memberID)
			return nil
		}
	}

	log.Infof("member %d joining through leader %d at %s", memberID, status.LeaderID, leaderAddress)
	if err := client.AddMember(ctx, memberID, endpoints.String()); err != nil {
		return fmt.Errorf("failed to join cluster: %w", err)
	}
	return nil
}
