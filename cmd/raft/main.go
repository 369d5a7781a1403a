package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logging "github.com/ipfs/go-log"

	"github.com/arbha1erao/cluster/raft"
	"github.com/arbha1erao/cluster/service"
	"github.com/arbha1erao/cluster/transport"
)

var log = logging.Logger("local")

// Runs a whole cluster inside one process over the in-memory transport,
// sends some commands and shuts the cluster down.
func main() {
	size := flag.Int("nodes", 3, "Number of members")
	commands := flag.Int("commands", 10, "Number of commands to send")
	baseDir := flag.String("dir", "", "Base directory for the members' cluster directories (default: a temp dir)")
	idle := flag.String("idle", raft.IdleBackoff, "Idle strategy: sleeping, yielding, busy-spin or backoff")
	logLevel := flag.String("log-level", "info", "Log level")
	flag.Parse()

	if err := logging.SetLogLevel("*", *logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid log level %q: %v\n", *logLevel, err)
		os.Exit(1)
	}
	if err := run(*size, *commands, *baseDir, *idle); err != nil {
		log.Errorf("local cluster failed: %v", err)
		os.Exit(1)
	}
}

func run(size, commands int, baseDir, idle string) error {
	if baseDir == "" {
		dir, err := os.MkdirTemp("", "cluster-")
		if err != nil {
			return err
		}
		defer os.RemoveAll(dir)
		baseDir = dir
	}

	parts := make([]string, 0, size)
	for id := 0; id < size; id++ {
		parts = append(parts, fmt.Sprintf("%d,localhost:%d,localhost:%d", id, 8000+id, 9000+id))
	}
	members := strings.Join(parts, "|")

	network := transport.NewMemoryNetwork()
	nodes := make([]*raft.Node, 0, size)
	counters := make([]*service.Counter, 0, size)
	defer func() {
		for _, n := range nodes {
			n.Close()
		}
	}()

	for id := int32(0); id < int32(size); id++ {
		cfg := raft.DefaultConfig()
		cfg.MemberID = id
		cfg.ClusterMembers = members
		cfg.ClusterDir = filepath.Join(baseDir, fmt.Sprintf("node-%d", id))
		cfg.IdleStrategy = idle

		counter := service.NewCounter(id)
		node, err := raft.NewNode(cfg, network.Transport(id), counter)
		if err != nil {
			return err
		}
		if err := node.Start(); err != nil {
			return err
		}
		nodes = append(nodes, node)
		counters = append(counters, counter)
	}

	leader, err := awaitLeader(nodes, 30*time.Second)
	if err != nil {
		return err
	}
	log.Infof("member %d leads term %d", leader.ID(), leader.TermID())

	ctx := context.Background()
	for i := 0; i < commands; i++ {
		payload := []byte(fmt.Sprintf("command-%d", i))
		for {
			_, err := leader.Offer(ctx, 1, payload)
			if err == nil {
				break
			}
			if !errors.Is(err, raft.ErrBackPressured) {
				return err
			}
			time.Sleep(time.Millisecond)
		}
	}

	deadline := time.Now().Add(30 * time.Second)
	for _, c := range counters {
		for c.MessageCount() < int64(commands) {
			if time.Now().After(deadline) {
				return fmt.Errorf("commands not applied on every member")
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
	for _, n := range nodes {
		fmt.Printf("%+v\n", n.Status())
	}

	if err := leader.Shutdown(ctx); err != nil {
		return err
	}
	for _, n := range nodes {
		<-n.Done()
	}
	log.Infof("cluster shut down")
	return nil
}

func awaitLeader(nodes []*raft.Node, timeout time.Duration) (*raft.Node, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, n := range nodes {
			if _, running := n.ElectionState(); n.IsLeader() && !running {
				return n, nil
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	return nil, fmt.Errorf("no leader elected within %v", timeout)
}
