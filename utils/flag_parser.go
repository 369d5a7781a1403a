package utils

import (
	"flag"
	"fmt"
	"os"
)

type Flags struct {
	NodeID      int
	ConfigPath  string
	ClusterDir  string
	LogLevel    string
	NodeAddress string
	JoinAddress string
}

func ParseFlags() (Flags, error) {
	return ParseFlagsFrom(os.Args[1:])
}

// ParseFlagsFrom parses the node flags from args.
func ParseFlagsFrom(args []string) (Flags, error) {
	fs := flag.NewFlagSet("node", flag.ContinueOnError)

	nodeID := fs.Int("id", -1, "ID of the current node (Required)")
	configPath := fs.String("config", "", "Path to the cluster config file (Required)")
	clusterDir := fs.String("dir", "", "Cluster directory, overrides cluster_dir of the config file")
	logLevel := fs.String("log-level", "", "Log level, overrides log_level of the config file")
	nodeAddress := fs.String("addr", "", "Endpoints of this node as ingress,consensus (Required for new nodes)")
	joinAddress := fs.String("join", "", "Admin address of a member to join the cluster through")

	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	flags := Flags{
		NodeID:      *nodeID,
		ConfigPath:  *configPath,
		ClusterDir:  *clusterDir,
		LogLevel:    *logLevel,
		NodeAddress: *nodeAddress,
		JoinAddress: *joinAddress,
	}

	if *nodeID == -1 || *configPath == "" {
		return Flags{}, fmt.Errorf("missing required flags: -id and -config are required")
	}
	if *joinAddress != "" && *nodeAddress == "" {
		return Flags{}, fmt.Errorf("when joining a cluster, -addr flag is required")
	}

	return flags, nil
}
