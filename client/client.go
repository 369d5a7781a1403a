package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	logging "github.com/ipfs/go-log"

	"github.com/arbha1erao/cluster/clustercfg"
)

var log = logging.Logger("client")

func main() {
	nodeAddr := flag.String("node", "localhost:8000", "Admin address of a cluster member")
	operation := flag.String("op", "", "Operation: list, add, remove, snapshot, shutdown, abort, status or send")
	nodeID := flag.Int("id", -1, "Member ID for add and remove")
	endpoints := flag.String("addr", "", "Endpoints of the new member as ingress,consensus (add)")
	passive := flag.Bool("passive", false, "Stop replicating to the removed member immediately (remove)")
	sessionID := flag.Int64("session", 1, "Session ID (send)")
	data := flag.String("data", "", "Command payload (send)")
	count := flag.Int("count", 1, "Number of commands to send (send)")
	timeout := flag.Duration("timeout", 10*time.Second, "Request timeout")

	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	client := clustercfg.NewClient(*nodeAddr)

	var err error
	switch *operation {
	case "list":
		var m clustercfg.Membership
		if m, err = client.ListMembers(ctx); err == nil {
			printJSON(m)
		}

	case "status":
		var s clustercfg.Status
		if s, err = client.Status(ctx); err == nil {
			printJSON(s)
		}

	case "add":
		if *nodeID < 0 || *endpoints == "" {
			usage("add requires -id and -addr")
		}
		if err = client.AddMember(ctx, int32(*nodeID), *endpoints); err == nil {
			fmt.Printf("member %d added\n", *nodeID)
		}

	case "remove":
		if *nodeID < 0 {
			usage("remove requires -id")
		}
		if err = client.RemoveMember(ctx, int32(*nodeID), *passive); err == nil {
			fmt.Printf("member %d removed\n", *nodeID)
		}

	case "snapshot":
		if err = client.RequestSnapshot(ctx); err == nil {
			fmt.Println("snapshot requested")
		}

	case "shutdown":
		if err = client.Shutdown(ctx); err == nil {
			fmt.Println("cluster shutdown requested")
		}

	case "abort":
		if err = client.Abort(ctx); err == nil {
			fmt.Println("cluster abort requested")
		}

	case "send":
		for i := 0; i < *count && err == nil; i++ {
			payload := *data
			if *count > 1 {
				payload = fmt.Sprintf("%s-%d", *data, i)
			}
			var position int64
			if position, err = client.Offer(ctx, *sessionID, []byte(payload)); err == nil {
				fmt.Printf("%q appended at log position %d\n", payload, position)
			}
		}

	default:
		usage(fmt.Sprintf("unknown operation %q", *operation))
	}

	if err != nil {
		log.Errorf("%s via %s failed: %v", *operation, *nodeAddr, err)
		os.Exit(1)
	}
}

func printJSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Errorf("failed to encode output: %v", err)
		return
	}
	fmt.Println(string(out))
}

func usage(msg string) {
	fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	flag.Usage()
	os.Exit(1)
}
