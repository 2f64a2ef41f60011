// Command electionsim runs one election in an in-process cluster and prints
// every node's state afterwards.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/isparth/Distributed-Systems/leader-election/internal/cluster"
	"github.com/isparth/Distributed-Systems/leader-election/internal/raft"
	"github.com/isparth/Distributed-Systems/leader-election/internal/raft/transport"
	"github.com/isparth/Distributed-Systems/leader-election/internal/types"
)

// denyVotes refuses every vote request its node sends.
type denyVotes struct {
	transport.Transport
}

func (d denyVotes) RequestVote(_ context.Context, _ types.NodeID, req transport.RequestVoteRequest) (transport.RequestVoteResponse, error) {
	return transport.RequestVoteResponse{Term: req.Term, VoteGranted: false}, nil
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("electionsim", flag.ExitOnError)
	var (
		nodes     = fs.Int("nodes", 5, "Number of nodes")
		candidate = fs.Int("candidate", 0, "Node that starts the election")
		rounds    = fs.Int("rounds", 3, "Heartbeat rounds the leader sends")
		deny      = fs.Int("deny", -1, "Node whose vote requests are all refused (-1 = none)")
		lastTerms = fs.String("last-terms", "", "Comma-separated last log term per node (e.g. 1,2,1,1,1)")
		dropRate  = fs.Float64("drop-rate", 0, "Fraction of RPCs the network drops")
		interval  = fs.Duration("heartbeat-interval", 50*time.Millisecond, "Interval between heartbeat rounds")
		verbose   = fs.Bool("v", false, "Log protocol events to stderr")
	)
	fs.Parse(args)

	if *candidate < 0 || *candidate >= *nodes {
		return fmt.Errorf("candidate %d out of range [0,%d)", *candidate, *nodes)
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	timing := raft.DefaultTimingConfig()
	timing.HeartbeatInterval = *interval

	c, err := cluster.New(cluster.Config{
		Size:            *nodes,
		Timing:          timing,
		HeartbeatRounds: *rounds,
		Logger:          logger,
		Wrap: func(id types.NodeID, tp transport.Transport) transport.Transport {
			if int(id) == *deny {
				return denyVotes{tp}
			}
			return tp
		},
	})
	if err != nil {
		return err
	}
	defer c.Stop(context.Background())
	c.Network().SetDropRate(*dropRate)

	if *lastTerms != "" {
		terms := strings.Split(*lastTerms, ",")
		if len(terms) != *nodes {
			return fmt.Errorf("-last-terms has %d values for %d nodes", len(terms), *nodes)
		}
		for i, s := range terms {
			term, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
			if err != nil {
				return fmt.Errorf("-last-terms[%d]: %w", i, err)
			}
			if term == 0 {
				continue
			}
			if err := c.SeedLog(types.NodeID(i), term); err != nil {
				return err
			}
		}
	}

	ctx := context.Background()
	res := c.Node(types.NodeID(*candidate)).StartElection(ctx)
	fmt.Printf("election %s: node %d term %d votes %d/%d won=%v\n",
		res.ID, *candidate, res.Term, res.Votes, res.Quorum, res.Won)

	// let the remaining heartbeat rounds go out
	if res.Won && *rounds > 1 {
		time.Sleep(time.Duration(*rounds) * *interval)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NODE\tROLE\tTERM\tVOTED FOR\tVOTES\tLAST TERM\tLEADER")
	for _, st := range c.Statuses() {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d\t%d\t%s\n",
			st.ID, st.Role, st.Term, st.VotedFor, st.VoteCount, st.LastTerm, st.LeaderHint.LeaderID)
	}
	return w.Flush()
}
