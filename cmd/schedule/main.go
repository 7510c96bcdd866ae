// Command schedule enumerates candidates and prints their projected
// queue placement without enqueuing anything. It is the
// operator's answer to "what would the scheduler do right now".
//
// Exit codes: 0 success, 64 usage, 70 internal, 75 transient store
// unavailability.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vcsched/scheduler-core/internal/config"
	"github.com/vcsched/scheduler-core/internal/database"
	"github.com/vcsched/scheduler-core/pkg/datastorage/repository"
	"github.com/vcsched/scheduler-core/pkg/scheduler/classifier"
	"github.com/vcsched/scheduler-core/pkg/scheduler/domain"
	"github.com/vcsched/scheduler-core/pkg/scheduler/queue"
	"github.com/vcsched/scheduler-core/pkg/scheduler/scoring"
	"github.com/vcsched/scheduler-core/pkg/scheduler/selector"
	"github.com/vcsched/scheduler-core/pkg/scheduler/statistics"
	"github.com/vcsched/scheduler-core/pkg/scheduler/store"
)

const (
	exitOK        = 0
	exitUsage     = 64
	exitInternal  = 70
	exitTransient = 75
)

func main() {
	os.Exit(run())
}

func run() int {
	flags := flag.NewFlagSet("schedule", flag.ContinueOnError)
	configPath := flags.String("config", "config/scheduler.yaml", "path to the scheduler configuration file")
	dryRun := flags.Bool("dry-run", false, "enumerate candidates without enqueuing")
	campaignFilter := flags.String("campaign", "", "restrict to one campaign")
	codebaseFilter := flags.String("codebase", "", "restrict to one codebase")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return exitUsage
	}
	if !*dryRun {
		fmt.Fprintln(os.Stderr, "schedule: only --dry-run is supported; the daemon owns live scheduling")
		return exitUsage
	}

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logrus.WarnLevel)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "schedule: %v\n", err)
		return exitUsage
	}

	db, err := database.ConnectDSN(cfg.Database.DSN, 2, 1, time.Minute, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "schedule: %v\n", err)
		if isTransientConnectError(err) {
			return exitTransient
		}
		return exitInternal
	}
	defer db.Close()

	table := classifier.TableFromConfig(cfg.ResultCodes)
	st := repository.NewStore(db, table, nil)
	estimator := statistics.NewEstimator(cfg.Statistics, table)
	scoringEngine := scoring.NewEngine(cfg.Scoring)
	window := time.Duration(cfg.Statistics.WindowDays) * 24 * time.Hour
	sel := selector.New(st, st, queue.NewManager(st), scoringEngine, estimator, window,
		logrus.NewEntry(logger))

	ctx := context.Background()
	candidates, err := st.Candidates(ctx, store.CandidateFilter{
		ActiveOnly: true,
		Campaign:   *campaignFilter,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "schedule: %v\n", err)
		return exitInternal
	}

	now := time.Now()
	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "CODEBASE\tCAMPAIGN\tBUCKET\tPRIORITY\tESTIMATED")
	printed := 0
	for _, c := range candidates {
		if *codebaseFilter != "" && c.Codebase != *codebaseFilter {
			continue
		}
		proposal, skipped, err := sel.Evaluate(ctx, c, now, true, domain.BucketDefault)
		if err != nil {
			logger.WithError(err).WithField("codebase", c.Codebase).Warn("skipping candidate")
			continue
		}
		if skipped != selector.SkipNone {
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			c.Codebase, c.Campaign, proposal.Bucket, proposal.Priority,
			proposal.EstimatedDuration.Round(time.Second))
		printed++
	}
	if err := w.Flush(); err != nil {
		return exitInternal
	}
	fmt.Printf("\n%d candidate(s) would be enqueued\n", printed)
	return exitOK
}

// isTransientConnectError distinguishes "database is down right now"
// from misconfiguration, for the 75-vs-70 exit code split.
func isTransientConnectError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
