package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"checkin-backend/config"
	"checkin-backend/internal/clock"
	"checkin-backend/internal/db"
	"checkin-backend/internal/domain"
	"checkin-backend/internal/syncer"
)

const usage = `usage: checkin-agent <command> [flags]

commands:
  run                          flush the queue periodically until interrupted
  arrive  -reservation R -credential WIRE
  depart  -reservation R [-credential WIRE]
  flush                        replay the queue once
  pending                      list queued events
  cache   -reservation R -phase ARRIVAL|DEPARTURE [-credential WIRE]
`

func main() {
	logger := log.New(os.Stdout, "checkin-agent ", log.LstdFlags)

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config/config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatalf("failed to load configuration from %s: %v", configPath, err)
	}
	if cfg.Agent.ServerURL == "" {
		logger.Fatalf("agent.server_url must be configured")
	}

	localDB, err := db.InitLocal(cfg.Agent.QueuePath)
	if err != nil {
		logger.Fatalf("failed to open local queue: %v", err)
	}

	s := syncer.New(
		syncer.NewQueue(localDB),
		syncer.NewHTTPRemote(cfg.Agent.ServerURL, cfg.Agent.BearerToken, cfg.Agent.RequestTimeout),
		clock.NewSystem(),
		syncer.WithSubject(cfg.Agent.SubjectID),
		syncer.WithInterval(cfg.Agent.FlushInterval),
		syncer.WithRequestTimeout(cfg.Agent.RequestTimeout),
		syncer.WithMaxAttempts(cfg.Agent.MaxAttempts),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "run":
		s.Run(ctx)
	case "arrive", "depart":
		err = enqueue(ctx, s, cmd, args)
	case "flush":
		err = flush(ctx, s)
	case "pending":
		err = pending(ctx, s)
	case "cache":
		err = cache(ctx, s, args)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		logger.Fatalf("%s: %v", cmd, err)
	}
}

func enqueue(ctx context.Context, s *syncer.Syncer, cmd string, args []string) error {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	reservation := fs.String("reservation", "", "reservation id")
	credential := fs.String("credential", "", "credential wire form (defaults to the cached one)")
	fs.Parse(args)

	kind, phase := syncer.KindArrive, domain.PhaseArrival
	if cmd == "depart" {
		kind, phase = syncer.KindDepart, domain.PhaseDeparture
	}

	wire := *credential
	if wire == "" {
		cached, err := s.CachedCredential(ctx, *reservation, phase)
		if err != nil && !errors.Is(err, syncer.ErrNotCached) {
			return err
		}
		wire = cached
	}
	if wire != "" {
		if _, err := syncer.Precheck(wire, *reservation, time.Now()); err != nil {
			return err
		}
	}

	e, err := s.Enqueue(ctx, syncer.EnqueueRequest{Kind: kind, ReservationID: *reservation, Credential: wire})
	if err != nil {
		return err
	}
	fmt.Printf("queued %s for %s as #%d\n", e.Kind, e.ReservationID, e.Seq)

	// Try right away; whatever cannot be sent stays queued.
	return flush(ctx, s)
}

func flush(ctx context.Context, s *syncer.Syncer) error {
	report, err := s.Flush(ctx)
	for _, r := range report.Results {
		line := fmt.Sprintf("#%d %s %s: %s", r.Seq, r.Kind, r.ReservationID, r.Outcome)
		if r.Err != nil {
			line += " (" + r.Err.Error() + ")"
		}
		fmt.Println(line)
	}
	fmt.Printf("%d event(s) remaining\n", report.Remaining)
	return err
}

func pending(ctx context.Context, s *syncer.Syncer) error {
	events, err := s.Pending(ctx)
	if err != nil {
		return err
	}
	for _, e := range events {
		fmt.Printf("#%d %s %s attempts=%d next=%s %s\n",
			e.Seq, e.Kind, e.ReservationID, e.Attempts, e.NextAttemptAt.Format(time.RFC3339), e.LastError)
	}
	return nil
}

func cache(ctx context.Context, s *syncer.Syncer, args []string) error {
	fs := flag.NewFlagSet("cache", flag.ExitOnError)
	reservation := fs.String("reservation", "", "reservation id")
	phaseFlag := fs.String("phase", string(domain.PhaseArrival), "ARRIVAL or DEPARTURE")
	credential := fs.String("credential", "", "credential to store; prints the cached one when empty")
	fs.Parse(args)

	phase, err := domain.ParsePhase(*phaseFlag)
	if err != nil {
		return err
	}
	if *credential == "" {
		wire, err := s.CachedCredential(ctx, *reservation, phase)
		if err != nil {
			return err
		}
		fmt.Println(wire)
		return nil
	}
	if _, err := syncer.Precheck(*credential, *reservation, time.Now()); err != nil {
		return err
	}
	return s.CacheCredential(ctx, *reservation, phase, *credential)
}
