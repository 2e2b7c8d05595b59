package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/Natiabay/Autonomous-Blind-Examiner-Mobile-application-sub002/internal/config"
	"github.com/Natiabay/Autonomous-Blind-Examiner-Mobile-application-sub002/internal/health"
	"github.com/Natiabay/Autonomous-Blind-Examiner-Mobile-application-sub002/internal/logging"
	"github.com/Natiabay/Autonomous-Blind-Examiner-Mobile-application-sub002/internal/platform/sim"
	"github.com/Natiabay/Autonomous-Blind-Examiner-Mobile-application-sub002/internal/report"
	"github.com/Natiabay/Autonomous-Blind-Examiner-Mobile-application-sub002/internal/sentinel"
)

type simulateOptions struct {
	examID    string
	title     string
	duration  time.Duration
	pins      []bool
	steps     []step
	listen    string
	noArchive bool
	jsonOut   bool
}

func cmdSimulate(args []string) error {
	fs, cfgPath := newFlagSet("simulate")
	examID := fs.String("exam", "demo-exam", "Exam identifier")
	title := fs.String("title", "Demo Exam", "Exam title")
	duration := fs.Duration("duration", 5*time.Second, "Session length")
	pins := fs.String("pins", "", "Scripted pin-state answers, e.g. 1,1,0,1")
	events := fs.String("events", "", "Timeline of offset:action entries")
	listen := fs.String("listen", "", "Serve metrics and health on this address")
	noArchive := fs.Bool("no-archive", false, "Do not archive the report")
	jsonOut := fs.Bool("json", false, "Print the report as JSON")
	listActions := fs.Bool("actions", false, "List timeline actions and exit")
	fs.Parse(args)

	if *listActions {
		printActions(os.Stdout)
		return nil
	}
	if *duration <= 0 {
		return fmt.Errorf("duration must be positive")
	}

	opts := simulateOptions{
		examID:    *examID,
		title:     *title,
		duration:  *duration,
		listen:    *listen,
		noArchive: *noArchive,
		jsonOut:   *jsonOut,
	}
	var err error
	if opts.pins, err = parsePins(*pins); err != nil {
		return err
	}
	if opts.steps, err = parseTimeline(*events); err != nil {
		return err
	}

	e, err := setupEnv(*cfgPath)
	if err != nil {
		return err
	}
	defer e.Close()

	if opts.listen == "" && e.cfg.Metrics.Enabled {
		opts.listen = e.cfg.Metrics.ListenAddr
	}

	crash := logging.NewCrashHandler(e.crashDir(), version, e.logger)
	var runErr error
	if r := crash.Recover(map[string]interface{}{"command": "simulate", "exam_id": opts.examID}, func() {
		runErr = runSimulation(e, opts)
	}); r != nil {
		return fmt.Errorf("simulation crashed: %v", r)
	}
	return runErr
}

func printActions(w io.Writer) {
	names := make([]string, 0, len(stepActions))
	for name := range stepActions {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-13s %s\n", name, stepActions[name])
	}
}

func runSimulation(e *env, opts simulateOptions) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := e.logger.WithComponent("simulate")

	dev := sim.NewDevice()
	if len(opts.pins) > 0 {
		dev.Enforcement.Script(opts.pins...)
	}

	sentinelOpts := []sentinel.Option{
		sentinel.WithLogger(e.logger),
		sentinel.WithMetrics(e.metrics),
		sentinel.WithAudit(e.audit),
	}
	archiving := e.cfg.Archive.Enabled && !opts.noArchive
	if archiving {
		if err := e.openArchive(); err != nil {
			return err
		}
		sentinelOpts = append(sentinelOpts, sentinel.WithArchiver(e.archive))
	}
	if e.cfg.Journal.Enabled {
		if err := e.openJournal(); err != nil {
			return err
		}
		if archiving {
			recovered, err := e.recoverJournals(ctx)
			for _, rec := range recovered {
				fmt.Printf("Recovered session %s from journal (%d violations)\n", rec.Session.ID, len(rec.Violations))
			}
			if err != nil {
				log.Warn("journal recovery incomplete", "error", err)
			}
		}
		sentinelOpts = append(sentinelOpts, sentinel.WithJournal(e.journal))
	}

	s, err := sentinel.New(e.cfg.SentinelConfig(), sentinel.NewRegistry(e.logger), dev.Ports(), sentinelOpts...)
	if err != nil {
		return err
	}
	defer s.Close(context.Background())

	if loader := watchConfig(ctx, e, s); loader != nil {
		defer loader.Close()
	}

	if opts.listen != "" {
		srv, err := serveStatus(e, s, opts.listen)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	events := s.Subscribe()
	printed := make(chan struct{})
	start := time.Now()
	go func() {
		defer close(printed)
		for ev := range events {
			printEvent(os.Stdout, start, ev)
		}
	}()

	id, err := s.StartSession(ctx, opts.examID, opts.title)
	if err != nil {
		return err
	}
	log.Info("simulation started", "session", id, "duration", opts.duration, "steps", len(opts.steps))

	interrupted := playTimeline(ctx, start, opts, dev, s, id)
	if interrupted {
		fmt.Println("Interrupted, ending session...")
	}

	endCtx, cancel := context.WithTimeout(context.Background(), e.cfg.SentinelConfig().StopTimeout+time.Second)
	defer cancel()
	s.EndSession(endCtx, id)

	session, _ := s.Session(id)
	r, err := report.Build(session, s.Violations(id))
	if err != nil {
		return err
	}

	s.Close(context.Background())
	<-printed

	fmt.Println()
	if opts.jsonOut {
		if key, err := e.sealKey(); err == nil {
			if err := r.SealWith(key); err != nil {
				return err
			}
		}
		if err := r.Encode(os.Stdout); err != nil {
			return err
		}
	} else {
		printReport(os.Stdout, r)
	}

	if archiving {
		if _, err := e.archive.Get(context.Background(), id); err != nil {
			return fmt.Errorf("report was not archived: %w", err)
		}
		fmt.Printf("\nArchived: %s\n", e.archive.Path())
	}
	return nil
}

// playTimeline applies the scripted steps and waits out the session. It
// reports whether the context ended first.
func playTimeline(ctx context.Context, start time.Time, opts simulateOptions, dev *sim.Device, host hostReporter, id string) bool {
	for _, st := range opts.steps {
		if st.At >= opts.duration {
			break
		}
		if !sleepUntil(ctx, start.Add(st.At)) {
			return true
		}
		st.apply(dev, host, id)
	}
	return !sleepUntil(ctx, start.Add(opts.duration))
}

func sleepUntil(ctx context.Context, t time.Time) bool {
	d := time.Until(t)
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// watchConfig reloads timings from the config file while the simulation
// runs. Reloaded timings apply to sessions started afterwards.
func watchConfig(ctx context.Context, e *env, s *sentinel.Sentinel) *config.Loader {
	if _, err := os.Stat(e.cfgPath); err != nil {
		return nil
	}
	loader := config.NewLoader(e.cfgPath)
	if _, err := loader.Load(); err != nil {
		e.logger.Warn("config watch disabled", "error", err)
		return nil
	}
	loader.OnChange(func(old, updated *config.Config) {
		for setting, v := range config.Diff(old, updated) {
			_ = e.audit.LogConfigChange(ctx, setting, v[0], v[1])
		}
		if err := s.SetConfig(updated.SentinelConfig()); err != nil {
			e.logger.Warn("reloaded config rejected", "error", err)
			return
		}
		e.logger.Info("config reloaded", "path", e.cfgPath)
	})
	if err := loader.Watch(); err != nil {
		e.logger.Warn("config watch disabled", "error", err)
		return nil
	}
	go func() {
		for err := range loader.Errors() {
			e.logger.Warn("config reload failed", "error", err)
		}
	}()
	return loader
}

// serveStatus exposes metrics and health for the running core.
func serveStatus(e *env, s *sentinel.Sentinel, addr string) (*http.Server, error) {
	checker := health.NewChecker()
	checker.Add("enforcement", false, health.EnforcementCheck(s))
	if e.archive != nil {
		checker.Add("archive", true, health.PingCheck(e.archive.Ping))
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", e.registry.HTTPHandler())
	checker.Mount(mux)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return nil, fmt.Errorf("serve %s: %w", addr, err)
	case <-time.After(100 * time.Millisecond):
	}
	checker.SetReady(true)
	e.logger.Info("status endpoints listening", "addr", addr)
	return srv, nil
}

func printEvent(w io.Writer, start time.Time, ev sentinel.Event) {
	offset := ev.Timestamp.Sub(start).Seconds()
	switch {
	case ev.Violation != nil:
		v := ev.Violation
		fmt.Fprintf(w, "[+%6.3fs] %-8s %-22s %s\n", offset, v.Severity, v.Kind, v.Message)
	default:
		fmt.Fprintf(w, "[+%6.3fs] %s\n", offset, ev.Type)
	}
}
