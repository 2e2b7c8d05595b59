package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/Natiabay/Autonomous-Blind-Examiner-Mobile-application-sub002/internal/report"
	"github.com/Natiabay/Autonomous-Blind-Examiner-Mobile-application-sub002/internal/security"
	"github.com/Natiabay/Autonomous-Blind-Examiner-Mobile-application-sub002/internal/store"
)

// withArchive sets up the environment, opens the archive and runs fn.
func withArchive(cfgPath string, fn func(ctx context.Context, e *env) error) error {
	e, err := setupEnv(cfgPath)
	if err != nil {
		return err
	}
	defer e.Close()

	if err := e.openArchive(); err != nil {
		return err
	}
	return fn(context.Background(), e)
}

func cmdList(args []string) error {
	fs, cfgPath := newFlagSet("list")
	showDeleted := fs.Bool("all", false, "Include deleted reports")
	fs.Parse(args)

	return withArchive(*cfgPath, func(ctx context.Context, e *env) error {
		entries, err := e.archive.List(ctx)
		if err != nil {
			return err
		}
		stats, err := e.archive.Stats(ctx)
		if err != nil {
			return err
		}

		if len(entries) == 0 {
			fmt.Println("No archived reports.")
			return nil
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SEQ\tSESSION\tEXAM\tSTARTED\tDURATION\tCRITICAL\tTOTAL")
		for _, en := range entries {
			if en.Deleted() && !*showDeleted {
				continue
			}
			session := en.SessionID
			if en.Deleted() {
				session += " (deleted)"
			}
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d\t%d\n",
				en.Seq, session, en.ExamID,
				en.StartTime.Local().Format("2006-01-02 15:04:05"),
				en.EndTime.Sub(en.StartTime).Round(time.Second),
				en.Critical, en.Total)
		}
		tw.Flush()

		fmt.Printf("\n%d reports (%d deleted), head %s\n", stats.Reports, stats.Deleted, shortHash(stats.Head))
		return nil
	})
}

func cmdReport(args []string) error {
	fs, cfgPath := newFlagSet("report")
	fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: examguard report <session> [-config path]")
		return errUsage
	}
	id := fs.Arg(0)

	return withArchive(*cfgPath, func(ctx context.Context, e *env) error {
		r, err := e.archive.Get(ctx, id)
		if err != nil {
			return err
		}
		printReport(os.Stdout, r)
		return nil
	})
}

func cmdExport(args []string) error {
	fs, cfgPath := newFlagSet("export")
	output := fs.String("o", "", "Output file (default: <session>.report.json)")
	fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: examguard export <session> [-o output.json]")
		return errUsage
	}
	id := fs.Arg(0)
	if *output == "" {
		*output = id + ".report.json"
	}

	return withArchive(*cfgPath, func(ctx context.Context, e *env) error {
		r, err := e.archive.Get(ctx, id)
		if err != nil {
			return err
		}
		var buf bytes.Buffer
		if err := r.Encode(&buf); err != nil {
			return err
		}
		if *output == "-" {
			_, err := os.Stdout.Write(buf.Bytes())
			return err
		}
		if err := security.WriteSecretFile(*output, buf.Bytes()); err != nil {
			return err
		}
		fmt.Printf("Exported %s to %s\n", id, *output)
		return nil
	})
}

func cmdVerify(args []string) error {
	fs, cfgPath := newFlagSet("verify")
	file := fs.String("file", "", "Verify an exported report file instead of the archive")
	fs.Parse(args)

	if *file != "" {
		return verifyFile(*cfgPath, *file)
	}

	return withArchive(*cfgPath, func(ctx context.Context, e *env) error {
		if fs.NArg() > 0 {
			id := fs.Arg(0)
			r, err := e.archive.Get(ctx, id)
			if err != nil {
				return fmt.Errorf("report %s: %w", id, err)
			}
			fmt.Printf("[OK] report %s: seal valid, %d violations\n", id, r.Summary.Total)
			return nil
		}

		n, err := e.archive.VerifyChain(ctx)
		if err != nil {
			if errors.Is(err, store.ErrChainBroken) {
				fmt.Printf("[FAIL] archive chain broken after %d reports\n", n)
			}
			return err
		}
		fmt.Printf("[OK] archive chain intact: %d reports\n", n)
		return nil
	})
}

func verifyFile(cfgPath, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := report.Validate(data); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	r, err := report.Decode(data)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	e, err := setupEnv(cfgPath)
	if err != nil {
		return err
	}
	defer e.Close()

	key, err := e.sealKey()
	if err != nil {
		return err
	}
	if err := r.Verify(key); err != nil {
		fmt.Printf("[FAIL] %s: %v\n", path, err)
		return err
	}
	fmt.Printf("[OK] %s: seal valid for session %s\n", path, r.SessionID)
	return nil
}

func cmdDelete(args []string) error {
	fs, cfgPath := newFlagSet("delete")
	fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: examguard delete <session> [-config path]")
		return errUsage
	}
	id := fs.Arg(0)

	return withArchive(*cfgPath, func(ctx context.Context, e *env) error {
		if err := e.archive.Delete(ctx, id); err != nil {
			return err
		}
		fmt.Printf("Deleted report body for %s; its chain link is kept.\n", id)
		return nil
	})
}

func cmdRecover(args []string) error {
	fs, cfgPath := newFlagSet("recover")
	fs.Parse(args)

	return withArchive(*cfgPath, func(ctx context.Context, e *env) error {
		recovered, err := e.recoverJournals(ctx)
		for _, rec := range recovered {
			state := "ended"
			if rec.Interrupted {
				state = "interrupted"
			}
			fmt.Printf("[OK] %s: %s session, %d violations archived\n", rec.Session.ID, state, len(rec.Violations))
		}
		if err != nil {
			return err
		}
		if len(recovered) == 0 {
			fmt.Println("No pending journals.")
		}
		return nil
	})
}

func printReport(w io.Writer, r *report.Report) {
	fmt.Fprintf(w, "=== Exam Report ===\n")
	fmt.Fprintf(w, "Session:  %s\n", r.SessionID)
	fmt.Fprintf(w, "Exam:     %s (%s)\n", r.ExamTitle, r.ExamID)
	fmt.Fprintf(w, "Started:  %s\n", r.StartTime.Local().Format(time.RFC3339))
	fmt.Fprintf(w, "Ended:    %s\n", r.EndTime.Local().Format(time.RFC3339))
	fmt.Fprintf(w, "Duration: %s\n", (time.Duration(r.DurationMs) * time.Millisecond).Round(time.Millisecond))
	fmt.Fprintf(w, "Summary:  %d critical, %d warning, %d info (%d total)\n",
		r.Summary.Critical, r.Summary.Warning, r.Summary.Info, r.Summary.Total)
	if r.Seal != nil {
		fmt.Fprintf(w, "Seal:     %s %s\n", r.Seal.Algorithm, shortHash(r.Seal.MAC))
	}

	if len(r.Violations) == 0 {
		fmt.Fprintln(w, "\nNo violations recorded.")
		return
	}

	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tOFFSET\tSEVERITY\tKIND\tMESSAGE")
	for _, v := range r.Violations {
		fmt.Fprintf(tw, "%d\t+%s\t%s\t%s\t%s\n",
			v.Seq, v.Timestamp.Sub(r.StartTime).Round(time.Millisecond), v.Severity, v.Kind, v.Message)
	}
	tw.Flush()
}

func shortHash(h string) string {
	if len(h) > 16 {
		return h[:16] + "..."
	}
	return h
}
