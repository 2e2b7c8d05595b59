// examguard - Exam lockdown core
//
// Runs exam sessions against the lockdown core and inspects the sealed
// report archive:
//
//	examguard simulate            Drive a scripted session on a simulated device
//	examguard list                List archived reports
//	examguard report <session>    Show an archived report
//	examguard export <session>    Export an archived report as JSON
//	examguard verify [<session>]  Verify the archive chain or one report
//	examguard delete <session>    Discard an archived report body
//	examguard recover             Archive sessions left in the journal by a crash
//	examguard version             Show version information
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"runtime"
)

// Set at build time with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "unknown"
)

// errUsage signals that the command already printed its usage line.
var errUsage = errors.New("usage")

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "simulate":
		err = cmdSimulate(args)
	case "list":
		err = cmdList(args)
	case "report":
		err = cmdReport(args)
	case "export":
		err = cmdExport(args)
	case "verify":
		err = cmdVerify(args)
	case "delete":
		err = cmdDelete(args)
	case "recover":
		err = cmdRecover(args)
	case "version", "-v", "--version":
		cmdVersion()
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`examguard - Exam lockdown core

USAGE:
    examguard <command> [options]

COMMANDS:
    simulate            Run a scripted exam session on a simulated device
    list                List archived reports
    report <session>    Show an archived report
    export <session>    Export an archived report as sealed JSON
    verify [<session>]  Verify the archive chain, one report, or -file
    delete <session>    Discard an archived report body
    recover             Archive sessions left in the journal by a crash
    version             Show version information
    help                Show this help message

COMMON OPTIONS:
    -config <path>      Configuration file (default: ./config.toml or the
                        platform config directory; EXAMGUARD_CONFIG)

SIMULATION:
    examguard simulate -duration 5s -pins 1,1,0,1 \
        -events "1s:away,1.5s:return,2s:focus-lost,2.2s:focus-gained,3s:unpin"

    Violations are printed as they are recorded. When the session ends the
    report is printed and, if the archive is enabled, sealed into it.

    Every violation is also synced to a per-session journal; a session
    cut short by a crash is archived by the next simulate or recover.

    -listen <addr> serves /metrics, /livez, /readyz and /healthz while the
    session runs.`)
}

// newFlagSet returns a flag set carrying the common -config option.
func newFlagSet(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	cfgPath := fs.String("config", "", "Configuration file")
	return fs, cfgPath
}

func cmdVersion() {
	fmt.Printf("examguard %s\n", version)
	fmt.Printf("  Commit:   %s\n", commit)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Printf("  Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
}
