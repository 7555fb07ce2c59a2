// greenrt runs compiled green-thread programs.
//
// This is the main entry point. It loads the configuration, sets up
// logging and dispatches to the subcommands in commands.go.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/fortiblox/greenrt/pkg/config"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

// Exit codes of the CLI itself. Runs exit with the runtime's code.
const (
	exitUsage       = 2
	exitError       = 3
	exitInterrupted = 130
)

// Configuration flags
var (
	configPath    = flag.String("config", "", "TOML configuration file")
	logLevel      = flag.String("log-level", "", "Log level: debug, info, notice, warning, error, critical, none")
	logFile       = flag.String("log-file", "", "Log file (default stderr)")
	storePath     = flag.String("store", "", "Image store file")
	journalPath   = flag.String("journal", "", "Journal directory, or :memory:")
	computeLimit  = flag.Uint64("compute-limit", 0, "Compute units per run")
	stackCapacity = flag.Uint64("stack-capacity", 0, "Stack bytes per process")
	memoryBudget  = flag.Uint64("memory-budget", 0, "Total stack memory budget in bytes (0 = unlimited)")
	showVersion   = flag.Bool("version", false, "Print version and exit")
)

var log = commonlog.GetLogger("greenrt")

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "Usage: greenrt [flags] <command> [args]\n\n")
	fmt.Fprintf(out, "Commands:\n")
	fmt.Fprintf(out, "  run <file.so>          load and run an ELF program\n")
	fmt.Fprintf(out, "  run -image <id>        run a stored image\n")
	fmt.Fprintf(out, "  store add <file.so>... add programs to the image store\n")
	fmt.Fprintf(out, "  store ls               list stored images\n")
	fmt.Fprintf(out, "  store rm <id>...       remove stored images\n")
	fmt.Fprintf(out, "  journal [run-id]       list runs, or print the events of one run\n")
	fmt.Fprintf(out, "  config                 print the effective configuration\n\n")
	fmt.Fprintf(out, "Flags:\n")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Printf("greenrt %s (%s)\n", Version, GitCommit)
		os.Exit(0)
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "greenrt: %v\n", err)
		os.Exit(exitUsage)
	}

	commonlog.Configure(cfg.Verbosity(), cfg.LogFile())

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(exitUsage)
	}

	var code int
	switch args[0] {
	case "run":
		code, err = runCommand(cfg, args[1:])
	case "store":
		err = storeCommand(cfg, args[1:])
	case "journal":
		err = journalCommand(cfg, args[1:])
	case "config":
		err = cfg.Encode(os.Stdout)
	default:
		err = fmt.Errorf("%w: unknown command %q", errUsage, args[0])
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "greenrt: %v\n", err)
		if code == 0 {
			code = exitError
			if isUsage(err) {
				code = exitUsage
			}
		}
	}
	os.Exit(code)
}

// loadConfig reads the configuration file, if any, and applies the flags
// that were set on the command line.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if *configPath != "" {
		c, err := config.Load(*configPath)
		if err != nil {
			return nil, err
		}
		cfg = c
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "log-level":
			cfg.Log.Level = *logLevel
		case "log-file":
			cfg.Log.File = *logFile
		case "store":
			cfg.Store.Path = *storePath
		case "journal":
			cfg.Journal.Path = *journalPath
		case "compute-limit":
			cfg.Runtime.ComputeLimit = *computeLimit
		case "stack-capacity":
			cfg.Runtime.StackCapacity = *stackCapacity
		case "memory-budget":
			cfg.Runtime.MemoryBudget = *memoryBudget
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
