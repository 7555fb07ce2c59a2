package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	"github.com/fortiblox/greenrt/internal/types"
	"github.com/fortiblox/greenrt/pkg/config"
	"github.com/fortiblox/greenrt/pkg/diag"
	"github.com/fortiblox/greenrt/pkg/green/ffi"
	"github.com/fortiblox/greenrt/pkg/green/loader"
	"github.com/fortiblox/greenrt/pkg/green/proc"
	"github.com/fortiblox/greenrt/pkg/green/rt"
	"github.com/fortiblox/greenrt/pkg/green/sbpf"
	"github.com/fortiblox/greenrt/pkg/imagestore"
	"github.com/fortiblox/greenrt/pkg/journal"
)

var errUsage = errors.New("usage")

func isUsage(err error) bool {
	return errors.Is(err, errUsage) || errors.Is(err, flag.ErrHelp)
}

func openStore(cfg *config.Config) (*imagestore.Store, error) {
	if cfg.Store.Path == "" {
		return nil, errors.New("no image store configured (set store.path or -store)")
	}
	return imagestore.Open(imagestore.DefaultConfig(cfg.Store.Path))
}

func openJournal(cfg *config.Config) (*journal.Journal, error) {
	if cfg.Journal.Path == "" {
		return nil, errors.New("no journal configured (set journal.path or -journal)")
	}
	jc := journal.DefaultConfig(cfg.Journal.Path)
	jc.Logger = commonlog.GetLogger("greenrt.badger")
	return journal.Open(jc)
}

// loadProgram reads the ELF object at path, warning about imports no
// foreign call serves.
func loadProgram(path string, calls sbpf.Resolver) (*proc.Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	img, err := loader.Load(data)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	for _, h := range img.Unresolved(calls) {
		log.Warningf("%s: unresolved import 0x%08x", path, h)
	}
	return img.Program(strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))
}

func runCommand(cfg *config.Config, args []string) (int, error) {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	image := fs.String("image", "", "Run a stored image by id")
	if err := fs.Parse(args); err != nil {
		return 0, fmt.Errorf("%w: %v", errUsage, err)
	}
	if (*image == "") == (fs.NArg() == 0) || fs.NArg() > 1 {
		return 0, fmt.Errorf("%w: run takes either a file or -image", errUsage)
	}

	var sink diag.Sink = diag.NewLogSink("rt")
	d := ffi.NewDispatcher(sink)

	var prog *proc.Program
	if *image != "" {
		id, err := types.ImageIDFromBase58(*image)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", errUsage, err)
		}
		store, err := openStore(cfg)
		if err != nil {
			return 0, err
		}
		prog, err = store.Get(id)
		store.Close()
		if err != nil {
			return 0, err
		}
	} else {
		var err error
		if prog, err = loadProgram(fs.Arg(0), d); err != nil {
			return 0, err
		}
	}

	var (
		j   *journal.Journal
		run *journal.Run
	)
	if cfg.Journal.Path != "" {
		var err error
		if j, err = openJournal(cfg); err != nil {
			return 0, err
		}
		defer j.Close()
		if run, err = j.Begin(prog.Name); err != nil {
			return 0, err
		}
		sink = diag.Multi(sink, run)
		d = ffi.NewDispatcher(sink)
		log.Infof("journal run %s", run.ID())
	}

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		sig := <-sigChan
		log.Warningf("received signal %v, stopping", sig)
		os.Exit(interrupt(j, run))
	}()

	t := sbpf.New(d, sbpf.WithComputeLimit(cfg.Runtime.ComputeLimit))
	start := time.Now()
	code, runErr := rt.Start(prog, t,
		rt.WithSink(sink),
		rt.WithDispatcher(d),
		rt.WithSource(cfg.Source()),
		rt.WithStackCapacity(cfg.Runtime.StackCapacity),
		rt.WithFatal(func(code int, err error) {
			log.Criticalf("fatal (exit %d): %v", code, err)
		}),
	)
	log.Infof("%s exited with %d after %v", prog.Name, code, time.Since(start))

	if run != nil {
		if err := run.Finish(code); err != nil {
			log.Errorf("journal: %v", err)
		}
	}
	return code, runErr
}

// interrupt closes out an interrupted run and its journal, and returns the
// exit code for the interruption.
func interrupt(j *journal.Journal, run *journal.Run) int {
	if run != nil {
		if err := run.Finish(exitInterrupted); err != nil {
			log.Errorf("journal: %v", err)
		}
	}
	if j != nil {
		if err := j.Close(); err != nil {
			log.Errorf("journal: %v", err)
		}
	}
	return exitInterrupted
}

func storeCommand(cfg *config.Config, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: store add|ls|rm", errUsage)
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	switch args[0] {
	case "add":
		if len(args) < 2 {
			return fmt.Errorf("%w: store add <file.so>...", errUsage)
		}
		for _, path := range args[1:] {
			prog, err := loader.LoadFile(path)
			if err != nil {
				return err
			}
			id, err := store.Put(prog)
			if err != nil {
				return err
			}
			fmt.Printf("%s\t%s\n", id, prog.Name)
		}
		return nil

	case "ls":
		infos, err := store.List()
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tINSTRUCTIONS\tSIZE\tADDED")
		for _, info := range infos {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n", info.ID, info.Name, info.Instructions,
				info.Size, info.AddedAt().Format(time.RFC3339))
		}
		return w.Flush()

	case "rm":
		if len(args) < 2 {
			return fmt.Errorf("%w: store rm <id>...", errUsage)
		}
		for _, s := range args[1:] {
			id, err := types.ImageIDFromBase58(s)
			if err != nil {
				return fmt.Errorf("%w: %v", errUsage, err)
			}
			if err := store.Delete(id); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("%w: unknown store command %q", errUsage, args[0])
}

func journalCommand(cfg *config.Config, args []string) error {
	if len(args) > 1 {
		return fmt.Errorf("%w: journal [run-id]", errUsage)
	}

	j, err := openJournal(cfg)
	if err != nil {
		return err
	}
	defer j.Close()

	if len(args) == 1 {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("%w: %v", errUsage, err)
		}
		events, err := j.Events(id)
		if err != nil {
			return err
		}
		for _, e := range events {
			fmt.Println(e)
		}
		return nil
	}

	runs, err := j.Runs()
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tPROGRAM\tEXIT\tEVENTS\tSTARTED\tDURATION")
	for _, r := range runs {
		exit, dur := "-", "-"
		if r.Done() {
			exit = fmt.Sprint(r.Exit)
			dur = r.Duration().String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n", r.ID, r.Program, exit, r.Events,
			time.Unix(0, r.Started).Format(time.RFC3339), dur)
	}
	return w.Flush()
}
