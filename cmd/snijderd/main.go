// SPDX-License-Identifier: AGPL-3.0-only
// Command snijderd runs the job spooler: parsing jobfiles dropped into a
// watched spool directory, scheduling them round-robin per user, and
// dispatching one at a time to a local execution backend.
//
// Flags mirror original_source/src/snijder/cmdline.py's argparse setup
// (§6.5 of the specification): CLI parsing itself is an out-of-scope
// collaborator, so this stays on the standard library's flag package
// rather than reaching for a third-party CLI framework.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"snijder/config"
	"snijder/internal/levellog"
	"snijder/jobs"
	"snijder/spool"
	"snijder/store"
)

type countFlag int

func (c *countFlag) String() string { return fmt.Sprintf("%d", *c) }
func (c *countFlag) Set(string) error {
	*c++
	return nil
}
func (c *countFlag) IsBoolFlag() bool { return true }

func main() {
	os.Exit(run())
}

func run() int {
	var spoolDir string
	var configPath string
	var resource string
	var verbosity countFlag
	var historyPath string

	flag.StringVar(&spoolDir, "spooldir", "", `spooling directory for jobfiles (e.g. "run/spool/"), required`)
	flag.StringVar(&configPath, "config", "", "spooler YAML config file (optional)")
	flag.StringVar(&resource, "resource", "", "execution resource name (optional)")
	flag.Var(&verbosity, "v", "increase log level (may be repeated)")
	flag.StringVar(&historyPath, "history-db", "", "sqlite path for the non-authoritative job history log (optional)")
	flag.Parse()

	if spoolDir == "" {
		fmt.Fprintln(os.Stderr, "error: --spooldir is required")
		flag.Usage()
		return 2
	}

	levellog.SetVerbosity(int(verbosity))

	cfg, err := config.Load(configPath)
	if err != nil {
		levellog.Criticalf("loading config: %s", err)
		return 1
	}

	dirs, err := spool.SetupRunDirs(spoolDir)
	if err != nil {
		levellog.Criticalf("setting up spool directories: %s", err)
		return 1
	}

	queue := jobs.NewJobQueue(cfg.QueueName)
	queue.SetStatusFile(dirs.StatusFile(cfg.QueueName))

	resourceDirs := cfg.ResourceDirs
	if len(resourceDirs) == 0 {
		resourceDirs = []string{spoolDir + "/backend/resources"}
	}
	engine := jobs.NewEngine(resourceDirs)
	if resource != "" {
		engine.SelectResource(resource)
	}
	if err := engine.Setup(); err != nil {
		fmt.Fprintf(os.Stderr, "\nERROR instantiating the job spooler: %s\n", err)
		return 1
	}

	// history is left as a nil interface (not a nil *store.Store) when no
	// history-db path is given, so the controller's "history != nil"
	// check is honored correctly: a (*store.Store)(nil) assigned to an
	// interface variable would compare non-nil despite the missing store.
	var history jobs.HistoryRecorder
	if historyPath != "" {
		st, err := store.Open(historyPath)
		if err != nil {
			levellog.Criticalf("opening history log %s: %s", historyPath, err)
			return 1
		}
		defer st.Close()
		history = st
	}

	tick := time.Duration(cfg.TickInterval * float64(time.Second))
	spooler := jobs.NewSpooler(dirs, queue, engine, cfg.JobfileVersion, tick, history)
	spooler.SetDefaultExecutable(cfg.DefaultExecutable)

	spooler.ProcessPreExisting()

	if err := spooler.StartWatch(); err != nil {
		levellog.Criticalf("watching %s: %s", dirs.New, err)
		return 1
	}
	defer spooler.StopWatch()

	spooler.Run()
	return 0
}
