package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/clawhq/dispatcher/internal/config"
	"github.com/clawhq/dispatcher/internal/lockmgr"
)

// doctorDeps groups the dependencies a single doctor check needs, the same
// Dependencies-bundle shape the teacher uses for its command handler.
type doctorDeps struct {
	cfgPath string
	cfg     *config.Config
}

type check struct {
	name string
	run  func(d *doctorDeps) error
}

var doctorChecks = []check{
	{name: "config loads and validates", run: checkConfig},
	{name: "state directory is readable and writable", run: checkStateDir},
	{name: "state directory lock can be acquired", run: checkLock},
}

func newDoctorCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Validate config, state directory, and locking before starting dispatcherd",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(*cfgPath, cmd.OutOrStdout())
		},
	}
}

func runDoctor(cfgPath string, out interface{ Write([]byte) (int, error) }) error {
	d := &doctorDeps{cfgPath: cfgPath}
	failed := 0

	for _, c := range doctorChecks {
		err := c.run(d)
		if err != nil {
			failed++
			fmt.Fprintf(out, "FAIL  %s: %v\n", c.name, err)
			continue
		}
		fmt.Fprintf(out, "OK    %s\n", c.name)
	}

	if failed > 0 {
		fmt.Fprintf(out, "\n%d check(s) failed\n", failed)
		os.Exit(1)
	}
	fmt.Fprintln(out, "\nall checks passed")
	return nil
}

func checkConfig(d *doctorDeps) error {
	cfg, err := config.Load(d.cfgPath)
	if err != nil {
		return err
	}
	if err := cfg.IsValid(); err != nil {
		return err
	}
	if unknown := cfg.UnknownKeys(); len(unknown) > 0 {
		fmt.Fprintf(os.Stdout, "      note: unrecognized config keys: %v\n", unknown)
	}
	d.cfg = cfg
	return nil
}

func checkStateDir(d *doctorDeps) error {
	if d.cfg == nil {
		return fmt.Errorf("skipped: config did not load")
	}
	if err := os.MkdirAll(d.cfg.StateDir, 0o755); err != nil {
		return fmt.Errorf("creating state dir %q: %w", d.cfg.StateDir, err)
	}

	probe := filepath.Join(d.cfg.StateDir, ".clawctl-doctor-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("writing probe file: %w", err)
	}
	defer os.Remove(probe)

	if _, err := os.ReadFile(probe); err != nil {
		return fmt.Errorf("reading probe file back: %w", err)
	}
	return nil
}

func checkLock(d *doctorDeps) error {
	if d.cfg == nil {
		return fmt.Errorf("skipped: config did not load")
	}

	locks := lockmgr.New()
	lockPath := filepath.Join(d.cfg.StateDir, "dispatch-state.json")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	unlock, err := locks.Lock(ctx, lockPath)
	if err != nil {
		return fmt.Errorf("acquiring lock on %q: %w", lockPath, err)
	}
	unlock()
	return nil
}
