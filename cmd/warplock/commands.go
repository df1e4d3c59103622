package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-warplock/v1/lock"
	"github.com/mirkobrombin/go-warplock/v1/store"
	"github.com/mirkobrombin/go-warplock/v1/validator"
)

var (
	acquireCmd = &cobra.Command{
		Use:   "acquire [key]",
		Short: "Acquire a lock",
		Long:  "Acquire a lock and print its expiry. The expiry is the ownership token expected by the release command. Exits with status 3 when the lock is not obtained.",
		Args:  cobra.ExactArgs(1),
		RunE:  runAcquire,
	}

	releaseCmd = &cobra.Command{
		Use:   "release [key] [expiry]",
		Short: "Release a previously acquired lock",
		Long:  "Release a lock using the key and the expiry printed by the acquire command. Exits with status 3 when the lock is no longer owned.",
		Args:  cobra.ExactArgs(2),
		RunE:  runRelease,
	}

	runCmd = &cobra.Command{
		Use:   "run [key] -- [command] [args...]",
		Short: "Run a command while holding a lock",
		Long:  "Acquire the lock, run the command and release the lock when the command exits. The command is not started when the lock is not obtained (exit status 3). The command's own exit status is passed through.",
		Args:  cobra.MinimumNArgs(2),
		RunE:  runRun,
	}

	sweepCmd = &cobra.Command{
		Use:   "sweep [prefix]",
		Short: "Find locks whose lease lapsed without a release",
		Long:  "Scan the keys starting with prefix and report zombie locks. With --heal they are deleted, so the next acquirer gets a fresh lock. With --interval the scan repeats until interrupted.",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runSweep,
	}

	benchCmd = &cobra.Command{
		Use:   "bench [key]",
		Short: "Hammer a lock from concurrent workers and check mutual exclusion",
		Args:  cobra.ExactArgs(1),
		RunE:  runBench,
	}
)

func init() {
	for _, c := range []*cobra.Command{acquireCmd, runCmd, benchCmd} {
		c.Flags().Duration("wait", 5*time.Second, "How long to keep trying while the lock is held elsewhere")
		c.Flags().Duration("lease", 30*time.Second, "How long the lock is held before others may recover it")
	}
	sweepCmd.Flags().Bool("heal", false, "Delete zombie locks")
	sweepCmd.Flags().Duration("interval", 0, "Repeat the scan at this interval")
	benchCmd.Flags().Int("workers", 8, "Number of concurrent workers")
	benchCmd.Flags().Int("rounds", 20, "Critical sections entered by each worker")
	benchCmd.Flags().Duration("hold", time.Millisecond, "Time spent inside each critical section")
}

func lockTimes(cmd *cobra.Command) (wait, lease time.Duration, err error) {
	if wait, err = cmd.Flags().GetDuration("wait"); err != nil {
		return 0, 0, err
	}
	if lease, err = cmd.Flags().GetDuration("lease"); err != nil {
		return 0, 0, err
	}
	return wait, lease, nil
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

// runAcquire handles the acquire command
func runAcquire(cmd *cobra.Command, args []string) error {
	wait, lease, err := lockTimes(cmd)
	if err != nil {
		return err
	}
	ctx, stop := signalContext(cmd)
	defer stop()

	out, err := env.coord.AcquireContext(ctx, args[0], wait, lease)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "result=%s expiry=%d\n", out.Result, out.Expiry)
	if !out.Held() {
		return errNotHeld
	}
	return nil
}

// runRelease handles the release command
func runRelease(cmd *cobra.Command, args []string) error {
	expiry, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid expiry %q: %w", args[1], err)
	}
	released, err := env.coord.ReleaseContext(cmd.Context(), args[0], expiry)
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "released=%v\n", released)
	if !released {
		return errNotHeld
	}
	return nil
}

// runRun handles the run command
func runRun(cmd *cobra.Command, args []string) error {
	wait, lease, err := lockTimes(cmd)
	if err != nil {
		return err
	}
	ctx, stop := signalContext(cmd)
	defer stop()

	key, argv := args[0], args[1:]
	err = env.coord.WithLock(ctx, key, wait, lease, func(ctx context.Context, h *lock.Handle) error {
		env.logger.Debug("warplock: running command", "key", key, "expiry", h.Expiry(), "command", argv[0])
		child := exec.CommandContext(ctx, argv[0], argv[1:]...)
		child.Stdin = os.Stdin
		child.Stdout = cmd.OutOrStdout()
		child.Stderr = cmd.ErrOrStderr()
		return child.Run()
	})
	if errors.Is(err, lock.ErrNotAcquired) {
		env.logger.Info("warplock: lock busy, command not run", "key", key)
		return errNotHeld
	}
	return err
}

// runSweep handles the sweep command
func runSweep(cmd *cobra.Command, args []string) error {
	lister, ok := env.client.(store.Lister)
	if !ok {
		return fmt.Errorf("backend %s cannot list keys", env.cfg.Backend)
	}
	prefix := ""
	if len(args) == 1 {
		prefix = args[0]
	}
	heal, _ := cmd.Flags().GetBool("heal")
	interval, _ := cmd.Flags().GetDuration("interval")
	mode := validator.ModeAlert
	if heal {
		mode = validator.ModeAutoHeal
	}
	ctx, stop := signalContext(cmd)
	defer stop()

	v := validator.New(lister, env.coord, mode, interval,
		validator.WithPrefix(prefix), validator.WithLogger(env.logger))
	if interval > 0 {
		v.Run(ctx)
	} else if err := v.Scan(ctx); err != nil {
		return err
	}
	m := v.Metrics()
	fmt.Fprintf(cmd.OutOrStdout(), "scanned=%d zombies=%d harvested=%d errors=%d\n",
		m.Scanned, m.Zombies, m.Harvested, m.Errors)
	return nil
}

// runBench handles the bench command
func runBench(cmd *cobra.Command, args []string) error {
	wait, lease, err := lockTimes(cmd)
	if err != nil {
		return err
	}
	workers, _ := cmd.Flags().GetInt("workers")
	rounds, _ := cmd.Flags().GetInt("rounds")
	hold, _ := cmd.Flags().GetDuration("hold")
	if workers <= 0 || rounds <= 0 {
		return fmt.Errorf("workers and rounds must be positive")
	}
	ctx, stop := signalContext(cmd)
	defer stop()

	key := args[0]
	var inside, entered, missed atomic.Int64
	var owner atomic.Value
	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		id := uuid.NewString()
		g.Go(func() error {
			for r := 0; r < rounds; r++ {
				err := env.coord.WithLock(ctx, key, wait, lease, func(ctx context.Context, _ *lock.Handle) error {
					if n := inside.Add(1); n > 1 {
						return fmt.Errorf("worker %s entered while %v held the lock", id, owner.Load())
					}
					owner.Store(id)
					entered.Add(1)
					select {
					case <-time.After(hold):
					case <-ctx.Done():
					}
					inside.Add(-1)
					return ctx.Err()
				})
				if errors.Is(err, lock.ErrNotAcquired) {
					missed.Add(1)
					continue
				}
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	elapsed := time.Since(start)
	fmt.Fprintf(cmd.OutOrStdout(), "workers=%d rounds=%d acquired=%d missed=%d elapsed=%v rate=%.2f/s\n",
		workers, rounds, entered.Load(), missed.Load(), elapsed.Round(time.Millisecond),
		float64(entered.Load())/elapsed.Seconds())
	return nil
}
