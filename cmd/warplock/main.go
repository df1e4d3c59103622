package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"
)

// Version is the CLI version.
const Version = "1.0.0"

// exitNotHeld is the exit status when a lock was not obtained or not released.
const exitNotHeld = 3

var errNotHeld = errors.New("lock not held")

var (
	env *runtime

	rootCmd = &cobra.Command{
		Use:   "warplock",
		Short: "Distributed locks over Redis or etcd",
		Long: fmt.Sprintf(`warplock (v%s)

Acquire, release and hold leased locks shared through Redis or etcd. Flags can
also be set through WARPLOCK_<FLAG> environment variables (e.g.
WARPLOCK_REDIS_ADDR=localhost:6379), read from .env and .env.local.`, Version),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			v, err := newViper(cmd)
			if err != nil {
				return err
			}
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			env, err = newRuntime(cfg, cmd.ErrOrStderr())
			return err
		},
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of warplock",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "warplock v%s\n", Version)
		},
	}
)

func init() {
	cobra.OnInitialize(loadEnvFiles)
	setupFlags(rootCmd)
	rootCmd.AddCommand(acquireCmd, releaseCmd, runCmd, sweepCmd, benchCmd, versionCmd)
}

func main() {
	err := rootCmd.Execute()
	if env != nil {
		env.close()
	}
	os.Exit(exitCode(err))
}

func exitCode(err error) int {
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errNotHeld):
		return exitNotHeld
	case errors.As(err, &exitErr):
		return exitErr.ExitCode()
	default:
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
}
