package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/labcoord/labcoord/core/coordinator"
	"github.com/labcoord/labcoord/core/infra/config"
	"github.com/labcoord/labcoord/core/infra/store"
)

var (
	flagServers   []string
	flagExclusive bool

	rootCmd = &cobra.Command{
		Use:   "labcoord",
		Short: "coordinate the use of lab servers by a lock manner",
		Long: `labcoord coordinates exclusive and shared use of lab servers between
independent processes through a shared Redis instance.

Use exclusive locks (-e) for performance experiments that need servers to
themselves, and the default inclusive locks for normal tests that can share.`,
		SilenceUsage: true,
	}

	lockCmd = &cobra.Command{
		Use:   "lock",
		Short: "Acquire locks, waiting until they are free",
		RunE:  runLock,
	}

	trylockCmd = &cobra.Command{
		Use:   "trylock",
		Short: "Acquire locks without waiting; fails if any server is taken",
		RunE:  runTrylock,
	}

	unlockCmd = &cobra.Command{
		Use:   "unlock",
		Short: "Release previously acquired locks",
		RunE:  runUnlock,
	}

	checkCmd = &cobra.Command{
		Use:   "check",
		Short: "Show every lock currently held, across all users",
		RunE:  runCheck,
	}

	unlockallCmd = &cobra.Command{
		Use:   "unlockall",
		Short: "Remove ALL locks of ALL users; debugging and recovery only",
		Long: `Remove every lock in the namespace regardless of who holds it.

This performs no ownership checks. Use it only to recover from a crashed
client that left locks behind, never as a substitute for unlock.`,
		RunE: runUnlockall,
	}
)

func init() {
	cobra.OnInitialize(initEnv)

	rootCmd.PersistentFlags().String("redis-url", "", "redis URL of the shared store (default from config or redis://localhost:6379)")
	rootCmd.PersistentFlags().String("namespace", "", "key namespace shared by all clients")
	rootCmd.PersistentFlags().String("settings", "", "path to a YAML settings file")
	rootCmd.PersistentFlags().String("identity", "", "identity to lock as (default: local user)")
	rootCmd.PersistentFlags().Duration("retry-interval", 0, "delay between blocking lock attempts")

	for _, cmd := range []*cobra.Command{lockCmd, trylockCmd, unlockCmd} {
		cmd.Flags().StringSliceVarP(&flagServers, "servers", "s", nil, "ids of the servers to use, for example: -s 42,49")
		cmd.Flags().BoolVarP(&flagExclusive, "exclusive", "e", false, "forbid other users on the servers, for performance experiments")
		rootCmd.AddCommand(cmd)
	}
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(unlockallCmd)
}

// initEnv loads .env files and binds LABCOORD_* environment variables to
// the persistent flags.
func initEnv() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("labcoord")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	_ = viper.BindPFlags(rootCmd.PersistentFlags())
}

// loadConfig layers flags over the file/env configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetString("settings"))
	if err != nil {
		return nil, err
	}
	if v := viper.GetString("redis-url"); v != "" {
		cfg.RedisURL = v
	}
	if v := viper.GetString("namespace"); v != "" {
		cfg.Namespace = v
	}
	if v := viper.GetString("identity"); v != "" {
		cfg.Identity = v
	}
	if v := viper.GetDuration("retry-interval"); v > 0 {
		cfg.RetryInterval = v
	}
	return cfg, nil
}

func newCoordinator() (*coordinator.Coordinator, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	st, err := store.NewRedisStore(cfg.RedisURL, nil)
	if err != nil {
		return nil, nil, err
	}
	c, err := coordinator.New(st, coordinator.Options{
		Namespace:     store.Namespace(cfg.Namespace),
		Identity:      cfg.Identity,
		RetryInterval: cfg.RetryInterval,
	})
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	return c, func() { st.Close() }, nil
}

func requireServers() (servers []string, mode coordinator.Mode, err error) {
	if len(flagServers) == 0 {
		return nil, "", errors.New("no servers to lock or unlock")
	}
	mode = coordinator.ModeInclusive
	if flagExclusive {
		mode = coordinator.ModeExclusive
	}
	return flagServers, mode, nil
}

func runLock(cmd *cobra.Command, _ []string) error {
	servers, mode, err := requireServers()
	if err != nil {
		return err
	}
	c, done, err := newCoordinator()
	if err != nil {
		return err
	}
	defer done()
	return c.Acquire(context.Background(), servers, mode)
}

func runTrylock(cmd *cobra.Command, _ []string) error {
	servers, mode, err := requireServers()
	if err != nil {
		return err
	}
	c, done, err := newCoordinator()
	if err != nil {
		return err
	}
	defer done()
	ok, err := c.TryAcquire(context.Background(), servers, mode)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintln(cmd.OutOrStdout(), "failed to acquire lock")
		if err := printStates(cmd, c); err != nil {
			return err
		}
		return errors.New("servers are in use")
	}
	return nil
}

func runUnlock(cmd *cobra.Command, _ []string) error {
	servers, mode, err := requireServers()
	if err != nil {
		return err
	}
	c, done, err := newCoordinator()
	if err != nil {
		return err
	}
	defer done()
	return c.Release(context.Background(), servers, mode)
}

func runCheck(cmd *cobra.Command, _ []string) error {
	c, done, err := newCoordinator()
	if err != nil {
		return err
	}
	defer done()
	return printStates(cmd, c)
}

func runUnlockall(cmd *cobra.Command, _ []string) error {
	c, done, err := newCoordinator()
	if err != nil {
		return err
	}
	defer done()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	n, err := c.ClearAll(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "removed %d keys\n", n)
	return nil
}

func printStates(cmd *cobra.Command, c *coordinator.Coordinator) error {
	states, err := c.Inspect(context.Background())
	if err != nil {
		return err
	}
	if len(states) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no lock found")
		return nil
	}
	for _, state := range states {
		if state.Mode == coordinator.ModeExclusive {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\texclusive\t%s\n", state.Resource, state.Owner)
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\tinclusive\t%s\n", state.Resource, strings.Join(state.Holders, ","))
	}
	return nil
}
