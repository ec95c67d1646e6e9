package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/flare576/ei/internal/config"
	"github.com/flare576/ei/internal/idgen"
)

var rootCmd = &cobra.Command{
	Use:           "ei",
	Short:         "Multi-persona conversational assistant engine",
	Long:          "ei runs a multi-persona conversational assistant: a REPL over stdin routes plain lines to the focused persona and \"/\"-prefixed lines to its command surface.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the interactive REPL",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.FromEnv()
		ctx := context.Background()
		a, err := buildApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		a.sched.RestoreFromRegistry()
		a.wkr.Start(ctx)

		bgCtx, stopBackground := context.WithCancel(ctx)
		defer stopBackground()
		go a.runBackground(bgCtx)

		err = a.runREPL(ctx, os.Stdin, os.Stdout)
		if serr := a.saveRegistry(ctx); serr != nil && err == nil {
			err = serr
		}
		return err
	},
}

var ceremonyCmd = &cobra.Command{
	Use:   "ceremony",
	Short: "Run the daily verification batch if it hasn't run today",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.FromEnv()
		ctx := context.Background()
		a, err := buildApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		should, err := a.cer.ShouldRun(ctx, idgen.Now(), cfg.CeremonyHourLocal)
		if err != nil {
			return err
		}
		if !should {
			fmt.Println("ceremony already ran today")
			return nil
		}
		msg, err := a.cer.Run(ctx, a.reg, idgen.Now())
		if err != nil {
			return err
		}
		if msg == "" {
			fmt.Println("nothing to verify today")
			return nil
		}
		fmt.Println(msg)
		return nil
	},
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Inspect and manage saved states",
}

var snapshotListCmd = &cobra.Command{
	Use:   "list",
	Short: "List named saved states",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.FromEnv()
		ctx := context.Background()
		a, err := buildApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		states, err := a.snapshots.ListSavedStates(ctx)
		if err != nil {
			return err
		}
		for i, s := range states {
			fmt.Printf("%d: %s (%d)\n", i+1, s.Name, s.TimestampMs)
		}
		return nil
	},
}

var snapshotSaveCmd = &cobra.Command{
	Use:   "save [name]",
	Short: "Save the current state to a named slot",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.FromEnv()
		ctx := context.Background()
		a, err := buildApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		name := ""
		if len(args) > 0 {
			name = args[0]
		}
		id, err := a.snapshots.SaveStateToDisk(ctx, name)
		if err != nil {
			return err
		}
		fmt.Println("saved state", id)
		return nil
	},
}

var snapshotRestoreCmd = &cobra.Command{
	Use:   "restore <name|#|id>",
	Short: "Restore a saved state by name, list position, or id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.FromEnv()
		ctx := context.Background()
		a, err := buildApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.snapshots.LoadStateFromDisk(ctx, args[0]); err != nil {
			return err
		}
		if err := a.saveRegistry(ctx); err != nil {
			return err
		}
		fmt.Println("restored state", args[0])
		return nil
	},
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the task queue",
}

var queueStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queued task and pending validation counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.FromEnv()
		ctx := context.Background()
		a, err := buildApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		validations := len(a.q.GetPendingValidations())
		fmt.Printf("queued items: %d (of which pending validations: %d)\n", a.q.Len(), validations)
		return nil
	},
}

var personaCmd = &cobra.Command{
	Use:   "persona",
	Short: "Inspect personas",
}

var personaListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every registered persona",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.FromEnv()
		ctx := context.Background()
		a, err := buildApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		for _, p := range a.reg.All() {
			status := "active"
			if p.IsArchived {
				status = "archived"
			} else if p.IsPaused {
				status = "paused"
			}
			fmt.Printf("%s [%s] %s\n", p.Name, status, p.ShortDescription)
		}
		return nil
	},
}

func init() {
	snapshotCmd.AddCommand(snapshotListCmd, snapshotSaveCmd, snapshotRestoreCmd)
	queueCmd.AddCommand(queueStatusCmd)
	personaCmd.AddCommand(personaListCmd)
	rootCmd.AddCommand(runCmd, ceremonyCmd, snapshotCmd, queueCmd, personaCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "ei:", err)
		os.Exit(1)
	}
}
