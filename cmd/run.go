package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/browserpilot/api/schemas"
	"github.com/xkilldash9x/browserpilot/internal/dom"
	"github.com/xkilldash9x/browserpilot/internal/observability"
	"github.com/xkilldash9x/browserpilot/internal/session"
)

// newRunCmd creates and configures the `run` command: open a session, drive it
// to the given URL, and print the extracted page state.
func newRunCmd() *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run [url]",
		Short: "Opens a session, navigates to a URL, and prints the page's interactable elements",
		Args:  cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			// Bind flags to their Viper keys so command-line flags override
			// values from the config file and environment variables.
			if err := viper.BindPFlag("browser.headless", cmd.Flags().Lookup("headless")); err != nil {
				return err
			}
			return viper.BindPFlags(cmd.Flags())
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			// Use the context passed from main.go (signal-aware).
			ctx := cmd.Context()
			logger := observability.GetLogger()
			url := args[0]

			target := viper.GetString("remote")
			timeout := viper.GetDuration("timeout")
			asJSON := viper.GetBool("json")

			sess := session.New(cfg, logger)
			defer func() {
				if err := sess.Close(); err != nil {
					logger.Warn("Session close reported an error", zap.Error(err))
				}
			}()

			if err := sess.Attach(ctx, target); err != nil {
				return fmt.Errorf("could not attach session: %w", err)
			}
			logger.Info("Session attached", zap.String("session_id", sess.ID()))

			res, err := sess.SubmitAction(ctx, schemas.ActionRequest{
				Op:  schemas.OpNavigate,
				URL: url,
			}, timeout)
			if err != nil {
				return fmt.Errorf("navigation could not be submitted: %w", err)
			}
			if !res.OK() {
				return fmt.Errorf("navigation to %s ended %s: %s", url, res.Status, res.Explanation)
			}

			if res, err = sess.SubmitAction(ctx, schemas.ActionRequest{Op: schemas.OpWaitStable}, timeout); err != nil {
				return fmt.Errorf("stability wait could not be submitted: %w", err)
			}
			if !res.OK() {
				logger.Warn("Page did not settle; capturing anyway",
					zap.String("status", string(res.Status)))
			}

			res, err = sess.SubmitAction(ctx, schemas.ActionRequest{Op: schemas.OpSnapshot}, timeout)
			if err != nil {
				return fmt.Errorf("snapshot could not be submitted: %w", err)
			}
			if !res.OK() || res.Snapshot == nil {
				return fmt.Errorf("snapshot of %s ended %s: %s", url, res.Status, res.Explanation)
			}

			if asJSON {
				data, err := dom.Marshal(res.Snapshot)
				if err != nil {
					return fmt.Errorf("could not serialize snapshot: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", res.Snapshot.URL)
			fmt.Fprint(cmd.OutOrStdout(), dom.Listing(res.Snapshot))
			return nil
		},
	}

	runCmd.Flags().String("remote", "", "attach to a running browser at this ws:// or http:// endpoint instead of launching one")
	runCmd.Flags().Duration("timeout", 30*time.Second, "per-action timeout")
	runCmd.Flags().Bool("json", false, "print the full snapshot tree as JSON instead of the element listing")
	runCmd.Flags().Bool("headless", true, "run the launched browser headless")

	return runCmd
}

func init() {
	rootCmd.AddCommand(newRunCmd())
}
