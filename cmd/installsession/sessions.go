package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/ggoodman/installsession-go/installer"
	"github.com/spf13/cobra"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect and clean up install sessions owned by this identity",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the sessions visible to this identity",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup(cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		infos, err := installer.NewRegistry(e.broker(), e.options()...).ListMine(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(infos)
		}
		if len(infos) == 0 {
			fmt.Fprintln(out, "No sessions found.")
			return nil
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tOWNER\tSTATE\tCOMMITTED\tCREATED")
		for _, info := range infos {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%t\t%s\n", info.ID, info.Owner, info.State, info.Committed, info.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		return tw.Flush()
	},
}

var sessionsAbandonCmd = &cobra.Command{
	Use:   "abandon <session-id>...",
	Short: "Abandon one or more sessions",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids := make([]installer.SessionID, 0, len(args))
		for _, a := range args {
			n, err := strconv.Atoi(a)
			if err != nil || n <= 0 {
				return fmt.Errorf("invalid session id %q", a)
			}
			ids = append(ids, installer.SessionID(n))
		}

		e, err := setup(cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		b := e.broker()
		var outcomes []installer.AbandonOutcome
		for _, id := range ids {
			outcomes = append(outcomes, installer.AbandonOutcome{ID: id, Err: b.AbandonSession(cmd.Context(), id)})
		}
		return printOutcomes(cmd, outcomes)
	},
}

var sessionsAbandonAllCmd = &cobra.Command{
	Use:   "abandon-all",
	Short: "Abandon every session owned by this identity",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup(cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		outcomes, err := installer.NewRegistry(e.broker(), e.options()...).AbandonAll(cmd.Context())
		if err != nil {
			return err
		}
		return printOutcomes(cmd, outcomes)
	},
}

func printOutcomes(cmd *cobra.Command, outcomes []installer.AbandonOutcome) error {
	failed := 0
	for _, o := range outcomes {
		fmt.Fprintln(cmd.OutOrStdout(), o.String())
		if !o.Abandoned() {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d sessions could not be abandoned", failed, len(outcomes))
	}
	return nil
}

func init() {
	sessionsListCmd.Flags().Bool("json", false, "Print the sessions as JSON")
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsAbandonCmd)
	sessionsCmd.AddCommand(sessionsAbandonAllCmd)
}
