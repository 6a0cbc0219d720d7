package main

import (
	"encoding/json"
	"fmt"

	"github.com/ggoodman/installsession-go/installer"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var installCmd = &cobra.Command{
	Use:   "install [flags] <artifact>... | install -f manifest.yaml",
	Short: "Install one package from its artifacts",
	Long: `Create an install session, stream every artifact into it in order and commit it.

A failed transfer abandons the session. A commit whose outcome never arrives
leaves the session committing; clean it up with "sessions abandon".`,
	RunE: runInstall,
}

func init() {
	f := installCmd.Flags()
	f.StringP("file", "f", "", "YAML manifest listing the artifacts")
	f.BoolP("replace", "r", false, "Replace an existing install")
	f.BoolP("allow-test", "t", false, "Allow test packages")
	f.Bool("inherit", false, "Keep artifacts of the installed package that are not written")
	f.Duration("settle-delay", 0, "Pause before each artifact after the first (default $INSTALLSESSION_SETTLE_DELAY)")
	f.Int("chunk-size", 0, "Copy chunk size in bytes (default $INSTALLSESSION_CHUNK_SIZE)")
	f.Int("sync-every", -1, "Chunks between fsyncs; 0 syncs once per artifact (default $INSTALLSESSION_SYNC_EVERY)")
	f.Duration("commit-timeout", 0, "Maximum wait for the commit result (default $INSTALLSESSION_COMMIT_TIMEOUT)")
	f.Bool("json", false, "Print the report as JSON")
	rootCmd.AddCommand(installCmd)
}

func buildRequest(cmd *cobra.Command, args []string) (installer.Request, error) {
	flags := cmd.Flags()
	var req installer.Request
	if path, _ := flags.GetString("file"); path != "" {
		if len(args) > 0 {
			return req, fmt.Errorf("pass artifacts either as arguments or in a manifest, not both")
		}
		m, err := LoadManifest(path)
		if err != nil {
			return req, err
		}
		if req, err = m.Request(); err != nil {
			return req, err
		}
	} else {
		if len(args) == 0 {
			return req, fmt.Errorf("no artifacts given")
		}
		req.Mode = installer.ModeFullInstall
		for _, p := range args {
			a, err := openArtifact("", p)
			if err != nil {
				for _, opened := range req.Artifacts {
					_ = opened.Source.Close()
				}
				return req, err
			}
			req.Artifacts = append(req.Artifacts, a)
		}
	}
	if v, _ := flags.GetBool("replace"); v {
		req.Flags |= installer.FlagReplaceExisting
	}
	if v, _ := flags.GetBool("allow-test"); v {
		req.Flags |= installer.FlagAllowTest
	}
	if v, _ := flags.GetBool("inherit"); v {
		req.Mode = installer.ModeInheritExisting
	}
	return req, nil
}

// applyOverrides copies explicitly set flags over the environment config.
func applyOverrides(flags *pflag.FlagSet, cfg *installer.Config) error {
	if flags.Changed("settle-delay") {
		cfg.SettleDelay, _ = flags.GetDuration("settle-delay")
	}
	if flags.Changed("chunk-size") {
		cfg.ChunkSize, _ = flags.GetInt("chunk-size")
	}
	if flags.Changed("sync-every") {
		cfg.SyncEvery, _ = flags.GetInt("sync-every")
	}
	if flags.Changed("commit-timeout") {
		cfg.CommitTimeout, _ = flags.GetDuration("commit-timeout")
	}
	return cfg.Validate()
}

func runInstall(cmd *cobra.Command, args []string) error {
	e, err := setup(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	if err := applyOverrides(cmd.Flags(), &e.cfg); err != nil {
		return err
	}
	req, err := buildRequest(cmd, args)
	if err != nil {
		return err
	}

	opts := e.options()
	engine := installer.NewTransferEngine(e.cfg.Transfer(), opts...)
	inst := installer.NewInstaller(e.broker(), engine, e.rv, e.cfg.CommitTimeout, opts...)
	rep, installErr := inst.Install(cmd.Context(), req)

	out := cmd.OutOrStdout()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rep); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(out, rep.String())
	}
	if installErr != nil && installer.IsTimeout(installErr) {
		fmt.Fprintf(cmd.ErrOrStderr(), "session %d is left committing; abandon it with: installsession sessions abandon %d\n", rep.SessionID, rep.SessionID)
	}
	return installErr
}
