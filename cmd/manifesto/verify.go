package main

import (
	"github.com/spf13/cobra"

	"github.com/schaermu/manifesto/internal/orchestrate"
)

func newVerifyCmd(a *app) *cobra.Command {
	var (
		keepGoing     bool
		keyFile       string
		noVerify      bool
		requireSigned bool
		noStrict      bool
	)

	cmd := &cobra.Command{
		Use:   "verify [paths...]",
		Short: "Verify one or more directories against Manifests",
		Long: `Verify locates the top-level Manifest governing every path and checks the files
below it against the recorded sizes and checksums.

Paths default to the current directory. The first path that cannot be verified
stops the run unless --keep-going is given, in which case every mismatch is
reported and the run still fails.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.setup(cmd); err != nil {
				return err
			}

			opts := orchestrate.DefaultVerifyOptions()
			opts.KeepGoing = keepGoing
			opts.OpenPGPKeyFile = keyFile
			if opts.OpenPGPKeyFile == "" {
				opts.OpenPGPKeyFile = a.cfg.OpenPGP.KeyFile
			}
			opts.OpenPGPVerify = !noVerify
			opts.RequireSigned = requireSigned
			opts.Strict = !noStrict

			batch := a.orchestrator().Verify(pathsOrDefault(args, "."), opts)
			return a.finish(batch)
		},
	}

	cmd.Flags().BoolVarP(&keepGoing, "keep-going", "k", false, "continue reporting errors rather than terminating on the first failure")
	cmd.Flags().StringVarP(&keyFile, "openpgp-key", "K", "", "use only the OpenPGP key(s) from a specific file")
	cmd.Flags().BoolVarP(&noVerify, "no-openpgp-verify", "P", false, "disable OpenPGP verification of signed Manifests")
	cmd.Flags().BoolVarP(&requireSigned, "require-signed-manifest", "s", false, "require that the top-level Manifest is OpenPGP signed")
	cmd.Flags().BoolVarP(&noStrict, "no-strict", "S", false, "do not fail on non-strict Manifest issues (MISC/OPTIONAL entries)")

	return cmd
}
