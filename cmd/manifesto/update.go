package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/schaermu/manifesto/internal/config"
	"github.com/schaermu/manifesto/internal/manifest"
	"github.com/schaermu/manifesto/internal/orchestrate"
	"github.com/schaermu/manifesto/internal/profile"
	"github.com/schaermu/manifesto/internal/tree"
)

// updateFlags are shared by update and create
type updateFlags struct {
	compressWatermark int64
	compressFormat    string
	forceRewrite      bool
	hashes            string
	openpgpID         string
	openpgpKey        string
	sign              bool
	noSign            bool
	profile           string
}

func (f *updateFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.Int64VarP(&f.compressWatermark, "compress-watermark", "c", 0, "minimum Manifest size for files to be compressed")
	flags.StringVarP(&f.compressFormat, "compress-format", "C", "", "format for compressed files ("+strings.Join(manifest.CompressionFormats(), ", ")+")")
	flags.BoolVarP(&f.forceRewrite, "force-rewrite", "f", false, "force rewriting all the Manifests, even if they did not change")
	flags.StringVarP(&f.hashes, "hashes", "H", "", "whitespace-separated list of hashes to use")
	flags.StringVarP(&f.openpgpID, "openpgp-id", "k", "", "use the specified OpenPGP key (by ID or user)")
	flags.StringVarP(&f.openpgpKey, "openpgp-key", "K", "", "use only the OpenPGP key(s) from a specific file")
	flags.BoolVarP(&f.sign, "sign", "s", false, "force signing the top-level Manifest")
	flags.BoolVarP(&f.noSign, "no-sign", "S", false, "disable signing the top-level Manifest")
	flags.StringVarP(&f.profile, "profile", "p", "", "profile deciding entry types and sub-Manifests ("+strings.Join(profile.Names(), ", ")+")")
	cmd.MarkFlagsMutuallyExclusive("sign", "no-sign")
}

// options merges the flags with the configuration file
func (f *updateFlags) options(cmd *cobra.Command, cfg *config.Config) orchestrate.UpdateOptions {
	opts := orchestrate.DefaultUpdateOptions()

	opts.Hashes = orchestrate.ParseHashes(f.hashes)
	if len(opts.Hashes) == 0 {
		opts.Hashes = cfg.HashList()
	}

	opts.Profile = f.profile
	if opts.Profile == "" {
		opts.Profile = cfg.Update.Profile
	}

	if cmd.Flags().Changed("compress-watermark") {
		wm := f.compressWatermark
		opts.CompressWatermark = &wm
	} else {
		opts.CompressWatermark = cfg.Update.CompressWatermark
	}

	opts.CompressFormat = f.compressFormat
	if opts.CompressFormat == "" {
		opts.CompressFormat = cfg.Update.CompressFormat
	}

	opts.ForceRewrite = f.forceRewrite
	opts.OpenPGPID = f.openpgpID
	opts.OpenPGPKeyFile = f.openpgpKey
	if opts.OpenPGPKeyFile == "" {
		opts.OpenPGPKeyFile = cfg.OpenPGP.KeyFile
	}

	switch {
	case f.sign:
		opts.Sign = tree.SignForce
	case f.noSign:
		opts.Sign = tree.SignNever
	default:
		opts.Sign = tree.SignAuto
	}
	return opts
}

type batchFunc func(o *orchestrate.Orchestrator, paths []string, opts orchestrate.UpdateOptions) (*orchestrate.BatchResult, error)

func runUpdate(a *app, cmd *cobra.Command, f *updateFlags, paths []string, run batchFunc) error {
	if err := a.setup(cmd); err != nil {
		return err
	}

	opts := f.options(cmd, a.cfg)
	batch, err := run(a.orchestrator(), paths, opts)
	if err != nil {
		return fmt.Errorf("%s: %w", cmd.Name(), err)
	}
	return a.finish(batch)
}

func newUpdateCmd(a *app) *cobra.Command {
	f := &updateFlags{}

	cmd := &cobra.Command{
		Use:   "update [paths...]",
		Short: "Update the Manifest entries for one or more directories",
		Long: `Update recomputes the Manifest entries for every file below the given paths,
creates sub-Manifests where the profile asks for them, refreshes the TIMESTAMP
of the top-level Manifest and writes every Manifest that changed.

Paths default to the current directory.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUpdate(a, cmd, f, pathsOrDefault(args, "."), (*orchestrate.Orchestrator).Update)
		},
	}
	f.register(cmd)
	return cmd
}

func newCreateCmd(a *app) *cobra.Command {
	f := &updateFlags{}

	cmd := &cobra.Command{
		Use:   "create [paths...]",
		Short: "Create a Manifest tree starting at the specified file",
		Long: `Create builds a new Manifest tree rooted at each path. A path naming a
directory creates its Manifest; paths default to "Manifest" in the current
directory.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUpdate(a, cmd, f, pathsOrDefault(args, tree.ManifestName), (*orchestrate.Orchestrator).Create)
		},
	}
	f.register(cmd)
	return cmd
}
