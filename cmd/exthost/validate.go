package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/Masterminds/semver/v3"
	"github.com/spf13/cobra"

	"github.com/dshills/exthost/internal/extension/manifest"
)

func newValidateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <extension-dir|package.json>...",
		Short: "Validate extension manifests without loading them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			var hostVersion *semver.Version
			if cfg.Host.Version != "" {
				hostVersion, err = semver.NewVersion(cfg.Host.Version)
				if err != nil {
					return err
				}
			}

			failed := 0
			for _, arg := range args {
				m, err := validateManifest(arg, hostVersion)
				if err != nil {
					failed++
					fmt.Fprintf(cmd.ErrOrStderr(), "FAIL %s: %v\n", arg, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "ok   %s (%s %s)\n", arg, m.ID(), m.Version)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d manifests invalid", failed, len(args))
			}
			return nil
		},
	}
}

func validateManifest(path string, hostVersion *semver.Version) (*manifest.Manifest, error) {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, manifest.DescriptorName)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m, err := manifest.Parse(data)
	if err != nil {
		return nil, err
	}
	if hostVersion != nil {
		if err := m.CompatibleWith(manifest.DefaultEngine, hostVersion); err != nil {
			return nil, err
		}
	}
	return m, nil
}
