package main

import (
	"encoding/json"
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/kelicad/simagent/internal/config"
	"github.com/kelicad/simagent/internal/environment"
)

type detectReport struct {
	LTspicePath  string              `json:"ltspice_path"`
	NgspicePath  string              `json:"ngspice_path"`
	LibraryDirs  map[string][]string `json:"library_dirs"`
	ResourcesDir string              `json:"resources_dir"`
	DockerImage  string              `json:"ngspice_docker_image,omitempty"`
}

func newDetectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "detect",
		Short: "Print the simulators and libraries the agent would use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load(envFile)
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			env := environment.NewResolver().Resolve(overridesFrom(cfg, false))
			report := detectReport{
				LTspicePath:  env.LTspicePath,
				NgspicePath:  env.NgspicePath,
				LibraryDirs:  make(map[string][]string, len(env.LibraryDirs)),
				ResourcesDir: env.ResourcesDir,
				DockerImage:  cfg.Engines.NgspiceDockerImage,
			}
			for kind, dirs := range env.LibraryDirs {
				report.LibraryDirs[string(kind)] = dirs
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return fmt.Errorf("encoding report: %w", err)
			}
			return nil
		},
	}
}

func overridesFrom(cfg *config.Config, disableNgspice bool) environment.Overrides {
	return environment.Overrides{
		LTspicePath:    cfg.Engines.LTspicePath,
		NgspicePath:    cfg.Engines.NgspicePath,
		LTspiceLibDir:  cfg.Engines.LTspiceLibDir,
		NgspiceLibDir:  cfg.Engines.NgspiceLibDir,
		ResourcesDir:   cfg.Engines.ResourcesDir,
		DisableNgspice: disableNgspice,
	}
}
