// Command genimage assembles disk and flash images from a declarative
// configuration and a set of prebuilt child image files.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/kendryte-community/flash-image-composer/internal/engine"
	"github.com/kendryte-community/flash-image-composer/internal/utils/logger"
)

var (
	rootPath   string
	outputPath string
	configFile string
	verbose    bool
)

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "genimage",
		Short: "assemble disk and flash images from a declarative configuration",
		Long: `genimage reads a block-structured configuration describing one or
more images (hdimage, kdimage, vfat, uffs) and assembles each one from
its child image files, emitting partition tables, checksums, and vendor
headers as configured.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger.SetVerbose(verbose)
		},
		RunE: executeBuild,
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"Enable debug logging")
	addBuildFlags(rootCmd.Flags())
	rootCmd.MarkFlagRequired("rootpath")
	rootCmd.MarkFlagRequired("outputpath")
	rootCmd.MarkFlagRequired("config")

	rootCmd.AddCommand(createValidateCommand())
	rootCmd.AddCommand(createInspectCommand())
	return rootCmd
}

func addBuildFlags(flags *pflag.FlagSet) {
	flags.StringVar(&rootPath, "rootpath", "",
		"Directory holding the child image files and staging content")
	flags.StringVar(&outputPath, "outputpath", "",
		"Directory the generated images are written to")
	flags.StringVar(&configFile, "config", "",
		"Image configuration file")
}

func executeBuild(cmd *cobra.Command, args []string) error {
	eng, err := engine.New(rootPath, outputPath, configFile)
	if err != nil {
		return err
	}
	defer eng.Close()

	if err := eng.Run(); err != nil {
		return fmt.Errorf("image generation failed: %w", err)
	}
	return nil
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}
