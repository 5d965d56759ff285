package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kendryte-community/flash-image-composer/internal/engine"
	"github.com/kendryte-community/flash-image-composer/internal/utils/logger"
)

// createValidateCommand creates the validate subcommand: parse the
// configuration and build the image model without generating anything.
func createValidateCommand() *cobra.Command {
	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "parse and validate an image configuration",
		RunE:  executeValidate,
	}
	addBuildFlags(validateCmd.Flags())
	validateCmd.MarkFlagRequired("config")
	return validateCmd
}

func executeValidate(cmd *cobra.Command, args []string) error {
	log := logger.Logger()

	eng, err := engine.New(rootPath, outputPath, configFile)
	if err != nil {
		return err
	}
	defer eng.Close()

	if err := eng.Load(); err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}

	for _, img := range eng.Images() {
		log.Infof("image %s (%s): %d partitions", img.Name, img.Kind, len(img.Partitions))
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %d images OK\n", configFile, len(eng.Images()))
	return nil
}
