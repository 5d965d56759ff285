package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kendryte-community/flash-image-composer/internal/image/inspect"
	"github.com/kendryte-community/flash-image-composer/internal/utils/logger"
)

var (
	outputFormat string = "text"
	prettyJSON   bool   = false
)

// createInspectCommand creates the inspect subcommand.
func createInspectCommand() *cobra.Command {
	inspectCmd := &cobra.Command{
		Use:   "inspect [flags] IMAGE_FILE",
		Short: "inspect a generated image file",
		Long: `Inspect summarizes a generated image: overall size and hash, the
MBR or GPT partition table, and the KD vendor header including its CRC
and per-partition SHA-256 checks.`,
		Args: cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			switch outputFormat {
			case "text", "json", "yaml":
				return nil
			default:
				return fmt.Errorf("unsupported --format %q (supported: text, json, yaml)", outputFormat)
			}
		},
		RunE: executeInspect,
	}

	inspectCmd.Flags().StringVar(&outputFormat, "format", "text",
		"Output format for the inspection results")
	inspectCmd.Flags().BoolVar(&prettyJSON, "pretty", false,
		"Pretty-print JSON output (only for --format json)")
	return inspectCmd
}

func executeInspect(cmd *cobra.Command, args []string) error {
	log := logger.Logger()
	imageFile := args[0]
	log.Infof("inspecting image file: %s", imageFile)

	summary, err := inspect.Inspect(imageFile)
	if err != nil {
		return fmt.Errorf("image inspection failed: %w", err)
	}
	return inspect.WriteSummary(cmd.OutOrStdout(), summary, outputFormat, prettyJSON)
}
