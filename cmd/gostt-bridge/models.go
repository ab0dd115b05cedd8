package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/chaz8081/gostt-bridge/internal/config"
	"github.com/chaz8081/gostt-bridge/internal/models"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Manage whisper models",
}

var modelsPullCmd = &cobra.Command{
	Use:   "pull [name]",
	Short: "Download a whisper model (default: the configured model)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		dest := cfg.Transcribe.Local.ModelPath
		if len(args) == 1 {
			if _, ok := models.Known[args[0]]; !ok {
				return fmt.Errorf("unknown model %q (see 'gostt-bridge models list')", args[0])
			}
			dest = filepath.Join(config.DefaultModelsDir(), models.FileName(args[0]))
		}
		return models.DownloadWhisper(cmd.Context(), dest, os.Stdout)
	},
}

var modelsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List downloadable whisper models",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := config.DefaultModelsDir()
		fmt.Printf("Models directory: %s\n\n", dir)
		for _, name := range models.Names() {
			state := ""
			if _, err := os.Stat(filepath.Join(dir, models.FileName(name))); err == nil {
				state = "  (downloaded)"
			}
			fmt.Printf("  %-16s ~%d MB%s\n", name, models.Known[name], state)
		}
		return nil
	},
}

func init() {
	modelsCmd.AddCommand(modelsPullCmd, modelsListCmd)
}
