package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/zsiec/mmtview/internal/synth"
)

func init() {
	cmd := &cobra.Command{
		Use:   "synth <out>",
		Short: "Write a synthetic event-log stream",
		Long: "Write a synthetic stream with A/V access points, a data carousel of application\n" +
			"files and captions. Useful as a pull or SRT source for local testing.",
		Args: cobra.ExactArgs(1),
		RunE: runSynth,
	}
	def := synth.DefaultConfig()
	cmd.Flags().Int("seconds", def.Seconds, "Stream duration in seconds")
	cmd.Flags().Int("bitrate", def.Bitrate, "Video padding bitrate in bits per second")
	cmd.Flags().Float64("start", def.StartTime, "Presentation time of the first access point")
	rootCmd.AddCommand(cmd)
}

func runSynth(cmd *cobra.Command, args []string) error {
	cfg := synth.DefaultConfig()
	cfg.Seconds, _ = cmd.Flags().GetInt("seconds")
	cfg.Bitrate, _ = cmd.Flags().GetInt("bitrate")
	cfg.StartTime, _ = cmd.Flags().GetFloat64("start")
	if cfg.Seconds <= 0 {
		return fmt.Errorf("--seconds must be positive, got %d", cfg.Seconds)
	}

	f, err := os.Create(args[0])
	if err != nil {
		return err
	}
	n, err := synth.Write(f, cfg)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write %s: %w", args[0], err)
	}
	slog.Info("synthetic stream written", "path", args[0], "bytes", n, "seconds", cfg.Seconds)
	return nil
}
