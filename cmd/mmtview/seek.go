package main

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zsiec/mmtview/internal/config"
	"github.com/zsiec/mmtview/internal/seek"
)

func init() {
	cmd := &cobra.Command{
		Use:   "seek <url|s3://bucket/key> <time>",
		Short: "Print the byte offset of a playback time",
		Long: "Probe a recorded stream over range requests and print the byte offset to resume\n" +
			"decoding at for a playback time given as seconds, m:s or h:m:s.",
		Args: cobra.ExactArgs(2),
		RunE: runSeek,
	}
	cmd.Flags().StringP("config", "c", "", "YAML config file (seek and s3 sections)")
	cmd.Flags().Bool("info", false, "Also print the stream's seek information")
	rootCmd.AddCommand(cmd)
}

// parseTime parses seconds, m:s or h:m:s into milliseconds.
func parseTime(s string) (int64, error) {
	parts := strings.Split(s, ":")
	if len(parts) > 3 {
		return 0, fmt.Errorf("invalid time %q", s)
	}
	var secs float64
	for _, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid time %q: %w", s, err)
		}
		secs = secs*60 + v
	}
	if math.IsNaN(secs) || math.IsInf(secs, 0) || secs < 0 {
		return 0, fmt.Errorf("invalid time %q", s)
	}
	return int64(math.Round(secs * 1000)), nil
}

type seekOutput struct {
	Ms     int64      `json:"ms"`
	Offset int64      `json:"offset"`
	Info   *seek.Info `json:"info,omitempty"`
}

func runSeek(cmd *cobra.Command, args []string) error {
	ms, err := parseTime(args[1])
	if err != nil {
		return err
	}
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	ctx := cmd.Context()

	var s3Client seek.GetObjectAPI
	if _, _, ok := seek.ParseS3URL(args[0]); ok {
		c, err := seek.NewS3Client(ctx, cfg.S3Options())
		if err != nil {
			return err
		}
		s3Client = c
	}
	src, err := seek.OpenSource(args[0], s3Client)
	if err != nil {
		return err
	}

	loc := seek.NewLocator(src, seek.WithConfig(cfg.SeekOptions()))
	off, err := loc.Locate(ctx, ms)
	if err != nil {
		return err
	}
	out := seekOutput{Ms: ms, Offset: off}
	if withInfo, _ := cmd.Flags().GetBool("info"); withInfo {
		info, err := loc.Info(ctx)
		if err != nil {
			return err
		}
		out.Info = &info
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
