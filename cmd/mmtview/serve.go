package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/mmtview/internal/certs"
	"github.com/zsiec/mmtview/internal/config"
	"github.com/zsiec/mmtview/internal/distribution"
	"github.com/zsiec/mmtview/internal/ingest"
	srtingest "github.com/zsiec/mmtview/internal/ingest/srt"
	"github.com/zsiec/mmtview/internal/seek"
	"github.com/zsiec/mmtview/internal/stream"
)

func init() {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTPS, HTTP/3 and SRT servers",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	cmd.Flags().StringP("config", "c", "", "YAML config file")
	cmd.Flags().StringArray("pull", nil, "Pull a stream at startup, as key=url (repeatable)")
	cmd.Flags().String("addr", "", "HTTPS listen address (overrides config)")
	cmd.Flags().String("h3-addr", "", "HTTP/3 listen address (overrides config)")
	cmd.Flags().String("srt-addr", "", "SRT listen address, \"off\" to disable (overrides config)")
	cmd.Flags().String("web-dir", "", "Static web directory (overrides config)")
	rootCmd.AddCommand(cmd)
}

func loadServeConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if v, _ := cmd.Flags().GetString("addr"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v, _ := cmd.Flags().GetString("h3-addr"); v != "" {
		cfg.HTTP.H3Addr = v
	}
	if v, _ := cmd.Flags().GetString("srt-addr"); v != "" {
		if v == "off" {
			v = ""
		}
		cfg.SRT.Addr = v
	}
	if v, _ := cmd.Flags().GetString("web-dir"); v != "" {
		cfg.HTTP.WebDir = v
	}
	pulls, _ := cmd.Flags().GetStringArray("pull")
	for _, p := range pulls {
		key, url, ok := strings.Cut(p, "=")
		if !ok {
			return nil, fmt.Errorf("--pull %q: want key=url", p)
		}
		cfg.Streams = append(cfg.Streams, config.StreamConfig{Key: key, URL: url})
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func loadCert(cfg *config.Config) (*certs.CertInfo, error) {
	if cfg.HTTP.CertFile != "" {
		return certs.Load(cfg.HTTP.CertFile, cfg.HTTP.KeyFile)
	}
	slog.Info("generating self-signed certificate")
	return certs.Generate(certs.MaxValidity, cfg.HTTP.Hosts...)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadServeConfig(cmd)
	if err != nil {
		return err
	}

	cert, err := loadCert(cfg)
	if err != nil {
		return err
	}
	slog.Info("certificate ready",
		"fingerprint", cert.FingerprintBase64(),
		"expires", cert.NotAfter.Format(time.RFC3339),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var s3Client seek.GetObjectAPI
	if cfg.S3 != (config.S3Config{}) {
		c, err := seek.NewS3Client(ctx, cfg.S3Options())
		if err != nil {
			return err
		}
		s3Client = c
	}

	g, ctx := errgroup.WithContext(ctx)

	mgrOpts := []stream.Option{stream.WithSeekConfig(cfg.SeekOptions())}
	if s3Client != nil {
		mgrOpts = append(mgrOpts, stream.WithS3Client(s3Client))
	}
	mgr := stream.NewManager(ctx, mgrOpts...)
	defer mgr.Close()

	distSrv, err := distribution.NewServer(distribution.ServerConfig{
		Addr:    cfg.HTTP.H3Addr,
		WebDir:  cfg.HTTP.WebDir,
		Cert:    cert,
		Streams: mgr,
		Script:  cfg.HTTP.Script,
		CSP:     cfg.HTTP.CSP,
	})
	if err != nil {
		return err
	}

	for _, st := range cfg.Streams {
		if err := mgr.StartPull(st.Key, st.URL); err != nil {
			return fmt.Errorf("pull %s: %w", st.Key, err)
		}
	}

	slog.Info("mmtview starting",
		"version", version,
		"https", cfg.HTTP.Addr,
		"h3", cfg.HTTP.H3Addr,
		"srt", cfg.SRT.Addr,
		"cert_hash", cert.FingerprintBase64(),
	)

	if cfg.SRT.Addr != "" {
		registry := ingest.NewRegistry(mgr.HandlePush)
		srtSrv := srtingest.NewServer(cfg.SRT.Addr, cfg.SRT.Latency.Duration, registry, nil)
		g.Go(func() error {
			return srtSrv.Start(ctx)
		})
	}

	apiSrv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           distSrv.Handler(),
		TLSConfig:         cert.TLSConfig(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		slog.Info("HTTPS server listening", "addr", cfg.HTTP.Addr)
		if err := apiSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTPS server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return apiSrv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return distSrv.Start(ctx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("shut down")
	return nil
}
