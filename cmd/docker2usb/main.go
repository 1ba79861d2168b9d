package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mikesimons/docker2usb/pkg/bootloader"
	"github.com/mikesimons/docker2usb/pkg/build"
	"github.com/mikesimons/docker2usb/pkg/cleanup"
	"github.com/mikesimons/docker2usb/pkg/rootfs"
	"github.com/mikesimons/docker2usb/pkg/runner"
)

func loadConfig(cmd *cobra.Command) (build.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return build.Config{}, err
	}

	cfg := build.DefaultConfig()
	if path != "" {
		cfg, err = build.LoadConfig(path)
		if err != nil {
			return build.Config{}, err
		}
	}

	// flags override the config file
	overrideString := func(flag string, dest *string) {
		if cmd.Flags().Changed(flag) {
			*dest, _ = cmd.Flags().GetString(flag)
		}
	}
	overrideString("label", &cfg.Label)
	overrideString("workdir", &cfg.WorkDir)
	overrideString("cache-dir", &cfg.CacheDir)
	overrideString("container-runtime", &cfg.ContainerRuntime)
	if cmd.Flags().Changed("exclude") {
		cfg.Excludes, _ = cmd.Flags().GetStringArray("exclude")
	}

	if cfg.CacheDir == "" {
		userCache, err := os.UserCacheDir()
		if err != nil {
			return build.Config{}, err
		}
		cfg.CacheDir = userCache + "/docker2usb"
	}
	return cfg, cfg.Validate()
}

func sourceFromFlags(cmd *cobra.Command) (rootfs.Source, error) {
	image, err := cmd.Flags().GetString("image")
	if err != nil {
		return rootfs.Source{}, err
	}
	archive, err := cmd.Flags().GetString("archive")
	if err != nil {
		return rootfs.Source{}, err
	}
	src := rootfs.Source{Archive: archive, ImageRef: image}
	return src, src.Validate()
}

func runBuild(cmd *cobra.Command, iso bool) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	src, err := sourceFromFlags(cmd)
	if err != nil {
		return err
	}
	output, err := cmd.Flags().GetString("output")
	if err != nil {
		return err
	}
	if output == "" {
		return fmt.Errorf("--output must be given")
	}

	logLevel, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return err
	}
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)
	logger := logrus.StandardLogger()

	run := runner.ExecRunner{}
	handlers := cleanup.NewHandlers(run, cfg.ContainerRuntime, logger)
	registry := cleanup.NewRegistry(handlers.Map(), logger)

	// the one teardown boundary of the process: whatever the pipeline
	// leaves behind on failure is released here
	defer func() {
		if failures := registry.FlushAll(); failures > 0 {
			logger.Warnf("%d resources could not be released", failures)
		}
	}()

	boot := bootloader.NewInstaller(cfg.CacheDir, cfg.SyslinuxURL, cfg.SyslinuxSHA256, logger)
	pipeline, err := build.NewPipeline(cfg, run, registry, boot, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if iso {
		return pipeline.RunISO(ctx, src, output)
	}
	return pipeline.Run(ctx, src, output)
}

func addBuildFlags(cmd *cobra.Command) {
	cmd.Flags().String("image", "", "Container image reference to export as the rootfs")
	cmd.Flags().String("archive", "", "Local rootfs tarball to extract")
	cmd.Flags().String("output", "", "Path of the image to write")
	cmd.Flags().String("config", "", "TOML configuration file")
	cmd.Flags().String("label", "", "Filesystem label of the payload partition")
	cmd.Flags().String("workdir", "", "Parent directory for scratch space")
	cmd.Flags().String("cache-dir", "", "Directory for downloaded bootloader archives")
	cmd.Flags().String("container-runtime", "", "CLI used to export container images (docker, podman)")
	cmd.Flags().StringArray("exclude", nil, "Glob pattern of rootfs paths to leave out, repeatable")
	cmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
}

func run() error {
	rootCmd := &cobra.Command{
		Use:   "docker2usb",
		Short: "Build bootable live images from container images or rootfs tarballs",
		Long: `Build bootable live images from container images or rootfs tarballs

Docker2usb exports a container image (or extracts a rootfs tarball),
packs it into a squashed live payload and writes a bootable raw disk
image ready to dd onto a USB stick, or alternatively a hybrid ISO.`,
	}

	buildCmd := &cobra.Command{
		Use:   "build",
		Short: "Write a bootable raw disk image",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuild(cmd, false)
		},
		SilenceUsage: true,
		Args:         cobra.NoArgs,
	}
	addBuildFlags(buildCmd)
	rootCmd.AddCommand(buildCmd)

	isoCmd := &cobra.Command{
		Use:   "iso",
		Short: "Write a hybrid ISO image",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuild(cmd, true)
		},
		SilenceUsage: true,
		Args:         cobra.NoArgs,
	}
	addBuildFlags(isoCmd)
	rootCmd.AddCommand(isoCmd)

	return rootCmd.Execute()
}

func main() {
	if err := run(); err != nil {
		log.Fatalf("error: %s", err)
	}
}
