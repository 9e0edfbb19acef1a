package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/osbuild/raw-image-builder/internal/buildconfig"
	"github.com/osbuild/raw-image-builder/internal/builderr"
	"github.com/osbuild/raw-image-builder/internal/devicespec"
	"github.com/osbuild/raw-image-builder/internal/pipeline"
	"github.com/osbuild/raw-image-builder/internal/registry"
)

const (
	exitFailure = 1
	// Configuration problems found before any build starts.
	exitConfig = 2
)

func loadRegistry(cmd *cobra.Command) (*registry.Registry, error) {
	dir, _ := cmd.Flags().GetString("registry")
	reg, err := registry.Scan(dir)
	if err != nil {
		return nil, err
	}
	if reg.Len() == 0 {
		return nil, fmt.Errorf("device registry at %q contains no devices", dir)
	}
	return reg, nil
}

func cmdList(cmd *cobra.Command, args []string) error {
	reg, err := loadRegistry(cmd)
	if err != nil {
		return err
	}
	simple, _ := cmd.Flags().GetBool("simple")
	for _, dev := range reg.All() {
		if simple {
			fmt.Printf("%s\t%s\t%s\n", dev.ID, dev.Arch, dev.Name)
			continue
		}
		aliases := "none"
		if len(dev.Aliases) > 0 {
			aliases = fmt.Sprintf("%v", dev.Aliases)
		}
		fmt.Printf("%-32s %-12s %s\n    %s\n    aliases: %s\n", dev.ID, dev.Arch, dev.Vendor, dev.Name, aliases)
	}
	return nil
}

func builderFromCobra(cmd *cobra.Command) (*pipeline.Builder, error) {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := buildconfig.ReadWithFallback(configFile)
	if err != nil {
		return nil, fmt.Errorf("cannot load config: %w", err)
	}
	if v, _ := cmd.Flags().GetString("output"); v != "" {
		cfg.OutputDir = v
	}
	if v, _ := cmd.Flags().GetString("source"); v != "" {
		cfg.SourceDir = v
	}
	if v, _ := cmd.Flags().GetString("compression"); v != "" {
		cfg.Compression = v
	}
	if cfg.SourceDir == "" {
		return nil, fmt.Errorf("no distribution source directory configured (use --source or the config file)")
	}
	return pipeline.New(cfg)
}

func variantFromCobra(cmd *cobra.Command) (devicespec.Variant, error) {
	name, _ := cmd.Flags().GetString("variant")
	return devicespec.ParseVariant(name)
}

func buildCtx() (context.Context, context.CancelFunc) {
	// Cancellation is cooperative: the pipeline finishes the stage in
	// flight and tears down before returning.
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func cmdBuild(cmd *cobra.Command, args []string) error {
	reg, err := loadRegistry(cmd)
	if err != nil {
		return err
	}
	dev, err := reg.Get(args[0])
	if err != nil {
		return err
	}
	if err := dev.Validate(); err != nil {
		return err
	}
	variant, err := variantFromCobra(cmd)
	if err != nil {
		return err
	}
	builder, err := builderFromCobra(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := buildCtx()
	defer cancel()
	artifact, err := builder.Build(ctx, dev, variant)
	if err != nil {
		return err
	}
	fmt.Printf("%s\n", artifact.Path)
	return nil
}

func cmdBuildAll(cmd *cobra.Command, args []string) error {
	reg, err := loadRegistry(cmd)
	if err != nil {
		return err
	}
	if err := reg.ValidateAll(); err != nil {
		return err
	}
	variant, err := variantFromCobra(cmd)
	if err != nil {
		return err
	}
	builder, err := builderFromCobra(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := buildCtx()
	defer cancel()
	failed := 0
	for _, dev := range reg.All() {
		artifact, err := builder.Build(ctx, dev, variant)
		if err != nil {
			logrus.Errorf("build of %s failed: %v", dev.ID, err)
			failed++
			if ctx.Err() != nil {
				break
			}
			continue
		}
		fmt.Printf("%s\n", artifact.Path)
	}
	if failed > 0 {
		return fmt.Errorf("%d build(s) failed", failed)
	}
	return nil
}

func run() error {
	rootCmd := &cobra.Command{
		Use:           "raw-image-builder",
		Long:          "build ready-to-flash raw disk images per device and variant",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if debug, _ := cmd.Flags().GetBool("debug"); debug {
				logrus.SetLevel(logrus.DebugLevel)
			}
		},
	}
	rootCmd.PersistentFlags().String("registry", "devices", "device registry directory")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "list devices in the registry",
		Args:  cobra.NoArgs,
		RunE:  cmdList,
	}
	listCmd.Flags().Bool("simple", false, "one tab-separated line per device")
	rootCmd.AddCommand(listCmd)

	buildCmd := &cobra.Command{
		Use:                   "build <device-id-or-alias>",
		Short:                 "build the image for one device",
		Args:                  cobra.ExactArgs(1),
		DisableFlagsInUseLine: true,
		RunE:                  cmdBuild,
	}
	buildAllCmd := &cobra.Command{
		Use:   "build-all",
		Short: "build images for every device in the registry",
		Args:  cobra.NoArgs,
		RunE:  cmdBuildAll,
	}
	buildFlags := pflag.NewFlagSet("build", pflag.ContinueOnError)
	buildFlags.String("config", "", "builder config file; /config.toml or /config.json is used if present")
	buildFlags.String("variant", string(devicespec.VariantBase), "distribution variant (base, desktop, server)")
	buildFlags.String("source", "", "expanded distribution tree to install")
	buildFlags.String("output", "", "artifact output directory")
	buildFlags.String("compression", "", "artifact compression (none, xz, zstd)")
	for _, c := range []*cobra.Command{buildCmd, buildAllCmd} {
		c.Flags().AddFlagSet(buildFlags)
		if err := c.MarkFlagFilename("config"); err != nil {
			return err
		}
		if err := c.MarkFlagDirname("source"); err != nil {
			return err
		}
		if err := c.MarkFlagDirname("output"); err != nil {
			return err
		}
		rootCmd.AddCommand(c)
	}

	return rootCmd.Execute()
}

func main() {
	if err := run(); err != nil {
		logrus.Errorf("error: %s", err)
		if builderr.KindOf(err).Configuration() {
			os.Exit(exitConfig)
		}
		os.Exit(exitFailure)
	}
}
