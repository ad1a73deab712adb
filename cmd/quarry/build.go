package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/quarrybuild/quarry/builder"
	"github.com/quarrybuild/quarry/builder/buildcontext"
	"github.com/quarrybuild/quarry/builder/cache"
	"github.com/quarrybuild/quarry/builder/sandbox"
	"github.com/quarrybuild/quarry/image"
	"github.com/quarrybuild/quarry/layer"
)

type buildOptions struct {
	scriptPath string
	tag        string
	noCache    bool
	quiet      bool
}

func newBuildCommand(root *rootOptions) *cobra.Command {
	opts := &buildOptions{}

	cmd := &cobra.Command{
		Use:   "build [OPTIONS] PATH",
		Short: "Build an image from a Quarryfile and a context directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuild(cmd, root, opts, args[0])
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.scriptPath, "file", "f", "", "Path of the build script (default PATH/"+buildcontext.DefaultScriptName+")")
	flags.StringVarP(&opts.tag, "tag", "t", "", "Name and optional tag for the built image")
	flags.BoolVar(&opts.noCache, "no-cache", false, "Do not use the layer cache")
	flags.BoolVarP(&opts.quiet, "quiet", "q", false, "Only print the image id on success")
	flags.String("data-root", "", "Directory holding the image and layer stores")
	flags.String("cache-db", "", "Path of the persistent layer cache database")

	return cmd
}

func runBuild(cmd *cobra.Command, root *rootOptions, opts *buildOptions, contextDir string) error {
	cfg, err := loadConfig(root.configFile, cmd.Flags())
	if err != nil {
		return err
	}

	images, err := image.NewStore(filepath.Join(cfg.Root, "images"))
	if err != nil {
		return err
	}
	layers, err := layer.NewFSStore(filepath.Join(cfg.Root, "layers"))
	if err != nil {
		return err
	}

	var layerCache cache.Cache
	if cfg.CacheDB != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.CacheDB), 0o755); err != nil {
			return err
		}
		bc, err := cache.OpenBolt(cfg.CacheDB)
		if err != nil {
			return err
		}
		defer bc.Close()
		layerCache = bc
	} else {
		layerCache = cache.NewMemory()
	}

	source, err := buildcontext.FromDir(contextDir)
	if err != nil {
		return err
	}

	scriptPath := opts.scriptPath
	if scriptPath == "" {
		scriptPath = filepath.Join(contextDir, buildcontext.DefaultScriptName)
	}
	script, err := os.Open(scriptPath)
	if err != nil {
		return errors.Wrapf(err, "cannot locate build script %s", scriptPath)
	}
	defer script.Close()

	b := builder.New(images, layers, layerCache, sandbox.Local{})
	buildOpts := builder.Options{NoCache: opts.noCache}
	if !opts.quiet {
		buildOpts.Stdout = cmd.OutOrStdout()
	}

	result, err := b.Build(cmd.Context(), script, source, buildOpts)
	if err != nil {
		return err
	}

	if opts.tag != "" {
		if err := images.Tag(opts.tag, result.Image.ID); err != nil {
			return err
		}
	}
	if opts.quiet {
		fmt.Fprintln(cmd.OutOrStdout(), result.Image.ID)
	}
	return nil
}
