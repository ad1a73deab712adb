package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/quarrybuild/quarry/image"
)

func newImagesCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "images",
		Short: "List images in the local store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root.configFile, nil)
			if err != nil {
				return err
			}
			images, err := image.NewStore(filepath.Join(cfg.Root, "images"))
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 8, 8, 2, ' ', 0)
			fmt.Fprintln(w, "IMAGE ID\tTAGS\tLAYERS\tCREATED")
			for _, img := range images.List() {
				tags := strings.Join(images.Tags(img.ID), ", ")
				if tags == "" {
					tags = "<none>"
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n",
					img.ID.Encoded()[:12], tags, len(img.Layers),
					img.Created.Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		},
	}
	return cmd
}
