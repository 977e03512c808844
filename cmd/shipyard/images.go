package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
)

// Image commands
var imageCmd = &cobra.Command{
	Use:     "image",
	Aliases: []string{"images"},
	Short:   "Manage uploaded image archives",
}

var imageUploadCmd = &cobra.Command{
	Use:   "upload FILE.tar",
	Short: "Upload an image archive",
	Long: `Upload an image archive produced by 'docker save'.

Examples:
  # Upload and load in one step, waiting for the outcome
  shipyard image upload nginx.tar --load --wait`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := newPrinter(cmd)
		if err != nil {
			return err
		}
		load, _ := cmd.Flags().GetBool("load")
		wait, _ := cmd.Flags().GetBool("wait")

		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open archive: %w", err)
		}
		defer f.Close()

		c := newClient(cmd)
		img, err := c.UploadImage(cmd.Context(), filepath.Base(args[0]), f, load)
		if err != nil {
			return err
		}
		if load && wait {
			if img, err = c.WaitForLoad(cmd.Context(), img.ID, time.Second); err != nil {
				return err
			}
		}
		return p.uploadedImage(img)
	},
}

var imageListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List uploaded image archives",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := newPrinter(cmd)
		if err != nil {
			return err
		}
		latest, _ := cmd.Flags().GetBool("latest")
		imgs, err := newClient(cmd).ListUploadedImages(cmd.Context(), latest)
		if err != nil {
			return err
		}
		return p.uploadedImages(imgs)
	},
}

var imageInspectCmd = &cobra.Command{
	Use:   "inspect ID",
	Short: "Show an uploaded image archive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := newPrinter(cmd)
		if err != nil {
			return err
		}
		img, err := newClient(cmd).GetUploadedImage(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return p.uploadedImage(img)
	},
}

var imageLoadCmd = &cobra.Command{
	Use:   "load ID",
	Short: "Load an uploaded archive into the runtime",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := newPrinter(cmd)
		if err != nil {
			return err
		}
		wait, _ := cmd.Flags().GetBool("wait")

		c := newClient(cmd)
		img, err := c.LoadImage(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if wait {
			if img, err = c.WaitForLoad(cmd.Context(), img.ID, time.Second); err != nil {
				return err
			}
		}
		return p.uploadedImage(img)
	},
}

var imageRemoveCmd = &cobra.Command{
	Use:     "rm ID",
	Aliases: []string{"delete"},
	Short:   "Delete an uploaded archive and its record",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient(cmd).DeleteUploadedImage(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Uploaded image deleted: %s\n", args[0])
		return nil
	},
}

func init() {
	imageCmd.AddCommand(imageUploadCmd)
	imageCmd.AddCommand(imageListCmd)
	imageCmd.AddCommand(imageInspectCmd)
	imageCmd.AddCommand(imageLoadCmd)
	imageCmd.AddCommand(imageRemoveCmd)

	imageUploadCmd.Flags().Bool("load", false, "Load the archive into the runtime after upload")
	imageUploadCmd.Flags().Bool("wait", false, "With --load, wait until loading finishes")
	imageListCmd.Flags().Bool("latest", false, "Only show the latest upload of each filename")
	imageLoadCmd.Flags().Bool("wait", false, "Wait until loading finishes")

	rootCmd.AddCommand(imageCmd)
}

// Docker image commands
var dockerImageCmd = &cobra.Command{
	Use:     "dockerimage",
	Aliases: []string{"dockerimages", "di"},
	Short:   "Manage images loaded into the runtime",
}

var dockerImageListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List runtime images",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := newPrinter(cmd)
		if err != nil {
			return err
		}
		all, _ := cmd.Flags().GetBool("all")
		imgs, err := newClient(cmd).ListDockerImages(cmd.Context(), !all)
		if err != nil {
			return err
		}
		return p.dockerImages(imgs)
	},
}

var dockerImageInspectCmd = &cobra.Command{
	Use:   "inspect ID",
	Short: "Show a runtime image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := newPrinter(cmd)
		if err != nil {
			return err
		}
		img, err := newClient(cmd).GetDockerImage(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return p.dockerImage(img)
	},
}

var dockerImageReloadCmd = &cobra.Command{
	Use:   "reload ID",
	Short: "Reload a runtime image from its archive, or resync its presence",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := newPrinter(cmd)
		if err != nil {
			return err
		}
		img, err := newClient(cmd).ReloadDockerImage(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return p.dockerImage(img)
	},
}

var dockerImageRemoveCmd = &cobra.Command{
	Use:     "rm ID",
	Aliases: []string{"delete"},
	Short:   "Remove a runtime image",
	Long: `Remove a runtime image. The record is kept as inactive unless --purge
is given. Images used by a live container cannot be removed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		purge, _ := cmd.Flags().GetBool("purge")
		if err := newClient(cmd).DeleteDockerImage(cmd.Context(), args[0], purge); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Runtime image removed: %s\n", args[0])
		return nil
	},
}

func init() {
	dockerImageCmd.AddCommand(dockerImageListCmd)
	dockerImageCmd.AddCommand(dockerImageInspectCmd)
	dockerImageCmd.AddCommand(dockerImageReloadCmd)
	dockerImageCmd.AddCommand(dockerImageRemoveCmd)

	dockerImageListCmd.Flags().BoolP("all", "a", false, "Include inactive images")
	dockerImageRemoveCmd.Flags().Bool("purge", false, "Delete the record as well")

	rootCmd.AddCommand(dockerImageCmd)
}
