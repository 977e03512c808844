package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/cuemby/shipyard/pkg/types"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// printer renders values in the format picked with -o
type printer struct {
	w      io.Writer
	format string
}

func newPrinter(cmd *cobra.Command) (*printer, error) {
	format, _ := cmd.Flags().GetString("output")
	switch format {
	case "table", "yaml", "json":
	default:
		return nil, fmt.Errorf("unknown output format %q (want table, yaml or json)", format)
	}
	return &printer{w: cmd.OutOrStdout(), format: format}, nil
}

// print writes v as yaml or json, or calls table for the default format
func (p *printer) print(v any, table func(*tabwriter.Writer)) error {
	switch p.format {
	case "json":
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		// Round-trip through JSON so yaml keys match the API field names.
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return err
		}
		enc := yaml.NewEncoder(p.w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(doc)
	}
	tw := tabwriter.NewWriter(p.w, 0, 0, 3, ' ', 0)
	table(tw)
	return tw.Flush()
}

func (p *printer) uploadedImages(imgs []*types.UploadedImage) error {
	return p.print(imgs, func(w *tabwriter.Writer) {
		fmt.Fprintln(w, "ID\tFILENAME\tSTATUS\tIMAGE\tAGE\tERROR")
		for _, img := range imgs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				shortID(img.ID), img.Filename, img.Status, shortID(img.DockerImageID), age(img.CreatedAt), img.Error)
		}
	})
}

func (p *printer) dockerImages(imgs []*types.DockerImage) error {
	return p.print(imgs, func(w *tabwriter.Writer) {
		fmt.Fprintln(w, "ID\tREFERENCE\tRUNTIME ID\tACTIVE\tSTATUS\tAGE")
		for _, img := range imgs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\t%s\n",
				shortID(img.ID), img.Reference(), shortID(trimDigest(img.RuntimeID)), img.IsActive, img.Status, age(img.CreatedAt))
		}
	})
}

func (p *printer) containers(cs []*types.Container) error {
	return p.print(cs, func(w *tabwriter.Writer) {
		fmt.Fprintln(w, "ID\tNAME\tIMAGE\tSTATUS\tPORTS\tAGE\tERROR")
		for _, c := range cs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				shortID(c.ID), c.Name, imageOf(c), c.Status, ports(c), age(c.CreatedAt), c.Error)
		}
	})
}

func (p *printer) uploadedImage(img *types.UploadedImage) error {
	return p.uploadedImages([]*types.UploadedImage{img})
}

func (p *printer) dockerImage(img *types.DockerImage) error {
	return p.dockerImages([]*types.DockerImage{img})
}

func (p *printer) container(c *types.Container) error {
	return p.containers([]*types.Container{c})
}

func ports(c *types.Container) string {
	if c.ExposedPort > 0 {
		return strconv.Itoa(c.ExposedPort) + "->" + strconv.Itoa(c.InternalPort) + "/tcp"
	}
	return strconv.Itoa(c.HostPort) + ":" + strconv.Itoa(c.InternalPort)
}

func imageOf(c *types.Container) string {
	if c.Image != "" {
		return c.Image
	}
	return c.ResolvedImage
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func trimDigest(id string) string {
	if len(id) > 7 && id[:7] == "sha256:" {
		return id[7:]
	}
	return id
}

func age(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t).Round(time.Second)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
