package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/shipyard/pkg/client"
	"github.com/cuemby/shipyard/pkg/manager"
	"github.com/cuemby/shipyard/pkg/types"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a configuration file",
	Long: `Apply shipyard resources from a YAML file. Documents are applied in
order, so an Image can be followed by the Containers that use it.

Examples:
  # image.yaml
  kind: Image
  metadata:
    name: web
  spec:
    file: ./nginx.tar
  ---
  kind: Container
  metadata:
    name: web
  spec:
    image: nginx:1.25
    cpu_limit: 0.5
    memory_limit_mb: 256
    host_port: 8080
    auto_start: true

  shipyard apply -f image.yaml`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML file to apply (required)")
	_ = applyCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(applyCmd)
}

// Resource is one document of an apply file
type Resource struct {
	Kind     string           `yaml:"kind"`
	Metadata ResourceMetadata `yaml:"metadata"`
	Spec     yaml.Node        `yaml:"spec"`
}

type ResourceMetadata struct {
	Name string `yaml:"name"`
}

// imageSpec is the spec of an Image resource. Relative paths are resolved
// against the directory of the apply file.
type imageSpec struct {
	File string `yaml:"file"`
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")

	f, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	defer f.Close()

	resources, err := decodeResources(f)
	if err != nil {
		return err
	}

	a := &applier{
		client: newClient(cmd),
		out:    cmd.OutOrStdout(),
		dir:    filepath.Dir(filename),
	}
	for _, r := range resources {
		if err := a.apply(cmd, r); err != nil {
			return fmt.Errorf("%s %q: %w", r.Kind, r.Metadata.Name, err)
		}
	}
	return nil
}

func decodeResources(r io.Reader) ([]*Resource, error) {
	var resources []*Resource
	dec := yaml.NewDecoder(r)
	for {
		var res Resource
		if err := dec.Decode(&res); errors.Is(err, io.EOF) {
			return resources, nil
		} else if err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
		if res.Kind == "" {
			return nil, fmt.Errorf("document %d has no kind", len(resources)+1)
		}
		resources = append(resources, &res)
	}
}

type applier struct {
	client *client.Client
	out    io.Writer
	dir    string
}

func (a *applier) apply(cmd *cobra.Command, r *Resource) error {
	switch r.Kind {
	case "Image":
		var spec imageSpec
		if err := r.Spec.Decode(&spec); err != nil {
			return fmt.Errorf("invalid spec: %w", err)
		}
		return a.applyImage(cmd, spec)
	case "Container":
		var req manager.CreateRequest
		if err := r.Spec.Decode(&req); err != nil {
			return fmt.Errorf("invalid spec: %w", err)
		}
		if req.Name == "" {
			req.Name = r.Metadata.Name
		}
		return a.applyContainer(cmd, req)
	default:
		return fmt.Errorf("unsupported resource kind: %s", r.Kind)
	}
}

// applyImage uploads and loads the archive unless an upload of the same
// filename is already loaded
func (a *applier) applyImage(cmd *cobra.Command, spec imageSpec) error {
	if spec.File == "" {
		return errors.New("image file is required")
	}
	path := spec.File
	if !filepath.IsAbs(path) {
		path = filepath.Join(a.dir, path)
	}
	name := filepath.Base(path)

	existing, err := a.client.ListUploadedImages(cmd.Context(), true)
	if err != nil {
		return err
	}
	for _, img := range existing {
		if img.Filename == name && img.Status == types.ImageStatusLoaded {
			fmt.Fprintf(a.out, "Image already loaded: %s (skipping)\n", name)
			return nil
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	fmt.Fprintf(a.out, "Uploading image: %s\n", name)
	img, err := a.client.UploadImage(cmd.Context(), name, f, true)
	if err != nil {
		return err
	}
	if img, err = a.client.WaitForLoad(cmd.Context(), img.ID, time.Second); err != nil {
		return err
	}
	if img.Status != types.ImageStatusLoaded {
		return fmt.Errorf("load failed: %s", img.Error)
	}
	fmt.Fprintf(a.out, "✓ Image loaded: %s (ID: %s)\n", name, img.DockerImageID)
	return nil
}

// applyContainer creates the container unless a live one with the name exists
func (a *applier) applyContainer(cmd *cobra.Command, req manager.CreateRequest) error {
	if req.Name != "" {
		existing, err := a.client.ListContainers(cmd.Context(), false)
		if err != nil {
			return err
		}
		for _, c := range existing {
			if c.Name == req.Name {
				fmt.Fprintf(a.out, "Container already exists: %s (skipping)\n", req.Name)
				return nil
			}
		}
	}

	fmt.Fprintf(a.out, "Creating container: %s\n", req.Name)
	c, err := a.client.CreateContainer(cmd.Context(), req)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "✓ Container %s: %s (ID: %s)\n", c.Status, c.Name, c.ID)
	return nil
}
