package main

import (
	"fmt"

	"github.com/cuemby/shipyard/pkg/manager"
	"github.com/cuemby/shipyard/pkg/types"
	"github.com/spf13/cobra"
)

// Container commands
var containerCmd = &cobra.Command{
	Use:     "container",
	Aliases: []string{"containers", "c"},
	Short:   "Manage containers",
}

var containerCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a container",
	Long: `Create a container from a runtime image record (--image-id) or an image
reference the runtime can resolve (--image). When both are given the record
wins.

Examples:
  shipyard container create --name web --image nginx:1.25 \
    --cpus 0.5 --memory 256 --port 8080:80 --start`,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := newPrinter(cmd)
		if err != nil {
			return err
		}
		flags := cmd.Flags()
		name, _ := flags.GetString("name")
		image, _ := flags.GetString("image")
		imageID, _ := flags.GetString("image-id")
		cpus, _ := flags.GetFloat64("cpus")
		memory, _ := flags.GetInt("memory")
		port, _ := flags.GetString("port")
		start, _ := flags.GetBool("start")

		hostPort, internalPort, err := parsePort(port)
		if err != nil {
			return err
		}

		c, err := newClient(cmd).CreateContainer(cmd.Context(), manager.CreateRequest{
			Name:          name,
			Image:         image,
			ImageID:       imageID,
			CPULimit:      cpus,
			MemoryLimitMB: memory,
			InternalPort:  internalPort,
			HostPort:      hostPort,
			AutoStart:     start,
		})
		if c != nil {
			if perr := p.container(c); perr != nil {
				return perr
			}
		}
		return err
	},
}

var containerListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls", "ps"},
	Short:   "List containers",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := newPrinter(cmd)
		if err != nil {
			return err
		}
		all, _ := cmd.Flags().GetBool("all")
		cs, err := newClient(cmd).ListContainers(cmd.Context(), all)
		if err != nil {
			return err
		}
		return p.containers(cs)
	},
}

// containerAction builds a command that applies one lifecycle operation
func containerAction(use, short string, op func(cmd *cobra.Command, id string) (*types.Container, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := newPrinter(cmd)
			if err != nil {
				return err
			}
			c, err := op(cmd, args[0])
			if err != nil {
				return err
			}
			return p.container(c)
		},
	}
}

var containerInspectCmd = containerAction("inspect", "Show a container", func(cmd *cobra.Command, id string) (*types.Container, error) {
	return newClient(cmd).GetContainer(cmd.Context(), id)
})

var containerStartCmd = containerAction("start", "Start a container", func(cmd *cobra.Command, id string) (*types.Container, error) {
	return newClient(cmd).StartContainer(cmd.Context(), id)
})

var containerStopCmd = containerAction("stop", "Stop a running container", func(cmd *cobra.Command, id string) (*types.Container, error) {
	return newClient(cmd).StopContainer(cmd.Context(), id)
})

var containerRemoveCmd = containerAction("rm", "Delete a container, stopping it first if running", func(cmd *cobra.Command, id string) (*types.Container, error) {
	return newClient(cmd).DeleteContainer(cmd.Context(), id)
})

var containerLogsCmd = &cobra.Command{
	Use:   "logs ID",
	Short: "Print the last lines of a container's output",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tail, _ := cmd.Flags().GetInt("tail")
		logs, err := newClient(cmd).ContainerLogs(cmd.Context(), args[0], tail)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), logs)
		return nil
	},
}

func init() {
	containerCmd.AddCommand(containerCreateCmd)
	containerCmd.AddCommand(containerListCmd)
	containerCmd.AddCommand(containerInspectCmd)
	containerCmd.AddCommand(containerStartCmd)
	containerCmd.AddCommand(containerStopCmd)
	containerCmd.AddCommand(containerRemoveCmd)
	containerCmd.AddCommand(containerLogsCmd)

	containerCreateCmd.Flags().String("name", "", "Container name (generated when empty)")
	containerCreateCmd.Flags().String("image", "", "Image reference")
	containerCreateCmd.Flags().String("image-id", "", "Runtime image record ID")
	containerCreateCmd.Flags().Float64("cpus", 1, "CPU limit in cores")
	containerCreateCmd.Flags().Int("memory", 512, "Memory limit in MB")
	containerCreateCmd.Flags().StringP("port", "p", "", "Port mapping HOST[:CONTAINER], container port defaults to 80")
	containerCreateCmd.Flags().Bool("start", false, "Start the container after creating it")
	_ = containerCreateCmd.MarkFlagRequired("port")

	containerListCmd.Flags().BoolP("all", "a", false, "Include deleted containers")
	containerLogsCmd.Flags().Int("tail", 0, "Number of lines to show (server default when 0)")

	rootCmd.AddCommand(containerCmd)
}
