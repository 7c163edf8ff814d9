package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
)

func newListCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Discover, handshake, and list plugins",
		Long: `List spawns every candidate in the plugin directory, runs the handshake,
and prints the resulting registry: name, state, negotiated protocol
revision, and declared preview pattern.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(opts)
		},
	}
}

func runList(opts *rootOptions) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr, _, teardown, err := startEngine(ctx, opts)
	if err != nil {
		return err
	}
	defer teardown()

	statuses := mgr.Statuses()
	if len(statuses) == 0 {
		fmt.Println("no plugins found")
		return nil
	}

	fmt.Printf("%-16s %-12s %-8s %-8s %-8s %s\n",
		"NAME", "STATE", "PID", "PROTO", "CRASHES", "PATTERN")
	for _, st := range statuses {
		name := st.Name
		if name == "" {
			name = filepath.Base(st.Path)
		}
		state := st.State.String()
		if st.Disabled {
			state = "disabled"
		}
		fmt.Printf("%-16s %-12s %-8d %-8d %-8d %s\n",
			name, state, st.PID, st.Version, st.Crashes, st.Pattern)
	}
	return nil
}
