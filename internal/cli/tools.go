package cli

import (
	"encoding/json"
	"fmt"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "Inspect and invoke configured tools",
}

var toolsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the tools the assistant can call",
	RunE:  runToolsList,
}

var toolsSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Handshake every configured server and refresh its catalog",
	RunE:  runToolsSync,
}

var toolsCallCmd = &cobra.Command{
	Use:   "call <tool>",
	Short: "Invoke one tool directly",
	Args:  cobra.ExactArgs(1),
	RunE:  runToolsCall,
}

var toolCallArgs string

func init() {
	toolsCallCmd.Flags().StringVar(&toolCallArgs, "args", "{}", "tool arguments as a JSON object")

	toolsCmd.AddCommand(toolsListCmd)
	toolsCmd.AddCommand(toolsSyncCmd)
	toolsCmd.AddCommand(toolsCallCmd)
	rootCmd.AddCommand(toolsCmd)
}

func runToolsList(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Catalogs are lazy; a fresh process has to ask first.
	results := a.tools.Sync(ctx)

	descs := a.tools.ListAvailable()
	if len(descs) == 0 {
		fmt.Println("no tools available")
	}
	for _, d := range descs {
		desc := d.Description
		if desc == "" {
			desc = "(no description)"
		}
		fmt.Printf("%-24s %s  [%s]\n", d.Name, desc, d.Server)
	}

	for _, name := range sortedKeys(results) {
		if err := results[name]; err != nil {
			fmt.Printf("server %s failed: %v\n", name, err)
		}
	}
	return nil
}

func runToolsSync(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	results := a.tools.Sync(ctx)
	if len(results) == 0 {
		fmt.Println("no servers configured")
		return nil
	}

	failed := 0
	for _, name := range sortedKeys(results) {
		if err := results[name]; err != nil {
			failed++
			fmt.Printf("%s: failed: %v\n", name, err)
		} else {
			fmt.Printf("%s: ok\n", name)
		}
	}
	fmt.Printf("%d tools available\n", len(a.tools.ListAvailable()))

	if failed > 0 {
		return fmt.Errorf("%d of %d servers failed", failed, len(results))
	}
	return nil
}

func runToolsCall(cmd *cobra.Command, args []string) error {
	var callArgs map[string]any
	if err := json.Unmarshal([]byte(toolCallArgs), &callArgs); err != nil {
		return fmt.Errorf("invalid --args: %w", err)
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := a.tools.Invoke(ctx, args[0], callArgs)
	if err != nil {
		return err
	}

	fmt.Println(res.Text)
	if res.IsError {
		return fmt.Errorf("tool %s reported an error", args[0])
	}
	return nil
}

func sortedKeys(m map[string]error) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
