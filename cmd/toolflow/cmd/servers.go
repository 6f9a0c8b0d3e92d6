package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/meow-stack/toolflow/internal/rpc"
	"github.com/meow-stack/toolflow/internal/types"
)

var serversCmd = &cobra.Command{
	Use:   "servers",
	Short: "Manage tool servers of a running 'toolflow serve'",
}

var (
	serversAPI     string
	serversTimeout time.Duration
	callArgs       string
)

var serversListCmd = &cobra.Command{
	Use:   "list",
	Short: "List servers and their status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := serversClient()
		if err != nil {
			return err
		}
		var resp struct {
			Servers []types.ServerState `json:"servers"`
		}
		if err := client.do(cmd.Context(), http.MethodGet, "/servers", nil, &resp); err != nil {
			return err
		}
		printServers(cmd.OutOrStdout(), resp.Servers)
		return nil
	},
}

var serversStartCmd = &cobra.Command{
	Use:   "start <server>",
	Short: "Start a server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return serverAction(cmd, args[0], "start")
	},
}

var serversStopCmd = &cobra.Command{
	Use:   "stop <server>",
	Short: "Stop a server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return serverAction(cmd, args[0], "stop")
	},
}

var serversRestartCmd = &cobra.Command{
	Use:   "restart <server>",
	Short: "Restart a server and reset its crash counter",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return serverAction(cmd, args[0], "restart")
	},
}

var serversToolsCmd = &cobra.Command{
	Use:   "tools <server>",
	Short: "List the tools a server exposes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := serversClient()
		if err != nil {
			return err
		}
		var resp struct {
			Tools []rpc.Tool `json:"tools"`
		}
		path := "/servers/" + url.PathEscape(args[0]) + "/tools"
		if err := client.do(cmd.Context(), http.MethodGet, path, nil, &resp); err != nil {
			return err
		}
		printTools(cmd.OutOrStdout(), resp.Tools)
		return nil
	},
}

var serversCallCmd = &cobra.Command{
	Use:   "call <server> <tool>",
	Short: "Call a tool and print its result",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		arguments, err := parseInput(callArgs)
		if err != nil {
			return err
		}
		client, err := serversClient()
		if err != nil {
			return err
		}
		var resp struct {
			Result json.RawMessage `json:"result"`
		}
		path := "/servers/" + url.PathEscape(args[0]) + "/tools/" + url.PathEscape(args[1]) + "/call"
		body := map[string]any{"arguments": arguments}
		if err := client.do(cmd.Context(), http.MethodPost, path, body, &resp); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), resp.Result)
	},
}

func init() {
	serversCmd.PersistentFlags().StringVar(&serversAPI, "api", "", "management API address (default: api.listen from config)")
	serversCmd.PersistentFlags().DurationVar(&serversTimeout, "timeout", time.Minute, "request timeout")
	serversCallCmd.Flags().StringVar(&callArgs, "args", "", "tool arguments as a JSON object")

	serversCmd.AddCommand(serversListCmd, serversStartCmd, serversStopCmd, serversRestartCmd, serversToolsCmd, serversCallCmd)
	rootCmd.AddCommand(serversCmd)
}

func serversClient() (*apiClient, error) {
	addr := serversAPI
	if addr == "" {
		cfg, _, err := loadConfig()
		if err != nil {
			return nil, err
		}
		addr = cfg.API.Listen
	}
	return newAPIClient(addr, serversTimeout), nil
}

func serverAction(cmd *cobra.Command, id, action string) error {
	client, err := serversClient()
	if err != nil {
		return err
	}
	var state types.ServerState
	path := "/servers/" + url.PathEscape(id) + "/" + action
	if err := client.do(cmd.Context(), http.MethodPost, path, nil, &state); err != nil {
		return err
	}
	printServers(cmd.OutOrStdout(), []types.ServerState{state})
	return nil
}

func printServers(w io.Writer, servers []types.ServerState) {
	if len(servers) == 0 {
		fmt.Fprintln(w, "No servers configured.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tPID\tRESTARTS\tLAST ERROR")
	for _, s := range servers {
		pid := "-"
		if s.PID > 0 {
			pid = fmt.Sprint(s.PID)
		}
		lastErr := s.LastError
		if lastErr == "" {
			lastErr = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", s.ID, s.Status, pid, s.RestartCount, lastErr)
	}
	tw.Flush()
}

func printTools(w io.Writer, tools []rpc.Tool) {
	if len(tools) == 0 {
		fmt.Fprintln(w, "No tools.")
		return
	}
	for _, t := range tools {
		if t.Description != "" {
			fmt.Fprintf(w, "  %-24s %s\n", t.Name, t.Description)
		} else {
			fmt.Fprintf(w, "  %s\n", t.Name)
		}
	}
}

func printJSON(w io.Writer, raw json.RawMessage) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		_, err = fmt.Fprintln(w, string(raw))
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
