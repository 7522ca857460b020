package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"

	"github.com/spf13/cobra"
)

var baseURL = "http://localhost:8080"

func main() {
	root := &cobra.Command{
		Use:           "capsulectl",
		Short:         "Operate a capsuled daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&baseURL, "addr", baseURL, "capsuled HTTP address")

	root.AddCommand(
		pingCmd(),
		createCmd(),
		getCmd(),
		listCmd(),
		actionCmd("activate", "Activate a paused or suspended capsule"),
		actionCmd("pause", "Pause an active capsule"),
		actionCmd("suspend", "Suspend a capsule to durable storage"),
		actionCmd("terminate", "Terminate a capsule"),
		actionCmd("fork", "Fork a capsule into a new active capsule"),
		migrateCmd(),
		opCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func pingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check daemon connectivity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON("/ping", nil)
		},
	}
}

func createCmd() *cobra.Command {
	var agentID string
	var config map[string]string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a capsule for an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return postJSON("/create", map[string]any{
				"agent_id": agentID,
				"config":   config,
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "owner agent id (required)")
	cmd.Flags().StringToStringVar(&config, "config", nil, "capsule config key=value pairs")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func getCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Show a capsule",
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON("/get", url.Values{"id": {id}})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "capsule id (required)")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func listCmd() *cobra.Command {
	var state string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List capsules, optionally filtered by state",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if state != "" {
				q.Set("state", state)
			}
			return getJSON("/list", q)
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "filter by state")
	return cmd
}

func actionCmd(name, short string) *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   name,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return postJSON("/"+name, map[string]any{"id": id})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "capsule id (required)")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func migrateCmd() *cobra.Command {
	var id, target string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Migrate a capsule to another device",
		RunE: func(cmd *cobra.Command, args []string) error {
			return postJSON("/migrate", map[string]any{
				"id":            id,
				"target_device": target,
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "capsule id (required)")
	cmd.Flags().StringVar(&target, "target", "", "target device id (required)")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func opCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "op",
		Short: "Poll the result of a completed operation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON("/op", url.Values{"id": {id}})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "operation id (required)")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func getJSON(path string, q url.Values) error {
	u := baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	resp, err := http.Get(u)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

func postJSON(path string, body map[string]any) error {
	bs, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := http.Post(baseURL+path, "application/json", bytes.NewBuffer(bs))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

func printResponse(resp *http.Response) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		fmt.Println(string(data))
	} else {
		fmt.Println(pretty.String())
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("daemon returned %s", resp.Status)
	}
	return nil
}
