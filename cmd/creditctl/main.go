// creditctl is a small command line client for the credit approval service.
package main

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
)

var addr string

func main() {
	root := &cobra.Command{
		Use:          "creditctl",
		Short:        "Client for the credit approval service",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&addr, "addr", "http://localhost:8080", "service base URL")

	root.AddCommand(startCmd(), confirmCmd(), getCmd(), notificationsCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func startCmd() *cobra.Command {
	var account, name, identifier string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a credit analysis for an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{
				"account":    account,
				"name":       name,
				"identifier": identifier,
			}
			var out struct {
				OperationID string `json:"operationId"`
			}
			if err := post("/api/v1/analysis", body, &out); err != nil {
				return err
			}
			fmt.Println(out.OperationID)
			return nil
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "account number")
	cmd.Flags().StringVar(&name, "name", "", "customer name")
	cmd.Flags().StringVar(&identifier, "identifier", "", "customer identifier")
	cmd.MarkFlagRequired("account")
	return cmd
}

func confirmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "confirm <operation-id>",
		Short: "Confirm an approved operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"operation": args[0]}
			var out struct {
				Status string `json:"status"`
			}
			if err := post("/api/v1/confirm", body, &out); err != nil {
				return err
			}
			fmt.Println(out.Status)
			return nil
		},
	}
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <operation-id>",
		Short: "Show the stored state of an operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := get("/api/v1/operations/" + args[0])
			if err != nil {
				return err
			}
			var buf bytes.Buffer
			if err := json.Indent(&buf, raw, "", "  "); err != nil {
				return err
			}
			fmt.Println(buf.String())
			return nil
		},
	}
}

func notificationsCmd() *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "notifications",
		Short: "Drain and print queued notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			for {
				raw, err := get("/api/v1/notifications")
				if err != nil {
					return err
				}
				var out struct {
					Notifications []string `json:"notifications"`
				}
				if err := json.Unmarshal(raw, &out); err != nil {
					return err
				}
				for _, line := range out.Notifications {
					fmt.Println(line)
				}
				if !follow {
					return nil
				}
				time.Sleep(2 * time.Second)
			}
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep polling for new notifications")
	return cmd
}

func post(path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := http.Post(addr+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %s", resp.Status, bytes.TrimSpace(raw))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func get(path string) ([]byte, error) {
	resp, err := http.Get(addr + path)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: %s", resp.Status, bytes.TrimSpace(raw))
	}
	return raw, nil
}
