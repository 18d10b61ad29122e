package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var url string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Check whether a keygate server is ready",
		Long:  "Query the server's readiness endpoint and report the store state and the number of active keys.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if url == "" {
				url = localURL()
			}
			return runStatus(cmd, strings.TrimRight(url, "/"))
		},
	}

	cmd.Flags().StringVar(&url, "url", "", "Base URL of the server (default: from server.host/server.port)")

	return cmd
}

// localURL derives a reachable address from the listen settings.
func localURL() string {
	cfg := effectiveConfig()
	host := cfg.Server.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, cfg.Server.Port)
}

func runStatus(cmd *cobra.Command, base string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, base+"/readyz", nil)
	if err != nil {
		return errors.Wrap(err, "build request")
	}

	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "server at %s is not responding", base)
	}
	defer resp.Body.Close()

	var body struct {
		Status     string `json:"status"`
		ActiveKeys *int   `json:"activeKeys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return errors.Wrap(err, "decode readiness response")
	}

	out := cmd.OutOrStdout()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("server at %s is not ready (%d %s)", base, resp.StatusCode, body.Status)
	}
	fmt.Fprintf(out, "Server is ready: %s\n", base)
	if body.ActiveKeys != nil {
		fmt.Fprintf(out, "  Active keys: %d\n", *body.ActiveKeys)
	}
	return nil
}
