// forgeq is the client CLI: it submits jobs to the coordinator's HTTP API
// and queries their status.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"forgeq/internal/coordinator"
)

var serverURL string

func main() {
	root := &cobra.Command{
		Use:          "forgeq",
		Short:        "client for the forgeq job coordinator",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "coordinator API base URL")
	root.AddCommand(submitCmd(), statusCmd(), cancelCmd(), statsCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func submitCmd() *cobra.Command {
	var req coordinator.SubmitRequest
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "submit a job",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := postJSON("/api/v1/jobs", req)
			if err != nil {
				return err
			}
			var resp struct {
				JobID string `json:"job_id"`
			}
			if err := json.Unmarshal(body, &resp); err != nil {
				return errors.Wrap(err, "decode response")
			}
			fmt.Println(resp.JobID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&req.Command, "command", "c", "", "shell command to execute (required)")
	cmd.Flags().StringSliceVar(&req.Requirements, "require", nil, "capability tag the runner must advertise (repeatable)")
	cmd.Flags().StringSliceVar(&req.Dependencies, "dep", nil, "job id this job depends on (advisory, repeatable)")
	cmd.Flags().IntVar(&req.Priority, "priority", 0, "priority hint (advisory)")
	cmd.Flags().IntVar(&req.TimeoutSeconds, "timeout", 3600, "per-attempt timeout in seconds")
	cmd.Flags().IntVar(&req.MaxRetries, "max-retries", 0, "retry budget after failed attempts")
	_ = cmd.MarkFlagRequired("command")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "show a job record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := get("/api/v1/jobs/" + args[0])
			if err != nil {
				return err
			}
			return printIndented(body)
		},
	}
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "cancel a pending or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := postJSON("/api/v1/jobs/"+args[0]+"/cancel", nil); err != nil {
				return err
			}
			fmt.Println("cancelled")
			return nil
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "show coordinator statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := get("/api/v1/stats")
			if err != nil {
				return err
			}
			return printIndented(body)
		},
	}
}

var httpClient = &http.Client{Timeout: 10 * time.Second}

func get(path string) ([]byte, error) {
	resp, err := httpClient.Get(serverURL + path)
	if err != nil {
		return nil, errors.Wrap(err, "coordinator unreachable")
	}
	defer resp.Body.Close()
	return readResponse(resp)
}

func postJSON(path string, payload interface{}) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(raw)
	}
	resp, err := httpClient.Post(serverURL+path, "application/json", body)
	if err != nil {
		return nil, errors.Wrap(err, "coordinator unreachable")
	}
	defer resp.Body.Close()
	return readResponse(resp)
}

func readResponse(resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return nil, errors.Errorf("%s (%s)", apiErr.Error, resp.Status)
		}
		return nil, errors.Errorf("request failed: %s", resp.Status)
	}
	return body, nil
}

func printIndented(body []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, body, "", "  "); err != nil {
		fmt.Println(string(body))
		return nil
	}
	fmt.Println(buf.String())
	return nil
}
