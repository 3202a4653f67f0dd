package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	apperrors "github.com/3leaps/dbrelay/internal/errors"
	"github.com/3leaps/dbrelay/internal/server/handlers"
	"github.com/3leaps/dbrelay/pkg/jobregistry"
	"github.com/3leaps/dbrelay/pkg/request"
)

const defaultServerURL = "http://localhost:8080"

var jobsSubmitCmd = &cobra.Command{
	Use:   "submit -f <request.yaml>",
	Short: "Submit a job request document to the server",
	Long: `Submit a job request document to the server.

The document is validated locally against the request schema first. Its type
selects the endpoint: backup, restore, dump, load or transaction.`,
	RunE: runJobsSubmit,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <type> <job_id>",
	Short: "Cancel a running job",
	Args:  cobra.ExactArgs(2),
	RunE:  runJobsCancel,
}

var jobsCommitCmd = &cobra.Command{
	Use:   "commit <job_id>",
	Short: "Commit an open transaction",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTransactionEnd(cmd, args[0], "commit")
	},
}

var jobsRollbackCmd = &cobra.Command{
	Use:   "rollback <job_id>",
	Short: "Roll back an open transaction",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTransactionEnd(cmd, args[0], "rollback")
	},
}

var jobsWatchCmd = &cobra.Command{
	Use:   "watch <type> <job_id>",
	Short: "Stream job updates until the job finishes",
	Args:  cobra.ExactArgs(2),
	RunE:  runJobsWatch,
}

func init() {
	for _, c := range []*cobra.Command{jobsSubmitCmd, jobsCancelCmd, jobsCommitCmd, jobsRollbackCmd, jobsWatchCmd} {
		jobsCmd.AddCommand(c)
		c.Flags().String("server", "", "Server base URL (default: $DBRELAY_SERVER or "+defaultServerURL+")")
		c.Flags().String("token", "", "Bearer token forwarded to the server (default: $DBRELAY_TOKEN)")
	}
	jobsSubmitCmd.Flags().StringP("file", "f", "", "Request document (YAML or JSON)")
	_ = jobsSubmitCmd.MarkFlagRequired("file")
}

// apiClient calls the dbrelay HTTP API on behalf of one user.
type apiClient struct {
	base  *url.URL
	uid   string
	token string
	http  *http.Client
}

func newAPIClient(cmd *cobra.Command, uid string) (*apiClient, error) {
	raw, _ := cmd.Flags().GetString("server")
	if raw == "" {
		raw = os.Getenv("DBRELAY_SERVER")
	}
	if raw == "" {
		raw = defaultServerURL
	}
	base, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid --server value", fmt.Errorf("%q is not an absolute URL", raw))
	}

	token, _ := cmd.Flags().GetString("token")
	if token == "" {
		token = os.Getenv("DBRELAY_TOKEN")
	}
	return &apiClient{
		base:  base,
		uid:   uid,
		token: token,
		http:  &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (c *apiClient) header() http.Header {
	h := http.Header{}
	h.Set(handlers.UserIDHeader, c.uid)
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
	return h
}

// do sends body as JSON and decodes a job record. Error envelopes become
// *apperrors.Error with the server's code and message.
func (c *apiClient) do(ctx context.Context, method, path string, body any) (jobregistry.Record, error) {
	var rec jobregistry.Record

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return rec, err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+"/api/v1"+path, reader)
	if err != nil {
		return rec, err
	}
	req.Header = c.header()
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return rec, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		var env apperrors.HTTPErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&env); err != nil || env.Error.Code == "" {
			return rec, fmt.Errorf("server returned %s", resp.Status)
		}
		return rec, apperrors.New(apperrors.Code(env.Error.Code), env.Error.Message)
	}
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return rec, fmt.Errorf("decode response: %w", err)
	}
	return rec, nil
}

// submission resolves a request document into an endpoint and body.
func submission(req *request.Request) (string, any, error) {
	section, err := req.Section()
	if err != nil {
		return "", nil, err
	}
	switch s := section.(type) {
	case *request.BackupSpec:
		s.JobID = req.JobID
		return "/backups", s, nil
	case *request.RestoreSpec:
		s.JobID = req.JobID
		return "/restores", s, nil
	case *request.DumpSpec:
		s.JobID = req.JobID
		return "/dumps", s, nil
	case *request.LoadSpec:
		s.JobID = req.JobID
		return "/loads", s, nil
	case *request.TransactionSpec:
		return "/transactions", s, nil
	}
	return "", nil, fmt.Errorf("unsupported request type %q", req.Type)
}

func runJobsSubmit(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Flags().GetString("file")
	req, err := request.Load(path)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid request", err)
	}
	endpoint, body, err := submission(req)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid request", err)
	}

	uid := jobsUID(cmd)
	if !cmd.Flags().Changed("uid") && req.UID != "" {
		uid = req.UID
	}
	client, err := newAPIClient(cmd, uid)
	if err != nil {
		return err
	}

	rec, err := client.do(cmd.Context(), http.MethodPost, endpoint, body)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Submit failed", err)
	}
	return printRecord(rec)
}

func runJobsCancel(cmd *cobra.Command, args []string) error {
	t, jobID, err := jobArgs(args)
	if err != nil {
		return err
	}
	client, err := newAPIClient(cmd, jobsUID(cmd))
	if err != nil {
		return err
	}
	rec, err := client.do(cmd.Context(), http.MethodPost, "/jobs/"+string(t)+"/"+url.PathEscape(jobID)+"/cancel", nil)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Cancel failed", err)
	}
	return printRecord(rec)
}

func runTransactionEnd(cmd *cobra.Command, jobID, action string) error {
	client, err := newAPIClient(cmd, jobsUID(cmd))
	if err != nil {
		return err
	}
	rec, err := client.do(cmd.Context(), http.MethodPost, "/transactions/"+url.PathEscape(jobID)+"/"+action, nil)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Transaction "+action+" failed", err)
	}
	return printRecord(rec)
}

func runJobsWatch(cmd *cobra.Command, args []string) error {
	t, jobID, err := jobArgs(args)
	if err != nil {
		return err
	}
	client, err := newAPIClient(cmd, jobsUID(cmd))
	if err != nil {
		return err
	}

	wsURL := *client.base
	switch wsURL.Scheme {
	case "https":
		wsURL.Scheme = "wss"
	default:
		wsURL.Scheme = "ws"
	}
	wsURL.Path += "/api/v1/jobs/" + string(t) + "/" + url.PathEscape(jobID) + "/events"

	conn, resp, err := websocket.DefaultDialer.DialContext(cmd.Context(), wsURL.String(), client.header())
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (%s)", err, resp.Status)
		}
		return exitError(foundry.ExitExternalServiceUnavailable, "Watch failed", err)
	}
	defer func() { _ = conn.Close() }()

	enc := json.NewEncoder(os.Stdout)
	for {
		var rec jobregistry.Record
		if err := conn.ReadJSON(&rec); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return exitError(foundry.ExitExternalServiceUnavailable, "Event stream closed", err)
		}
		if err := enc.Encode(rec); err != nil {
			return err
		}
	}
}

func printRecord(rec jobregistry.Record) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(rec)
}
