package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/dbrelay/internal/config"
	"github.com/3leaps/dbrelay/internal/service"
	"github.com/3leaps/dbrelay/pkg/jobregistry"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and control jobs",
	Long: `Inspect and control dbrelay jobs.

list, status and logs read the registry snapshot and job directories on this
host and work while the server is down. submit, cancel, commit, rollback and
watch talk to a running server.`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs from the registry snapshot",
	RunE:  runJobsList,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <type> <job_id>",
	Short: "Show one job from the registry snapshot",
	Args:  cobra.ExactArgs(2),
	RunE:  runJobsStatus,
}

var jobsLogsCmd = &cobra.Command{
	Use:   "logs <type> <job_id>",
	Short: "Show a job's status log or worker output",
	Args:  cobra.ExactArgs(2),
	RunE:  runJobsLogs,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsStatusCmd)
	jobsCmd.AddCommand(jobsLogsCmd)

	jobsCmd.PersistentFlags().String("uid", "", "Job owner (default: anonymous)")

	jobsListCmd.Flags().String("type", "", "Only list jobs of this type")
	jobsListCmd.Flags().Bool("all-users", false, "List jobs of every owner")
	jobsListCmd.Flags().Bool("json", false, "Output as JSON")
	jobsStatusCmd.Flags().Bool("json", false, "Output as JSON")
	jobsLogsCmd.Flags().String("stream", "status", "Log to show: status, stdout or stderr")
	jobsLogsCmd.Flags().Int("tail", 200, "Show last N lines (0 = everything)")
}

func jobsUID(cmd *cobra.Command) string {
	uid, _ := cmd.Flags().GetString("uid")
	uid = strings.TrimSpace(uid)
	if uid == "" {
		return "anonymous"
	}
	return uid
}

func loadSnapshot(cmd *cobra.Command) (*config.Config, []jobregistry.Record, error) {
	cfg, err := config.Load(cmd.Context())
	if err != nil {
		return nil, nil, exitError(foundry.ExitInvalidArgument, "Failed to load configuration", err)
	}
	records, err := jobregistry.NewStore(cfg.Jobs.RegistryPath).Load()
	if err != nil {
		return nil, nil, exitError(foundry.ExitFileReadError, "Failed to read job registry", err)
	}
	return cfg, records, nil
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	allUsers, _ := cmd.Flags().GetBool("all-users")
	rawType, _ := cmd.Flags().GetString("type")

	var filter jobregistry.Type
	if rawType != "" {
		t, ok := jobregistry.ParseType(rawType)
		if !ok {
			return exitError(foundry.ExitInvalidArgument, "Invalid --type value", fmt.Errorf("unknown job type %q", rawType))
		}
		filter = t
	}

	_, records, err := loadSnapshot(cmd)
	if err != nil {
		return err
	}
	uid := jobsUID(cmd)

	jobs := make([]jobregistry.Record, 0, len(records))
	for _, rec := range records {
		if filter != "" && rec.Type != filter {
			continue
		}
		if !allUsers && rec.UID != uid {
			continue
		}
		jobs = append(jobs, rec)
	}
	sort.SliceStable(jobs, func(i, j int) bool { return jobs[i].StartTime.Before(jobs[j].StartTime) })

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(jobs)
	}
	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "No jobs found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "TYPE\tUID\tJOB ID\tSTATUS\tPROGRESS\tSTARTED\tENDED")
	for _, j := range jobs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.0f%%\t%s\t%s\n",
			j.Type,
			j.UID,
			shortJobID(j.JobID),
			j.Status,
			j.Progress*100,
			j.StartTime.UTC().Format(time.RFC3339),
			formatOptionalTime(j.EndTime),
		)
	}
	return nil
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	t, jobID, err := jobArgs(args)
	if err != nil {
		return err
	}

	_, records, err := loadSnapshot(cmd)
	if err != nil {
		return err
	}
	rec, ok := findRecord(records, t, jobsUID(cmd), jobID)
	if !ok {
		return exitError(foundry.ExitFileNotFound, "Job not found", fmt.Errorf("%s job %s", t, jobID))
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	}

	_, _ = fmt.Fprintf(os.Stdout, "job_id=%s\n", rec.JobID)
	_, _ = fmt.Fprintf(os.Stdout, "uid=%s\n", rec.UID)
	_, _ = fmt.Fprintf(os.Stdout, "type=%s\n", rec.Type)
	_, _ = fmt.Fprintf(os.Stdout, "status=%s\n", rec.Status)
	_, _ = fmt.Fprintf(os.Stdout, "progress=%.2f\n", rec.Progress)
	_, _ = fmt.Fprintf(os.Stdout, "started_at=%s\n", rec.StartTime.UTC().Format(time.RFC3339))
	if rec.EndTime != nil {
		_, _ = fmt.Fprintf(os.Stdout, "ended_at=%s\n", rec.EndTime.UTC().Format(time.RFC3339))
	}
	if rec.ErrorMessage != "" {
		_, _ = fmt.Fprintf(os.Stdout, "error=%s\n", rec.ErrorMessage)
	}
	return nil
}

func runJobsLogs(cmd *cobra.Command, args []string) error {
	t, jobID, err := jobArgs(args)
	if err != nil {
		return err
	}
	stream, _ := cmd.Flags().GetString("stream")
	tailN, _ := cmd.Flags().GetInt("tail")
	if tailN < 0 {
		tailN = 0
	}

	cfg, err := config.Load(cmd.Context())
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to load configuration", err)
	}
	dir := service.WorkDir(cfg.DataDir, t, jobsUID(cmd), jobID)

	var path string
	switch strings.ToLower(strings.TrimSpace(stream)) {
	case "status":
		path = filepath.Join(dir, service.StatusLogName)
	case "stdout":
		path = jobregistry.StdoutPath(dir)
	case "stderr":
		path = jobregistry.StderrPath(dir)
	default:
		return exitError(foundry.ExitInvalidArgument, "Invalid --stream value",
			fmt.Errorf("%q (expected status, stdout or stderr)", stream))
	}

	if err := printLogTail(os.Stdout, path, tailN); err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read log", err)
	}
	return nil
}

func jobArgs(args []string) (jobregistry.Type, string, error) {
	t, ok := jobregistry.ParseType(strings.TrimSpace(args[0]))
	if !ok {
		return "", "", exitError(foundry.ExitInvalidArgument, "Invalid job type", fmt.Errorf("unknown job type %q", args[0]))
	}
	jobID := strings.TrimSpace(args[1])
	if jobID == "" {
		return "", "", exitError(foundry.ExitInvalidArgument, "Invalid job id", fmt.Errorf("job_id is required"))
	}
	return t, jobID, nil
}

func findRecord(records []jobregistry.Record, t jobregistry.Type, uid, jobID string) (jobregistry.Record, bool) {
	for _, rec := range records {
		if rec.Type == t && rec.UID == uid && rec.JobID == jobID {
			return rec, true
		}
	}
	return jobregistry.Record{}, false
}

func shortJobID(jobID string) string {
	jobID = strings.TrimSpace(jobID)
	if len(jobID) <= 12 {
		return jobID
	}
	return jobID[:12]
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func printLogTail(out io.Writer, path string, tailN int) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	if tailN <= 0 {
		_, err := io.Copy(out, f)
		return err
	}

	lines, err := tailLines(f, tailN)
	if err != nil {
		return err
	}
	for _, line := range lines {
		_, _ = fmt.Fprintln(out, line)
	}
	return nil
}

func tailLines(r io.Reader, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}

	scanner := bufio.NewScanner(r)
	buf := make([]string, 0, n)
	for scanner.Scan() {
		line := scanner.Text()
		if len(buf) < n {
			buf = append(buf, line)
			continue
		}
		copy(buf, buf[1:])
		buf[n-1] = line
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return buf, nil
}
