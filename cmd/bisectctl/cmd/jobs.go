package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/bisect-farm/pkg/models"
)

var (
	// submit flags
	goodVersion string
	badVersion  string
	gist        string
	platform    string
	clientData  []string

	// list flags
	filters []string

	// logs flags
	followLogs bool

	// patch flags
	patchFile string
	ifMatch   string
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage bisection jobs",
}

var jobsSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a new bisection job",
	RunE:  runJobsSubmit,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	Long: `List jobs, optionally filtered. Filters use the broker's query language:

  --filter platform=mac,win      any of the listed values
  --filter platform!=mac         none of the listed values
  --filter current=undefined     field is absent
  --filter last.status=success   dotted paths reach nested fields`,
	RunE: runJobsList,
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show a job and its history",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsShow,
}

var jobsLogsCmd = &cobra.Command{
	Use:   "logs <job-id>",
	Short: "Print a job's log",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsLogs,
}

var jobsPatchCmd = &cobra.Command{
	Use:   "patch <job-id>",
	Short: "Apply a JSON-Patch document to a job",
	Long: `Apply a JSON-Patch array read from --file (or stdin with "-"). Operators may
only change bot_client_data; the broker rejects anything else.`,
	Args: cobra.ExactArgs(1),
	RunE: runJobsPatch,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsSubmitCmd, jobsListCmd, jobsShowCmd, jobsLogsCmd, jobsPatchCmd)

	jobsSubmitCmd.Flags().StringVar(&goodVersion, "good", "", "known-good version (required)")
	jobsSubmitCmd.Flags().StringVar(&badVersion, "bad", "", "known-bad version (required)")
	jobsSubmitCmd.Flags().StringVar(&gist, "gist", "", "reproduction gist id or URL (required)")
	jobsSubmitCmd.Flags().StringVar(&platform, "platform", "", "restrict to a worker platform (mac, win, linux)")
	jobsSubmitCmd.Flags().StringArrayVar(&clientData, "data", nil, "bot_client_data entry as key=value (repeatable)")
	jobsSubmitCmd.MarkFlagRequired("good")
	jobsSubmitCmd.MarkFlagRequired("bad")
	jobsSubmitCmd.MarkFlagRequired("gist")

	jobsListCmd.Flags().StringArrayVarP(&filters, "filter", "f", nil, "filter as key=value or key!=value (repeatable)")

	jobsLogsCmd.Flags().BoolVar(&followLogs, "follow", false, "keep printing new output until the job finishes")

	jobsPatchCmd.Flags().StringVar(&patchFile, "file", "", "JSON-Patch file, - for stdin (required)")
	jobsPatchCmd.Flags().StringVar(&ifMatch, "if-match", "", "only apply if the job's ETag matches")
	jobsPatchCmd.MarkFlagRequired("file")
}

func runJobsSubmit(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}

	req := &models.JobRequest{
		Type:        models.JobTypeBisect,
		BisectRange: []string{goodVersion, badVersion},
		Gist:        gist,
		Platform:    platform,
	}
	if len(clientData) > 0 {
		req.BotClientData = make(map[string]interface{}, len(clientData))
		for _, kv := range clientData {
			k, v, ok := strings.Cut(kv, "=")
			if !ok || k == "" {
				return fmt.Errorf("invalid --data %q, expected key=value", kv)
			}
			req.BotClientData[k] = v
		}
	}

	id, err := client.CreateJob(cmd.Context(), req)
	if err != nil {
		return err
	}
	if ok, err := structuredOutput(cmd.OutOrStdout(), models.CreatedJob{ID: id}); ok {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Job submitted: %s\n", id)
	return nil
}

// parseFilters turns key=value / key!=value pairs into a list query
func parseFilters(pairs []string) (url.Values, error) {
	q := url.Values{}
	for _, pair := range pairs {
		if k, v, ok := strings.Cut(pair, "!="); ok {
			q.Add(k+"!", v)
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid filter %q, expected key=value or key!=value", pair)
		}
		q.Add(k, v)
	}
	return q, nil
}

func runJobsList(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	query, err := parseFilters(filters)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	ids, err := client.ListJobs(ctx, query)
	if err != nil {
		return err
	}

	jobs := make([]*models.Job, 0, len(ids))
	for _, id := range ids {
		job, _, err := client.GetJob(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to fetch job %s: %w", id, err)
		}
		jobs = append(jobs, job)
	}

	if ok, err := structuredOutput(cmd.OutOrStdout(), jobs); ok {
		return err
	}
	if len(jobs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No jobs found")
		return nil
	}

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.Header("ID", "Platform", "Range", "State", "Runner", "Since")
	for _, job := range jobs {
		state, runner, since := jobState(job)
		table.Append([]string{
			job.ID,
			orDash(job.Platform),
			formatRange(job.BisectRange),
			state,
			orDash(runner),
			since,
		})
	}
	return table.Render()
}

// jobState summarises where a job is in its lifecycle
func jobState(job *models.Job) (state, runner, since string) {
	switch {
	case job.Current != nil:
		return "running", job.Current.Runner, humanize.Time(job.Current.TimeBegun)
	case job.Last != nil:
		return string(job.Last.Status), job.Last.Runner, humanize.Time(job.Last.TimeEnded)
	default:
		return "pending", "", "-"
	}
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	job, etag, err := client.GetJob(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if ok, err := structuredOutput(cmd.OutOrStdout(), job); ok {
		return err
	}

	out := cmd.OutOrStdout()
	state, runner, since := jobState(job)

	table := tablewriter.NewWriter(out)
	table.Header("Field", "Value")
	table.Append([]string{"ID", job.ID})
	table.Append([]string{"Type", job.Type})
	table.Append([]string{"Range", formatRange(job.BisectRange)})
	table.Append([]string{"Gist", job.Gist})
	table.Append([]string{"Platform", orDash(job.Platform)})
	table.Append([]string{"State", state})
	table.Append([]string{"Runner", orDash(runner)})
	table.Append([]string{"Since", since})
	if job.Last != nil && job.Last.BisectRange != nil {
		table.Append([]string{"Narrowed To", formatRange(*job.Last.BisectRange)})
	}
	if job.Last != nil && job.Last.Error != "" {
		table.Append([]string{"Error", job.Last.Error})
	}
	for _, k := range sortedKeys(job.BotClientData) {
		raw, _ := json.Marshal(job.BotClientData[k])
		table.Append([]string{"Data: " + k, string(raw)})
	}
	table.Append([]string{"ETag", etag})
	if err := table.Render(); err != nil {
		return err
	}

	if len(job.History) == 0 {
		return nil
	}
	fmt.Fprintln(out, "\nHistory:")
	history := tablewriter.NewWriter(out)
	history.Header("#", "Runner", "Status", "Result", "Duration", "Ended")
	for i, r := range job.History {
		result := r.Error
		if r.BisectRange != nil {
			result = formatRange(*r.BisectRange)
		}
		history.Append([]string{
			fmt.Sprintf("%d", i+1),
			r.Runner,
			string(r.Status),
			orDash(result),
			r.TimeEnded.Sub(r.TimeBegun).Round(time.Second).String(),
			humanize.Time(r.TimeEnded),
		})
	}
	return history.Render()
}

func runJobsLogs(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	id := args[0]
	out := cmd.OutOrStdout()

	printed := 0
	for {
		text, err := client.ReadLog(ctx, id)
		if err != nil {
			return err
		}
		if len(text) > printed {
			fmt.Fprint(out, text[printed:])
			printed = len(text)
		}
		if !followLogs {
			return nil
		}

		job, _, err := client.GetJob(ctx, id)
		if err != nil {
			return err
		}
		if job.Last != nil && job.Current == nil {
			// one last read picks up output appended before the report
			if text, err := client.ReadLog(ctx, id); err == nil && len(text) > printed {
				fmt.Fprint(out, text[printed:])
			}
			fmt.Fprintf(os.Stderr, "\njob finished: %s (%s)\n", job.Last.Status, humanize.Bytes(uint64(len(text))))
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

func runJobsPatch(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}

	var r io.Reader
	if patchFile == "-" {
		r = cmd.InOrStdin()
	} else {
		f, err := os.Open(patchFile)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}
	var ops []models.PatchOp
	if err := json.NewDecoder(r).Decode(&ops); err != nil {
		return fmt.Errorf("failed to parse patch document: %w", err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	job, etag, err := client.PatchJob(ctx, args[0], ifMatch, ops)
	if err != nil {
		return err
	}
	if ok, err := structuredOutput(cmd.OutOrStdout(), job); ok {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Job %s patched (%d ops), new ETag %s\n", job.ID, len(ops), etag)
	return nil
}

func formatRange(r models.BisectRange) string {
	return r.Good() + ".." + r.Bad()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
