package models

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// NewCommand creates a Cobra command tree for model management.
// The returned command should be added to a parent CLI's root command.
//
// Commands provided:
//   - models catalog [--search q] [--category c] [--language l] [--min-rating r]
//     [--min-size g] [--max-size g] [--no-cache] [--url u]
//   - models pull <id>... [--parallel n] [--force]
//   - models list
//   - models info <id>
//   - models remove <id> [--delete-file] [--yes]
//   - models activate <id>
//
// Global flags: --json, --quiet, --verbose, --config
func NewCommand(cfg Config, opts ...ManagerOption) *cobra.Command {
	var (
		jsonOutput bool
		quiet      bool
		verbose    bool
		configPath string
	)

	// Manager will be created in PersistentPreRunE
	var mgr Manager

	cmd := &cobra.Command{
		Use:   "models",
		Short: "Manage local model artifacts",
		Long:  "Browse the model catalog, download verified artifacts and manage the local registry.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Skip manager creation for help commands
			if cmd.Name() == "help" || cmd.Name() == "completion" {
				return nil
			}

			runCfg := cfg
			if configPath != "" {
				loaded, err := LoadConfig(configPath)
				if err != nil {
					return err
				}
				runCfg = loaded
			}

			mopts := append([]ManagerOption(nil), opts...)
			if verbose {
				mopts = append(mopts, WithLogger(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
					Level: slog.LevelDebug,
				}))))
			}

			var err error
			mgr, err = NewManager(runCfg, mopts...)
			if err != nil {
				return fmt.Errorf("failed to initialize manager: %w", err)
			}
			return nil
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	cmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Suppress non-essential output")
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file")

	cmd.AddCommand(catalogCmd(&mgr, &jsonOutput))
	cmd.AddCommand(pullCmd(&mgr, &jsonOutput, &quiet))
	cmd.AddCommand(listCmd(&mgr, &jsonOutput))
	cmd.AddCommand(infoCmd(&mgr, &jsonOutput))
	cmd.AddCommand(removeCmd(&mgr, &quiet))
	cmd.AddCommand(activateCmd(&mgr, &jsonOutput, &quiet))

	return cmd
}

func catalogCmd(mgr *Manager, jsonOutput *bool) *cobra.Command {
	var (
		filter    Filter
		minRating float64
		minSize   float64
		maxSize   float64
		noCache   bool
		remoteURL string
	)

	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Browse the model catalog",
		Long:  "Load the catalog from cache, the remote catalog or the local catalog file, and list matching models.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			var loadOpts []LoadOption
			if noCache {
				loadOpts = append(loadOpts, WithCache(false))
			}
			if remoteURL != "" {
				loadOpts = append(loadOpts, WithRemoteURL(remoteURL))
			}

			doc, err := (*mgr).FetchCatalog(ctx, loadOpts...)
			if err != nil {
				return err
			}

			f := filter
			if cmd.Flags().Changed("min-rating") {
				f.MinRating = &minRating
			}
			if cmd.Flags().Changed("min-size") {
				f.MinSizeGB = &minSize
			}
			if cmd.Flags().Changed("max-size") {
				f.MaxSizeGB = &maxSize
			}
			return outputCatalog(cmd.OutOrStdout(), Query(doc, f), *jsonOutput)
		},
	}

	cmd.Flags().StringVar(&filter.Text, "search", "", "Match id, name, description or tags")
	cmd.Flags().StringVar(&filter.Category, "category", "", "Only models in this category")
	cmd.Flags().StringVar(&filter.Language, "language", "", "Only models supporting this language")
	cmd.Flags().Float64Var(&minRating, "min-rating", 0, "Minimum rating (0-5)")
	cmd.Flags().Float64Var(&minSize, "min-size", 0, "Minimum size in GB")
	cmd.Flags().Float64Var(&maxSize, "max-size", 0, "Maximum size in GB")
	cmd.Flags().BoolVar(&noCache, "no-cache", false, "Ignore the cached catalog")
	cmd.Flags().StringVar(&remoteURL, "url", "", "Remote catalog URL for this run")
	return cmd
}

func pullCmd(mgr *Manager, jsonOutput, quiet *bool) *cobra.Command {
	var (
		force    bool
		parallel int
	)

	cmd := &cobra.Command{
		Use:   "pull <id>...",
		Short: "Download and install models",
		Long:  "Download catalog models, verify their checksums and record them in the local registry.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			if parallel < 1 {
				return fmt.Errorf("--parallel must be at least 1")
			}

			if _, err := (*mgr).FetchCatalog(ctx); err != nil {
				return err
			}

			results := make([]DownloadResult, len(args))
			showProgress := !*quiet && !*jsonOutput

			var g errgroup.Group
			g.SetLimit(parallel)
			for i, id := range args {
				i, id := i, id
				g.Go(func() error {
					var opts []DownloadOption
					if force {
						opts = append(opts, WithForce())
					}
					if showProgress {
						if len(args) == 1 {
							opts = append(opts, WithProgress(newProgressBar(out).update))
						} else {
							opts = append(opts,
								WithProgress(newProgressLine(out).update),
								WithProgressInterval(time.Second))
						}
					}

					res, err := (*mgr).Download(ctx, id, opts...)
					if err != nil {
						return err
					}
					results[i] = res
					if !*quiet && !*jsonOutput {
						if res.AlreadyInstalled {
							fmt.Fprintf(out, "%s is already installed (use --force to re-download)\n", id)
						} else {
							fmt.Fprintf(out, "Successfully installed %s\n", id)
						}
					}
					return nil
				})
			}
			err := g.Wait()

			if *jsonOutput {
				done := results[:0:0]
				for _, r := range results {
					if r.ModelID != "" {
						done = append(done, r)
					}
				}
				if encErr := writeJSON(out, done); encErr != nil {
					return encErr
				}
			}
			return err
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Force re-download even if already installed")
	cmd.Flags().IntVarP(&parallel, "parallel", "p", 2, "Maximum concurrent downloads")
	return cmd
}

func listCmd(mgr *Manager, jsonOutput *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List installed models",
		Long:  "List registered artifacts and files found in the models directory, with their live status.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			artifacts, err := (*mgr).ListInstalled(cmd.Context())
			if err != nil {
				return err
			}
			return outputInstalled(cmd.OutOrStdout(), artifacts, *jsonOutput)
		},
	}
}

func infoCmd(mgr *Manager, jsonOutput *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "info <id>",
		Short: "Show model information",
		Long:  "Show the catalog metadata and the registry entry of a model.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id := args[0]

			var detail modelDetail
			meta, catErr := (*mgr).CatalogModel(ctx, id)
			if catErr == nil {
				detail.Catalog = &meta
			}
			entry, regErr := (*mgr).GetInstalled(ctx, id)
			if regErr == nil {
				detail.Installed = &entry
			} else if !errors.Is(regErr, ErrNotInstalled) {
				return regErr
			}

			if detail.Catalog == nil && detail.Installed == nil {
				return catErr
			}
			return outputDetail(cmd.OutOrStdout(), detail, *jsonOutput)
		},
	}
}

func removeCmd(mgr *Manager, quiet *bool) *cobra.Command {
	var (
		deleteFile bool
		yes        bool
	)

	cmd := &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove an installed model",
		Long:  "Remove a model from the registry. Use --delete-file to also delete the artifact file.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id := args[0]

			// Confirmation prompt
			if !yes {
				prompt := "Remove %s from the registry? [y/N]: "
				if deleteFile {
					prompt = "Remove %s and delete its file? [y/N]: "
				}
				fmt.Fprintf(cmd.OutOrStdout(), prompt, id)
				if !confirmPrompt(cmd.InOrStdin()) {
					fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
					return nil
				}
			}

			// The file goes first; its path comes from the entry.
			var fileDeleted bool
			if deleteFile {
				var err error
				fileDeleted, err = (*mgr).DeleteArtifact(ctx, id)
				if err != nil {
					return err
				}
			}

			removed, err := (*mgr).RemoveEntry(ctx, id)
			if err != nil {
				return err
			}
			if !removed && !fileDeleted {
				return fmt.Errorf("%s: %w", id, ErrNotInstalled)
			}

			if !*quiet {
				if fileDeleted {
					fmt.Fprintf(cmd.OutOrStdout(), "Removed %s and deleted its file\n", id)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", id)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&deleteFile, "delete-file", false, "Also delete the artifact file")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip confirmation prompt")
	return cmd
}

func activateCmd(mgr *Manager, jsonOutput, quiet *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "activate <id>",
		Short: "Mark an installed model as active",
		Long:  "Mark an installed model as the one the inference backend should load.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entry, err := (*mgr).SetActive(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if *jsonOutput {
				return writeJSON(cmd.OutOrStdout(), entry)
			}
			if !*quiet {
				fmt.Fprintf(cmd.OutOrStdout(), "%s is now active\n", entry.ID)
			}
			return nil
		},
	}
}

// confirmPrompt reads from stdin and returns true only if the user types 'y' or 'Y'.
// Returns false for empty input or any other response (default is no).
func confirmPrompt(r io.Reader) bool {
	scanner := bufio.NewScanner(r)
	if scanner.Scan() {
		response := strings.TrimSpace(strings.ToLower(scanner.Text()))
		return response == "y" || response == "yes"
	}
	return false
}

// Output helpers

type modelDetail struct {
	Catalog   *ModelMetadata `json:"catalog,omitempty"`
	Installed *RegistryEntry `json:"installed,omitempty"`
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoFormatHeaders(false)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	return table
}

func outputCatalog(w io.Writer, models []ModelMetadata, asJSON bool) error {
	if asJSON {
		return writeJSON(w, models)
	}

	if len(models) == 0 {
		fmt.Fprintln(w, "No matching models in catalog")
		return nil
	}

	table := newTable(w, []string{"ID", "NAME", "SIZE", "RATING", "CATEGORIES", "LANGUAGES"})
	for _, m := range models {
		table.Append([]string{
			m.ID,
			m.Name,
			fmt.Sprintf("%.1f GB", m.SizeGB),
			fmt.Sprintf("%.1f", m.Rating),
			strings.Join(m.Categories, ","),
			strings.Join(m.Languages, ","),
		})
	}
	table.Render()
	return nil
}

func outputInstalled(w io.Writer, artifacts []InstalledArtifact, asJSON bool) error {
	if asJSON {
		return writeJSON(w, artifacts)
	}

	if len(artifacts) == 0 {
		fmt.Fprintln(w, "No models installed")
		return nil
	}

	table := newTable(w, []string{"ID", "SIZE", "STATUS", "INSTALLED", "ACTIVE"})
	for _, a := range artifacts {
		active := ""
		if a.Active {
			active = "*"
		}
		table.Append([]string{
			a.ID,
			formatSize(a.SizeBytes),
			string(a.Status),
			a.InstalledAt.Local().Format("2006-01-02 15:04"),
			active,
		})
	}
	table.Render()
	return nil
}

func outputDetail(w io.Writer, d modelDetail, asJSON bool) error {
	if asJSON {
		return writeJSON(w, d)
	}

	if m := d.Catalog; m != nil {
		fmt.Fprintf(w, "Model:        %s\n", m.ID)
		fmt.Fprintf(w, "Name:         %s\n", m.Name)
		if m.Description != "" {
			fmt.Fprintf(w, "Description:  %s\n", m.Description)
		}
		fmt.Fprintf(w, "Size:         %.2f GB\n", m.SizeGB)
		fmt.Fprintf(w, "Rating:       %.1f\n", m.Rating)
		fmt.Fprintf(w, "Context:      %d tokens\n", m.ContextLength)
		fmt.Fprintf(w, "Categories:   %s\n", strings.Join(m.Categories, ", "))
		fmt.Fprintf(w, "Languages:    %s\n", strings.Join(m.Languages, ", "))
		if m.License != "" {
			fmt.Fprintf(w, "License:      %s\n", m.License)
		}
		if m.Quantization != "" {
			fmt.Fprintf(w, "Quantization: %s\n", m.Quantization)
		}
		fmt.Fprintf(w, "URL:          %s\n", m.DownloadURL)
	}

	if e := d.Installed; e != nil {
		if d.Catalog == nil {
			fmt.Fprintf(w, "Model:        %s\n", e.ID)
		}
		fmt.Fprintf(w, "Installed:    %s\n", e.InstalledAt.Local().Format("2006-01-02 15:04:05"))
		fmt.Fprintf(w, "Path:         %s\n", e.Path)
		fmt.Fprintf(w, "File size:    %s\n", formatSize(e.SizeBytes))
		fmt.Fprintf(w, "Backend:      %s\n", e.Backend)
		fmt.Fprintf(w, "Active:       %t\n", e.Active)
	} else {
		fmt.Fprintln(w, "Installed:    no")
	}
	return nil
}

func formatSize(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

// progressBar renders the events of a single download as an in-place bar.
type progressBar struct {
	w     io.Writer
	mu    sync.Mutex
	start time.Time
}

func newProgressBar(w io.Writer) *progressBar {
	return &progressBar{w: w, start: time.Now()}
}

func (b *progressBar) update(ev ProgressEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ev.Final {
		if ev.Failed() {
			fmt.Fprint(b.w, "\r\x1b[K")
			return nil
		}
		renderProgress(b.w, ev, b.start)
		fmt.Fprintln(b.w)
		return nil
	}
	renderProgress(b.w, ev, b.start)
	return nil
}

// progressLine prints one line per update, for concurrent downloads.
type progressLine struct {
	w io.Writer
}

func newProgressLine(w io.Writer) *progressLine {
	return &progressLine{w: w}
}

func (l *progressLine) update(ev ProgressEvent) error {
	switch {
	case ev.Final && ev.Failed():
		_, err := fmt.Fprintf(l.w, "%s: %s: %s\n", ev.ModelID, ev.Status, ev.ErrorMessage)
		return err
	case ev.Progress != nil:
		_, err := fmt.Fprintf(l.w, "%s: %.0f%% (%s)\n", ev.ModelID, *ev.Progress, formatSize(ev.DownloadedBytes))
		return err
	default:
		_, err := fmt.Fprintf(l.w, "%s: %s\n", ev.ModelID, formatSize(ev.DownloadedBytes))
		return err
	}
}

// renderProgress renders the progress bar to the writer.
// Format: Downloading [============>                 ] 45% (5.2 MB/s, elapsed: 30s, remaining: 2m 15s)
// Without a known total only the byte count and speed are shown.
func renderProgress(w io.Writer, ev ProgressEvent, startTime time.Time) {
	elapsed := time.Since(startTime)

	var speed float64
	if elapsed.Seconds() > 0 && ev.DownloadedBytes > 0 {
		speed = float64(ev.DownloadedBytes) / elapsed.Seconds()
	}

	if ev.Progress == nil || ev.TotalBytes == nil {
		fmt.Fprintf(w, "\r\x1b[KDownloading %s (%s, elapsed: %s)",
			formatSize(ev.DownloadedBytes), formatSpeed(speed), formatDuration(elapsed))
		return
	}
	pct := *ev.Progress
	total := *ev.TotalBytes

	// Calculate remaining time based on current speed
	var remaining time.Duration
	if speed > 0 && ev.DownloadedBytes < total {
		remaining = time.Duration(float64(total-ev.DownloadedBytes)/speed) * time.Second
	}

	// Build progress bar
	const barWidth = 30
	filled := int(pct / 100 * float64(barWidth))
	if filled > barWidth {
		filled = barWidth
	}

	var bar string
	if filled >= barWidth {
		bar = strings.Repeat("=", barWidth)
	} else if filled > 0 {
		bar = strings.Repeat("=", filled) + ">" + strings.Repeat(" ", barWidth-filled-1)
	} else {
		bar = ">" + strings.Repeat(" ", barWidth-1)
	}

	// Format and print (using \r to overwrite, \x1b[K to clear to end of line)
	fmt.Fprintf(w, "\r\x1b[KDownloading [%s] %.0f%% (%s, elapsed: %s, remaining: %s)",
		bar, pct, formatSpeed(speed), formatDuration(elapsed), formatDuration(remaining))
}

// formatSpeed formats bytes per second as KB/s or MB/s.
func formatSpeed(bytesPerSec float64) string {
	const (
		KB = 1024
		MB = KB * 1024
	)

	if bytesPerSec >= MB {
		return fmt.Sprintf("%.1f MB/s", bytesPerSec/MB)
	}
	if bytesPerSec >= KB {
		return fmt.Sprintf("%.1f KB/s", bytesPerSec/KB)
	}
	return fmt.Sprintf("%.0f B/s", bytesPerSec)
}

// formatDuration formats a duration as human-readable text (e.g., "5s", "2m 30s", "1h 5m").
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return "0s"
	}
	d = d.Round(time.Second)

	hours := int(d.Hours())
	mins := int(d.Minutes()) % 60
	secs := int(d.Seconds()) % 60

	if hours > 0 {
		if mins > 0 {
			return fmt.Sprintf("%dh %dm", hours, mins)
		}
		return fmt.Sprintf("%dh", hours)
	}
	if mins > 0 {
		if secs > 0 {
			return fmt.Sprintf("%dm %ds", mins, secs)
		}
		return fmt.Sprintf("%dm", mins)
	}
	return fmt.Sprintf("%ds", secs)
}
