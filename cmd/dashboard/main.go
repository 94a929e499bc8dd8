package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/kass/sitescout/pkg/config"
	"github.com/kass/sitescout/pkg/fetch"
	"github.com/kass/sitescout/pkg/models"
	"github.com/kass/sitescout/pkg/pipeline"
)

var (
	// Styles
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FF79C6")).
			Background(lipgloss.Color("#282A36")).
			Padding(0, 1).
			MarginTop(1).
			MarginBottom(1)

	subtitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#8BE9FD"))

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#50FA7B"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF5555"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6272A4"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#BD93F9")).
			Padding(1, 2).
			MarginTop(1).
			MarginBottom(1)

	statStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFB86C"))
)

var (
	cityFlag  = flag.String("city", "austin", "City ID to analyze (see 'sitescout cities')")
	forceFlag = flag.Bool("force", false, "Re-run the pipeline even when a cached result exists")
)

type model struct {
	city   *config.CityConfig
	loader *pipeline.Loader
	force  bool

	spinner         spinner.Model
	progress        progress.Model
	progressPercent float64

	stage  string
	step   string
	eta    time.Duration
	scored int
	total  int

	messages []string
	result   *pipeline.CityResultSet
	runErr   error
	width    int
	height   int
}

type progressEventMsg models.ProgressEvent

type runDoneMsg struct {
	result *pipeline.CityResultSet
	err    error
}

func initialModel(city *config.CityConfig, loader *pipeline.Loader, force bool) model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF79C6"))

	p := progress.New(progress.WithDefaultGradient())

	return model{
		city:     city,
		loader:   loader,
		force:    force,
		spinner:  s,
		progress: p,
		stage:    "idle",
		step:     "starting analysis...",
		messages: []string{},
		width:    80,
		height:   24,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		startAnalysis(m.loader, m.city.ID, m.force),
	)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.progress.Width = msg.Width - 10
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case progress.FrameMsg:
		progressModel, cmd := m.progress.Update(msg)
		m.progress = progressModel.(progress.Model)
		return m, cmd

	case progressEventMsg:
		ev := models.ProgressEvent(msg)
		m.stage = ev.Stage
		m.step = ev.StepName
		m.eta = ev.ETA
		m.scored = ev.LocationsProcessed
		m.total = ev.TotalLocations
		m.progressPercent = ev.Percent / 100

		// Scoring emits many events with the same step name.
		line := fmt.Sprintf("%s: %s", ev.Stage, ev.StepName)
		if len(m.messages) == 0 || m.messages[len(m.messages)-1] != line {
			m.messages = append(m.messages, line)
			if len(m.messages) > 5 {
				m.messages = m.messages[1:]
			}
		}
		return m, m.progress.SetPercent(m.progressPercent)

	case runDoneMsg:
		m.result = msg.result
		m.runErr = msg.err
		return m, nil
	}

	return m, nil
}

func (m model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("📍 SiteScout " + m.city.Name + ", " + m.city.State))
	b.WriteString("\n\n")

	switch {
	case m.runErr != nil:
		b.WriteString(boxStyle.Render(errorStyle.Render("Analysis Failed\n\n") + m.runErr.Error()))

	case m.result != nil:
		b.WriteString(renderResult(m.result))

	default:
		b.WriteString(subtitleStyle.Render(stageTitle(m.stage)))
		b.WriteString("\n\n")
		b.WriteString(m.spinner.View() + " " + m.step)
		if m.total > 0 && m.stage == "scoring" {
			b.WriteString(fmt.Sprintf(" (%d/%d locations)", m.scored, m.total))
		}
		b.WriteString("\n\n")
		b.WriteString(m.progress.ViewAs(m.progressPercent))
		if m.eta > 0 {
			b.WriteString("\n\n")
			b.WriteString(dimStyle.Render("eta " + m.eta.Round(time.Second).String()))
		}

		if len(m.messages) > 0 {
			b.WriteString("\n\n")
			b.WriteString(dimStyle.Render("Recent activity:"))
			b.WriteString("\n")
			for _, msg := range m.messages {
				b.WriteString(dimStyle.Render("• " + msg))
				b.WriteString("\n")
			}
		}
	}

	b.WriteString("\n\n")
	b.WriteString(dimStyle.Render("Press 'q' to quit"))

	return b.String()
}

func stageTitle(stage string) string {
	switch stage {
	case "fetching":
		return "Fetching Source Data"
	case "merging":
		return "Engineering Features"
	case "training":
		return "Training Revenue Model"
	case "scoring":
		return "Scoring Locations"
	case "cached":
		return "Finalizing"
	default:
		return "Preparing Run"
	}
}

func renderResult(rs *pipeline.CityResultSet) string {
	content := fmt.Sprintf(
		"✓ Locations scored: %s\n"+
			"✓ Generation time: %s\n"+
			"✓ Model R²: %s\n"+
			"✓ CV MAE: %s\n"+
			"✓ Training rows: %s",
		statStyle.Render(fmt.Sprintf("%d", len(rs.Rows))),
		statStyle.Render(rs.GenerationTime.Round(time.Millisecond).String()),
		statStyle.Render(fmt.Sprintf("%.3f", rs.Metrics.R2)),
		statStyle.Render(fmt.Sprintf("$%.0f", rs.Metrics.CVMAE)),
		statStyle.Render(fmt.Sprintf("%d", rs.Metrics.Rows)),
	)

	summary := boxStyle.Render(successStyle.Render("Analysis Complete!\n\n") + content)
	summary += "\n"
	summary += subtitleStyle.Render("Top Locations")
	summary += "\n\n"

	for i, row := range rs.TopLocations(5) {
		summary += fmt.Sprintf("%d. (%.4f, %.4f)  %s\n",
			i+1, row.Latitude, row.Longitude,
			statStyle.Render(fmt.Sprintf("$%.2fM/yr", row.PredictedRevenue/1e6)))
	}

	if len(rs.Degradations) > 0 {
		summary += "\n"
		for _, d := range rs.Degradations {
			summary += errorStyle.Render(fmt.Sprintf("⚠ %s: %s", d.Source, d.Reason)) + "\n"
		}
	}

	return summary
}

func startAnalysis(loader *pipeline.Loader, cityID string, force bool) tea.Cmd {
	return func() tea.Msg {
		go executeAnalysis(loader, cityID, force)
		return nil
	}
}

var program *tea.Program

func executeAnalysis(loader *pipeline.Loader, cityID string, force bool) {
	rs, err := loader.LoadCityData(context.Background(), cityID, pipeline.LoadOptions{
		ForceRefresh: force,
		OnProgress: func(ev models.ProgressEvent) {
			program.Send(progressEventMsg(ev))
		},
	})
	program.Send(runDoneMsg{result: rs, err: err})
}

// runPlain is used when stdout is not a terminal, so the dashboard can run
// in scripts and CI logs.
func runPlain(loader *pipeline.Loader, city *config.CityConfig, force bool) {
	fmt.Printf("Analyzing %s, %s\n", city.Name, city.State)

	rs, err := loader.LoadCityData(context.Background(), city.ID, pipeline.LoadOptions{
		ForceRefresh: force,
		OnProgress: func(ev models.ProgressEvent) {
			fmt.Printf("%5.1f%%  %s\n", ev.Percent, ev.StepName)
		},
	})
	if err != nil {
		log.Fatalf("Analysis failed: %v", err)
	}

	fmt.Printf("\nScored %d locations in %s (R²=%.3f)\n",
		len(rs.Rows), rs.GenerationTime.Round(time.Millisecond), rs.Metrics.R2)
	for i, row := range rs.TopLocations(5) {
		fmt.Printf("%d. (%.4f, %.4f)  $%.2fM/yr\n",
			i+1, row.Latitude, row.Longitude, row.PredictedRevenue/1e6)
	}
	for _, d := range rs.Degradations {
		fmt.Printf("degraded %s: %s\n", d.Source, d.Reason)
	}
}

func main() {
	flag.Parse()

	cfg := config.Load()
	registry := config.NewRegistry()
	if cfg.CitiesDir != "" {
		if err := registry.LoadDir(cfg.CitiesDir); err != nil {
			log.Fatalf("Failed to load city configs: %v", err)
		}
	}

	city, err := registry.Get(*cityFlag)
	if err != nil {
		log.Fatalf("Unknown city: %v", err)
	}

	cache := pipeline.NewCache(cfg.CacheTTL)
	if cfg.SnapshotPath != "" {
		_ = cache.LoadFromFile(cfg.SnapshotPath)
	}

	// Loader logs would tear the rendered screen apart.
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	loader := pipeline.NewLoader(cfg, registry, cache, fetch.NewFromConfig(cfg),
		pipeline.WithLoaderLogger(quiet))

	if !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		runPlain(loader, city, *forceFlag)
		return
	}

	program = tea.NewProgram(initialModel(city, loader, *forceFlag))
	if _, err := program.Run(); err != nil {
		log.Fatal(err)
	}
}
