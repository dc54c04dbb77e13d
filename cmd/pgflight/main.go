package main

import (
	"context"
	_ "embed"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/lucasb-eyer/go-colorful"
	"golang.org/x/term"

	"github.com/pgflight/pgflight/pkg/catalog"
	"github.com/pgflight/pgflight/pkg/codec"
	"github.com/pgflight/pgflight/pkg/driver"
	"github.com/pgflight/pgflight/pkg/engine"
	"github.com/pgflight/pgflight/pkg/secrets"
)

//go:embed README.md
var readmeMarkdown string

func printFullDocs() {
	width := 80
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		width = w
	}

	renderer, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(width))
	if err != nil {
		fmt.Println(readmeMarkdown)
		return
	}

	out, err := renderer.Render(readmeMarkdown)
	if err != nil {
		fmt.Println(readmeMarkdown)
		return
	}
	fmt.Print(out)
}

var bannerLines = []string{
	`        ___      ___ _ _       _     _  `,
	`       / _ \ __ _/ _| (_) __ _| |__ | |_`,
	`      / /_)/ _' | |_| | |/ _' | '_ \| __|`,
	`     / ___/ (_| |  _| | | (_| | | | | |_`,
	`     \/    \__, |_| |_|_|\__, |_| |_|\__|`,
	`           |___/         |___/           `,
}

func printBanner() {
	teal, _ := colorful.Hex("#00CED1")
	purple, _ := colorful.Hex("#9B30FF")
	bgColor := lipgloss.Color("#1a1a2e")
	maxWidth := len(bannerLines[0])

	var lines []string
	for _, line := range bannerLines {
		var result strings.Builder
		for i, r := range line {
			t := float64(i) / float64(maxWidth-1)
			c := teal.BlendLuv(purple, t)
			style := lipgloss.NewStyle().Foreground(lipgloss.Color(c.Hex())).Background(bgColor).Bold(true)
			result.WriteString(style.Render(string(r)))
		}
		lines = append(lines, result.String())
	}

	box := lipgloss.NewStyle().Background(bgColor).Padding(0, 2).Render(strings.Join(lines, "\n"))
	fmt.Println(box)
	fmt.Println()
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#00CED1"))
	descStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#9B30FF"))
	errorStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF5F5F"))
)

func printUsage() {
	fmt.Println(titleStyle.Render("Usage:"))
	fmt.Println("  pgflight -host <host> -user <user> -database <db> [options] <query>")
	fmt.Println()
	fmt.Println(titleStyle.Render("Options:"))
	flag.VisitAll(func(f *flag.Flag) {
		fmt.Printf("  -%-18s %s\n", f.Name, descStyle.Render(f.Usage))
	})
	fmt.Println()
}

func renderTable(columns []string, rows [][]any) string {
	if len(columns) == 0 {
		return descStyle.Render("(no columns)")
	}

	widths := make([]int, len(columns))
	for i, c := range columns {
		widths[i] = len(c)
	}
	cellStrings := make([][]string, len(rows))
	for r, row := range rows {
		cellStrings[r] = make([]string, len(columns))
		for i := range columns {
			var cell string
			if i < len(row) {
				cell = fmt.Sprintf("%v", row[i])
			}
			cellStrings[r][i] = cell
			if len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	var b strings.Builder
	for i, c := range columns {
		b.WriteString(headerStyle.Render(fmt.Sprintf("%-*s", widths[i], c)))
		b.WriteString("  ")
	}
	b.WriteString("\n")
	for i := range columns {
		b.WriteString(strings.Repeat("-", widths[i]))
		b.WriteString("  ")
	}
	b.WriteString("\n")
	for _, row := range cellStrings {
		for i, cell := range row {
			b.WriteString(fmt.Sprintf("%-*s", widths[i], cell))
			b.WriteString("  ")
		}
		b.WriteString("\n")
	}
	return b.String()
}

// resolvePassword resolves the connection password from whichever of
// -password, -password-env, or -pgpass-file the caller actually passed on
// the command line. explicit holds only the flags flag.Visit reported as
// set: -password-env's non-empty default must not make password resolution
// active on its own, or a trust-auth server with no flags at all would fail
// to connect looking for an environment variable nobody asked it to read.
func resolvePassword(ctx context.Context, insecurePassword, envVar, pgpassFile string, explicit map[string]bool, target secrets.ConnTarget) (string, error) {
	if !explicit["password"] {
		insecurePassword = ""
	}
	if !explicit["password-env"] {
		envVar = ""
	}
	if !explicit["pgpass-file"] {
		pgpassFile = ""
	}
	if insecurePassword == "" && envVar == "" && pgpassFile == "" {
		return "", nil
	}
	ref := secrets.Ref{InsecureValue: insecurePassword, EnvVar: envVar, PgpassFile: pgpassFile}
	cache := secrets.NewCache(nil)
	return cache.Resolve(ctx, ref, target)
}

func main() {
	os.Exit(run())
}

// run contains the whole program body so that every deferred cleanup
// (notably conn.Stop(), which sends the wire-level Terminate) runs before
// the process exits; os.Exit itself never runs a deferred function, so it
// belongs only in main, after run has already returned.
func run() int {
	host := flag.String("host", "localhost", "server hostname")
	port := flag.Int("port", 5432, "server port")
	user := flag.String("user", "", "username")
	database := flag.String("database", "", "database name")
	password := flag.String("password", "", "plaintext password (development only)")
	passwordEnv := flag.String("password-env", "PGPASSWORD", "environment variable holding the password")
	pgpassFile := flag.String("pgpass-file", "", "path to a pgpass-formatted file to search for the password")
	jsonLogs := flag.Bool("json", false, "output logs in JSON format")
	timeout := flag.Duration("timeout", 5*time.Second, "connect timeout")
	showHelp := flag.Bool("help", false, "show full documentation")
	flag.Usage = printUsage
	flag.Parse()

	if *showHelp {
		printFullDocs()
		return 0
	}

	query := strings.Join(flag.Args(), " ")

	if *user == "" || query == "" {
		printBanner()
		printUsage()
		return 1
	}

	var handler slog.Handler
	if *jsonLogs {
		handler = slog.NewJSONHandler(os.Stderr, nil)
	} else {
		handler = slog.NewTextHandler(os.Stderr, nil)
	}
	logger := slog.New(handler)

	explicitFlags := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { explicitFlags[f.Name] = true })

	ctx := context.Background()
	pw, err := resolvePassword(ctx, *password, *passwordEnv, *pgpassFile, explicitFlags, secrets.ConnTarget{
		Hostname: *host,
		Port:     fmt.Sprintf("%d", *port),
		Database: *database,
		Username: *user,
	})
	if err != nil {
		fmt.Println(errorStyle.Render("error: " + err.Error()))
		return 1
	}

	registry := catalog.NewRegistry()
	coder := codec.NewCoder(registry, codec.Hooks{})
	opts := engine.Options{
		Hostname:    *host,
		Port:        uint16(*port),
		Username:    *user,
		Database:    *database,
		Password:    pw,
		DialTimeout: *timeout,
	}

	conn, err := driver.Connect(opts, registry, coder, logger)
	if err != nil {
		fmt.Println(errorStyle.Render("error: " + err.Error()))
		return 1
	}
	defer conn.Stop()

	result, err := conn.Query(query, nil)
	if err != nil {
		fmt.Println(errorStyle.Render("error: " + err.Error()))
		return 1
	}

	if len(result.Columns) > 0 {
		fmt.Println(renderTable(result.Columns, result.Rows))
	}
	fmt.Println(descStyle.Render(fmt.Sprintf("%s (%d rows)", result.Command, result.NumRows)))
	return 0
}
