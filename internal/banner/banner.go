package banner

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Logo is the ASCII art logo for semabot
const Logo = `
   ███████╗███████╗███╗   ███╗ █████╗ ██████╗  ██████╗ ████████╗
   ██╔════╝██╔════╝████╗ ████║██╔══██╗██╔══██╗██╔═══██╗╚══██╔══╝
   ███████╗█████╗  ██╔████╔██║███████║██████╔╝██║   ██║   ██║
   ╚════██║██╔══╝  ██║╚██╔╝██║██╔══██║██╔══██╗██║   ██║   ██║
   ███████║███████╗██║ ╚═╝ ██║██║  ██║██████╔╝╚██████╔╝   ██║
   ╚══════╝╚══════╝╚═╝     ╚═╝╚═╝  ╚═╝╚═════╝  ╚═════╝    ╚═╝
`

// Tagline is the project tagline
const Tagline = "Semaphore tasks from your Matrix rooms"

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7eb8da")) // steel blue

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#c9d1d9")) // light gray

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#7eb8da")) // steel blue

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#d4a054")) // amber

	dividerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#3d4450")) // slate
)

// Info is what the startup banner reports.
type Info struct {
	Version   string
	UserID    string
	Semaphore string
	Prefix    string
	Rooms     []string
	Monitor   string
	Skipped   []string // "name: reason"
}

// PrintWithVersion prints the logo with version info
func PrintWithVersion(w io.Writer, version string) {
	fmt.Fprint(w, Logo)
	fmt.Fprintf(w, "   %s\n", Tagline)
	fmt.Fprintf(w, "   v%s\n\n", version)
}

// Startup prints the startup summary.
func Startup(w io.Writer, info Info) {
	fmt.Fprint(w, Render(info))
}

// Render returns the startup summary.
func Render(info Info) string {
	var sb strings.Builder
	divider := dividerStyle.Render(strings.Repeat("━", 48))

	sb.WriteString("\n")
	sb.WriteString(titleStyle.Render(fmt.Sprintf("SEMABOT v%s", info.Version)))
	sb.WriteString("\n")
	sb.WriteString(divider)
	sb.WriteString("\n")

	rooms := "any joined room"
	if len(info.Rooms) > 0 {
		rooms = strings.Join(info.Rooms, ", ")
	}
	monitor := info.Monitor
	if monitor == "" {
		monitor = warnStyle.Render("none (tasks are not watched)")
	}

	rows := [][2]string{
		{"Matrix", info.UserID},
		{"Semaphore", info.Semaphore},
		{"Prefix", info.Prefix},
		{"Rooms", rooms},
		{"Monitor", monitor},
	}
	for _, row := range rows {
		fmt.Fprintf(&sb, "%s %s\n", labelStyle.Render(fmt.Sprintf("%-10s", row[0]+":")), valueStyle.Render(row[1]))
	}
	for _, s := range info.Skipped {
		fmt.Fprintf(&sb, "%s\n", warnStyle.Render("  ○ skipped "+s))
	}

	sb.WriteString(divider)
	sb.WriteString("\n")
	sb.WriteString("Listening... (Ctrl+C to stop)\n\n")
	return sb.String()
}
