package observability

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"time"

	"golang.org/x/term"
)

var startTime = time.Now()

const (
	colorReset    = "\033[0m"
	colorNeonCyan = "\033[96m"
)

const banner = `
  __  __       _   ____
 |  \/  | __ _| |_/ ___|  ___  __ _
 | |\/| |/ _' | __\___ \ / _ \/ _' |
 | |  | | (_| | |_ ___) |  __/ (_| |
 |_|  |_|\__,_|\__|____/ \___|\__, |
                              |___/
      >> SEGMENTATION AGENT BACKEND <<
`

func termWidth() int {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return 80
	}
	return w
}

// PrintBanner writes the startup banner centred on the terminal. Colours
// are only used when stdout is a terminal.
func PrintBanner(w io.Writer) {
	color := term.IsTerminal(int(os.Stdout.Fd()))
	width := termWidth()
	for _, l := range strings.Split(banner, "\n") {
		padding := (width - len(l)) / 2
		if padding < 0 {
			padding = 0
		}
		if color {
			fmt.Fprintf(w, "%s%s%s%s\n", strings.Repeat(" ", padding), colorNeonCyan, l, colorReset)
		} else {
			fmt.Fprintf(w, "%s%s\n", strings.Repeat(" ", padding), l)
		}
	}
}

// StatusLine renders a one-line summary of the process state.
func StatusLine() string {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	role, task, runs, lastHB := GetStatus()
	if task == "" {
		task = "waiting"
	}
	if len(task) > 40 {
		task = task[:37] + "..."
	}
	return fmt.Sprintf("[%s] %s runs=%d task=%q uptime=%v mem=%.1fMB",
		lastHB.Format("15:04:05"),
		role,
		runs,
		task,
		time.Since(startTime).Round(time.Second),
		float64(m.Alloc)/1024/1024,
	)
}
