package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/mattn/go-isatty"
)

type statusKind int

const (
	statusInfo statusKind = iota
	statusOK
	statusWarn
)

const (
	ansiReset  = "\x1b[0m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiBlue   = "\x1b[34m"
)

const (
	statusLabelWidth = 20
	statusIndent     = "  "
)

func renderStatus(out io.Writer, s statusSnapshot, colorize bool) {
	for _, line := range renderSectionHeader("Daemon", colorize) {
		fmt.Fprintln(out, line)
	}
	if !s.Running {
		fmt.Fprintln(out, renderStatusLine("Warden", statusWarn, "Not running (run `warden start`)", colorize))
		return
	}
	detail := "Running"
	if s.PID > 0 {
		detail = fmt.Sprintf("Running (pid %d)", s.PID)
	}
	fmt.Fprintln(out, renderStatusLine("Warden", statusOK, detail, colorize))
	if st := s.Stats; st != nil {
		fmt.Fprintln(out, renderStatusLine("Started by", statusInfo, st.StartUser, colorize))
		fmt.Fprintln(out, renderStatusLine("Uptime", statusInfo, st.Uptime, colorize))
		fmt.Fprintln(out, renderStatusLine("Iterations", statusInfo, strconv.FormatUint(st.Iterations, 10), colorize))
		fmt.Fprintln(out, renderStatusLine("Requests", statusInfo, strconv.FormatUint(st.RequestsProcessed, 10), colorize))
		overworked := statusOK
		if st.OverworkedLoops > 0 {
			overworked = statusWarn
		}
		fmt.Fprintln(out, renderStatusLine("Overworked loops", overworked, strconv.FormatUint(st.OverworkedLoops, 10), colorize))
		failed := statusOK
		if st.FailedOperations > 0 {
			failed = statusWarn
		}
		fmt.Fprintln(out, renderStatusLine("Failed operations", failed, strconv.FormatUint(st.FailedOperations, 10), colorize))
		fmt.Fprintln(out, renderStatusLine("Tasks", statusInfo, fmt.Sprintf("%d registered (peak %d)", st.RegisteredTasks, st.HighestTaskCount), colorize))
		fmt.Fprintln(out, renderStatusLine("Buffered results", statusInfo, strconv.Itoa(st.BufferedResults), colorize))
	}
	fmt.Fprintln(out)

	for _, line := range renderSectionHeader("Processes", colorize) {
		fmt.Fprintln(out, line)
	}
	if len(s.Processes) == 0 {
		fmt.Fprintln(out, "No processes attached")
		return
	}
	fmt.Fprintln(out, renderProcessTable(processRows(s.Processes)))
}

func renderStatusLine(label string, kind statusKind, message string, colorize bool) string {
	statusText := statusKindLabel(kind)
	if message != "" {
		statusText = fmt.Sprintf("[%s] %s", statusText, message)
	} else {
		statusText = fmt.Sprintf("[%s]", statusText)
	}
	base := fmt.Sprintf("%s%-*s %s", statusIndent, statusLabelWidth, label+":", statusText)
	if colorize {
		if color := statusKindColor(kind); color != "" {
			return color + base + ansiReset
		}
	}
	return base
}

func statusKindLabel(kind statusKind) string {
	switch kind {
	case statusOK:
		return "OK"
	case statusWarn:
		return "WARN"
	default:
		return "INFO"
	}
}

func statusKindColor(kind statusKind) string {
	switch kind {
	case statusOK:
		return ansiGreen
	case statusWarn:
		return ansiYellow
	case statusInfo:
		return ansiBlue
	default:
		return ""
	}
}

func renderSectionHeader(title string, colorize bool) []string {
	line := fmt.Sprintf("== %s ==", strings.TrimSpace(title))
	rule := strings.Repeat("-", len(line))
	if colorize {
		line = ansiBlue + line + ansiReset
		rule = ansiBlue + rule + ansiReset
	}
	return []string{line, rule}
}

func shouldColorize(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	return isTerminal(file)
}

func isTerminal(v any) bool {
	file, ok := v.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
