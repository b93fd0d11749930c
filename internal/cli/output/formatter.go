// Package output renders daemon responses for the terminal.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/opreg/opreg/internal/cli/client"
	"github.com/opreg/opreg/internal/cli/errors"
	"github.com/opreg/opreg/internal/logger"
)

type OutputFormat string

const (
	FormatText OutputFormat = "text"
	FormatJSON OutputFormat = "json"
)

type Formatter struct {
	format OutputFormat
	color  bool
	out    io.Writer
}

func NewFormatter(out io.Writer, format OutputFormat, useColor bool) *Formatter {
	return &Formatter{
		format: format,
		color:  useColor,
		out:    out,
	}
}

func (f *Formatter) writeJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(f.out, string(data))
	return err
}

func (f *Formatter) FormatError(err errors.ClassifiedError) string {
	if f.format == FormatJSON {
		data, _ := json.MarshalIndent(err, "", "  ")
		return string(data)
	}

	var msg string
	if f.color {
		msg = color.RedString("Error [%s]: %s", err.Kind, err.Message)
		if err.Hint != "" {
			msg += "\n" + color.YellowString("Hint: %s", err.Hint)
		}
	} else {
		msg = fmt.Sprintf("Error [%s]: %s", err.Kind, err.Message)
		if err.Hint != "" {
			msg += "\nHint: " + err.Hint
		}
	}
	return msg
}

func (f *Formatter) FormatMessage(msg string) error {
	if f.format == FormatJSON {
		return f.writeJSON(map[string]string{"message": msg})
	}
	if f.color {
		msg = color.GreenString(msg)
	}
	_, err := fmt.Fprintln(f.out, msg)
	return err
}

func (f *Formatter) FormatRunResult(res *client.RunResult) error {
	if f.format == FormatJSON {
		return f.writeJSON(res)
	}
	_, err := fmt.Fprintln(f.out, NewRunResult(res).Text())
	return err
}

func (f *Formatter) FormatOperations(list *client.OperationList) error {
	if f.format == FormatJSON {
		return f.writeJSON(list)
	}

	table := tablewriter.NewTable(f.out,
		tablewriter.WithHeader([]string{"Name", "Kind", "Symbol", "Capabilities", "Digest"}),
	)
	for _, e := range list.Operations {
		table.Append([]string{e.Name, string(e.Kind), e.Symbol, strings.Join(e.Capabilities, ", "), e.Digest})
	}
	return table.Render()
}

func (f *Formatter) FormatOperation(op *client.Operation) error {
	if f.format == FormatJSON {
		return f.writeJSON(op)
	}

	title := op.Name
	if f.color {
		title = color.CyanString(title)
	}
	fmt.Fprintln(f.out, title)
	fmt.Fprintf(f.out, "  Kind:         %s\n", op.Kind)
	fmt.Fprintf(f.out, "  Symbol:       %s\n", op.Symbol)
	fmt.Fprintf(f.out, "  Capabilities: %s\n", strings.Join(op.Capabilities, ", "))
	if op.Selected != "" {
		fmt.Fprintf(f.out, "  Dispatches:   %s\n", op.Selected)
	} else {
		fmt.Fprintf(f.out, "  Dispatches:   (none)\n")
	}
	fmt.Fprintf(f.out, "  Digest:       %s\n", op.Digest)
	_, err := fmt.Fprintf(f.out, "  Loaded:       %s\n", op.LoadedAt.Format("2006-01-02 15:04:05"))
	return err
}

func (f *Formatter) FormatReload(report *client.ReloadReport) error {
	if f.format == FormatJSON {
		return f.writeJSON(report)
	}

	fmt.Fprintf(f.out, "Loaded %d operation(s)\n", len(report.Loaded))
	names := make([]string, 0, len(report.Failed))
	for name := range report.Failed {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		line := fmt.Sprintf("  failed %s: %s", name, report.Failed[name])
		if f.color {
			line = color.RedString(line)
		}
		fmt.Fprintln(f.out, line)
	}
	return nil
}

func (f *Formatter) FormatLogs(entries []logger.LogEntry) error {
	if f.format == FormatJSON {
		return f.writeJSON(entries)
	}

	for _, e := range entries {
		level := e.Level
		if f.color {
			switch e.Level {
			case "ERROR":
				level = color.RedString(level)
			case "WARN":
				level = color.YellowString(level)
			}
		}
		line := fmt.Sprintf("%s %s %s", e.Timestamp, level, e.Message)
		if len(e.Attrs) > 0 {
			line += " " + formatAttrs(e.Attrs)
		}
		fmt.Fprintln(f.out, line)
	}
	return nil
}

func formatAttrs(attrs map[string]any) string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, attrs[k])
	}
	return strings.Join(parts, " ")
}

// FormatValue writes v as indented JSON.
func (f *Formatter) FormatValue(v any) error {
	return f.writeJSON(v)
}
