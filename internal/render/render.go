// Package render prints build tables for the CLI.
package render

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gamenest/buildsync/internal/builds"
)

type Format string

const (
	Text Format = "text"
	JSON Format = "json"
	YAML Format = "yaml"
)

func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case Text, JSON, YAML:
		return f, nil
	case "":
		return Text, nil
	}
	return "", fmt.Errorf("render: unknown format %q (want text, json or yaml)", s)
}

// Builds writes a list of builds. The text form is a table without logs.
func Builds(w io.Writer, f Format, list []builds.Build) error {
	switch f {
	case JSON:
		return writeJSON(w, list)
	case YAML:
		return writeYAML(w, list)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tCREATED\tUPDATED\tLOG LINES\tPATH")
	for _, b := range list {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\n",
			b.ID, b.Status.Label(), when(b.CreatedAt), when(b.UpdatedAt), lineCount(b.Logs), dash(b.Path))
	}
	return tw.Flush()
}

// Build writes one build. The text form includes the full log.
func Build(w io.Writer, f Format, b builds.Build) error {
	switch f {
	case JSON:
		return writeJSON(w, b)
	case YAML:
		return writeYAML(w, b)
	}

	fmt.Fprintf(w, "Build #%d\n", b.ID)
	fmt.Fprintf(w, "  Status:  %s\n", b.Status.Label())
	fmt.Fprintf(w, "  Created: %s\n", when(b.CreatedAt))
	fmt.Fprintf(w, "  Updated: %s\n", when(b.UpdatedAt))
	if b.Path != "" {
		fmt.Fprintf(w, "  Path:    %s\n", b.Path)
	}
	if b.Logs != "" {
		fmt.Fprintln(w, "  Logs:")
		for _, line := range strings.Split(b.Logs, "\n") {
			fmt.Fprintf(w, "    %s\n", line)
		}
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("render: yaml: %w", err)
	}
	return enc.Close()
}

func when(ts builds.Timestamp) string {
	if ts.IsZero() {
		return "-"
	}
	return ts.UTC().Format(time.DateTime)
}

func lineCount(logs string) int {
	if logs == "" {
		return 0
	}
	return strings.Count(logs, "\n") + 1
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
