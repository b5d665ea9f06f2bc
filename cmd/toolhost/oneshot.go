package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/nugget/toolhost/internal/invoke"
	"github.com/nugget/toolhost/internal/mcp"
)

// runTools starts every server, prints the merged catalog and exits.
func runTools(ctx context.Context, stdout, stderr io.Writer, o options, getenv func(string) string) error {
	a, err := newApp(stderr, o, getenv)
	if err != nil {
		return err
	}
	defer a.close()
	a.start(ctx)

	tools := a.host.Tools()
	if o.server != "" {
		filtered := tools[:0:0]
		for _, d := range tools {
			if d.Server == o.server {
				filtered = append(filtered, d)
			}
		}
		tools = filtered
	}

	if o.outputFmt == "json" {
		return writeJSON(stdout, map[string]any{"tools": tools})
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVER\tTOOL\tDESCRIPTION")
	for _, d := range tools {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", d.Server, d.Name, firstLine(d.Description))
	}
	return tw.Flush()
}

// runCall starts every server, invokes one tool and prints the result.
// A tool-reported failure is returned as the command's error.
func runCall(ctx context.Context, stdout, stderr io.Writer, o options, getenv func(string) string) error {
	inv := invoke.Invocation{
		Tool:    o.args[0],
		Server:  o.server,
		Timeout: o.timeout,
	}
	if len(o.args) > 1 {
		raw := json.RawMessage(strings.Join(o.args[1:], " "))
		if !json.Valid(raw) {
			return fmt.Errorf("arguments are not valid JSON: %s", raw)
		}
		inv.Arguments = raw
	}

	a, err := newApp(stderr, o, getenv)
	if err != nil {
		return err
	}
	defer a.close()
	a.start(ctx)

	start := time.Now()
	res, err := a.host.Invoke(ctx, inv)
	if err != nil {
		return err
	}

	if o.outputFmt == "json" {
		return writeJSON(stdout, callOutput{
			Server:     res.Server,
			Tool:       res.Tool,
			Text:       res.Text(),
			Content:    res.Content,
			Result:     res.Raw,
			DurationMS: time.Since(start).Milliseconds(),
		})
	}

	if text := res.Text(); text != "" {
		fmt.Fprintln(stdout, text)
	} else {
		fmt.Fprintln(stdout, string(res.Raw))
	}
	return nil
}

type callOutput struct {
	Server     string             `json:"server"`
	Tool       string             `json:"tool"`
	Text       string             `json:"text"`
	Content    []mcp.ContentBlock `json:"content,omitempty"`
	Result     json.RawMessage    `json:"result,omitempty"`
	DurationMS int64              `json:"duration_ms"`
}

// runStatus starts every server and reports where each one ended up.
// It fails when no server reached Ready.
func runStatus(ctx context.Context, stdout, stderr io.Writer, o options, getenv func(string) string) error {
	a, err := newApp(stderr, o, getenv)
	if err != nil {
		return err
	}
	defer a.close()
	results := a.start(ctx)

	status := a.host.Status()
	if o.outputFmt == "json" {
		if err := writeJSON(stdout, map[string]any{"servers": status}); err != nil {
			return err
		}
	} else {
		tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SERVER\tSTATE\tPID\tTOOLS\tERROR")
		for _, s := range status {
			pid := "-"
			if s.PID > 0 {
				pid = fmt.Sprint(s.PID)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", s.Name, s.State, pid, s.Tools, s.LastError)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	if len(results) > 0 && failed == len(results) {
		return fmt.Errorf("no tool server started")
	}
	return nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}
