package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/TimurManjosov/goautorun/internal/client"
	"github.com/TimurManjosov/goautorun/internal/rules"
	"github.com/TimurManjosov/goautorun/internal/scheduler"
	"github.com/TimurManjosov/goautorun/internal/session"
	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"
)

// OutputFormat specifies the output format for CLI commands
type OutputFormat string

const (
	FormatTable OutputFormat = "table"
	FormatJSON  OutputFormat = "json"
	FormatYAML  OutputFormat = "yaml"
)

// render writes data as JSON or YAML, or calls table for the table format.
func render(w io.Writer, format OutputFormat, data any, table func(*tablewriter.Table)) error {
	switch format {
	case FormatJSON:
		return printJSON(w, data)
	case FormatYAML:
		return printYAML(w, data)
	case FormatTable:
		t := tablewriter.NewWriter(w)
		table(t)
		return t.Render()
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
}

// PrintRules outputs rules in the specified format
func PrintRules(w io.Writer, rs []rules.Rule, format OutputFormat) error {
	return render(w, format, map[string][]rules.Rule{"rules": rs}, func(t *tablewriter.Table) {
		t.Header("ID", "Name", "Browser", "Version", "OS", "OS Version", "Chain", "Modules")
		for _, r := range rs {
			_ = t.Append(r.ID, r.Name, r.Browser, r.BrowserVersion, r.OS, r.OSVersion, string(r.ChainMode), chainSummary(r))
		}
	})
}

// chainSummary lists module names in execution order, e.g. "a > b > a".
func chainSummary(r rules.Rule) string {
	names := make([]string, 0, len(r.ExecutionOrder))
	for _, idx := range r.ExecutionOrder {
		if idx >= 0 && idx < len(r.Modules) {
			names = append(names, r.Modules[idx].Name)
		}
	}
	s := strings.Join(names, " > ")
	if len(s) > 60 {
		s = s[:57] + "..."
	}
	return s
}

// PrintRejected outputs rule definitions that failed to load
func PrintRejected(w io.Writer, rejected []client.RejectedRule, format OutputFormat) error {
	return render(w, format, map[string][]client.RejectedRule{"rejected": rejected}, func(t *tablewriter.Table) {
		t.Header("File", "Index", "Name", "Error")
		for _, r := range rejected {
			idx := "-"
			if r.Index >= 0 {
				idx = fmt.Sprint(r.Index)
			}
			_ = t.Append(r.File, idx, r.Name, r.Error)
		}
	})
}

// Rejected converts load errors into their printable form.
func Rejected(errs []*rules.LoadError) []client.RejectedRule {
	out := make([]client.RejectedRule, 0, len(errs))
	for _, le := range errs {
		rr := client.RejectedRule{File: le.File, Index: le.Index, Name: le.Name, Error: le.Error()}
		if le.Err != nil {
			rr.Error = le.Err.Error()
		}
		out = append(out, rr)
	}
	return out
}

// PrintSessions outputs sessions in the specified format
func PrintSessions(w io.Writer, sessions []session.Info, format OutputFormat) error {
	return render(w, format, map[string][]session.Info{"sessions": sessions}, func(t *tablewriter.Table) {
		t.Header("ID", "State", "Browser", "OS", "Pending", "Hooked At", "Last Seen")
		for _, s := range sessions {
			fp := s.Fingerprint
			_ = t.Append(
				shortID(s.ID),
				string(s.State),
				fp.Browser+" "+fp.BrowserVersion,
				fp.OS+" "+fp.OSVersion,
				fmt.Sprint(s.Pending),
				s.HookedAt.Format("2006-01-02 15:04:05"),
				s.LastSeen.Format("2006-01-02 15:04:05"),
			)
		}
	})
}

// PrintSession outputs one session with its executions
func PrintSession(w io.Writer, info *session.Info, executions []scheduler.View, format OutputFormat) error {
	data := struct {
		Session    *session.Info    `json:"session"`
		Executions []scheduler.View `json:"executions"`
	}{info, executions}

	return render(w, format, data, func(t *tablewriter.Table) {
		t.Header("Execution", "Rule", "Mode", "State", "Steps", "Started At")
		for _, x := range executions {
			_ = t.Append(
				shortID(x.ID),
				x.RuleName,
				string(x.ChainMode),
				string(x.State),
				stepSummary(x.Steps),
				x.StartedAt.Format("2006-01-02 15:04:05"),
			)
		}
	})
}

func stepSummary(steps []scheduler.Step) string {
	parts := make([]string, 0, len(steps))
	for _, s := range steps {
		parts = append(parts, s.Module+":"+string(s.Status))
	}
	return strings.Join(parts, ", ")
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12] + "..."
	}
	return id
}

func printJSON(w io.Writer, data any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

func printYAML(w io.Writer, data any) error {
	// round-trip through JSON so YAML keys follow the json tags
	blob, err := json.Marshal(data)
	if err != nil {
		return err
	}
	var generic any
	if err := json.Unmarshal(blob, &generic); err != nil {
		return err
	}
	encoder := yaml.NewEncoder(w)
	defer encoder.Close()
	encoder.SetIndent(2)
	return encoder.Encode(generic)
}
