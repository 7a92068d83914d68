package migration

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/marketplace-migrator/internal/assemble"
	"github.com/marketplace-migrator/internal/model"
)

// State is a step of the run state machine
type State string

const (
	StateStart            State = "start"
	StateReflectSource    State = "reflect_source"
	StateAssembleEntities State = "assemble_entities"
	StateProject          State = "project"
	StateWrite            State = "write"
	StateReport           State = "report"
	StateDone             State = "done"
	StateFatal            State = "fatal"
)

// DestinationStatus is the outcome of one destination pipeline
type DestinationStatus string

const (
	StatusSucceeded DestinationStatus = "succeeded"
	StatusFailed    DestinationStatus = "failed"
	StatusDisabled  DestinationStatus = "disabled"
)

// Destination names
const (
	DestinationDocuments = "documents"
	DestinationGraph     = "graph"
)

// EntityReport counts one entity type
type EntityReport struct {
	Kind      model.Kind `json:"kind"`
	Processed int        `json:"processed"`
	Skipped   int        `json:"skipped"`
}

// DestinationReport counts the writes of one destination
type DestinationReport struct {
	Name      string            `json:"name"`
	Status    DestinationStatus `json:"status"`
	Written   int               `json:"written"`
	Unchanged int               `json:"unchanged"`
	Skipped   int               `json:"skipped"`
	Failed    int               `json:"failed"`
	Pruned    int               `json:"pruned"`
	// PruneSkipped is set when rejected writes left entities unstamped
	PruneSkipped bool `json:"prune_skipped,omitempty"`
	// Rejections lists the natural keys refused by the destination
	Rejections []string `json:"rejections,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// Report is the structured summary of one run
type Report struct {
	RunID        string                      `json:"run_id"`
	State        State                       `json:"state"`
	StartedAt    time.Time                   `json:"started_at"`
	Duration     time.Duration               `json:"duration"`
	Entities     []EntityReport              `json:"entities"`
	Skips        []*assemble.ValidationError `json:"skips"`
	Warnings     []string                    `json:"warnings"`
	Destinations []*DestinationReport        `json:"destinations"`
}

// Destination returns the report of the named destination, nil if absent
func (r *Report) Destination(name string) *DestinationReport {
	for _, d := range r.Destinations {
		if d.Name == name {
			return d
		}
	}
	return nil
}

// Entity returns the counters of one entity type
func (r *Report) Entity(kind model.Kind) EntityReport {
	for _, e := range r.Entities {
		if e.Kind == kind {
			return e
		}
	}
	return EntityReport{Kind: kind}
}

// Failed reports whether any destination failed
func (r *Report) Failed() bool {
	for _, d := range r.Destinations {
		if d.Status == StatusFailed {
			return true
		}
	}
	return false
}

// ExitCode maps the report onto the CLI exit status: 0 on success (skips
// included), 2 when a destination failed
func (r *Report) ExitCode() int {
	if r.Failed() {
		return 2
	}
	return 0
}

// Print writes a human-readable summary
func (r *Report) Print(w io.Writer) {
	fmt.Fprintf(w, "Migration run %s: %s in %v\n\n", r.RunID, r.State, r.Duration.Round(time.Millisecond))

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ENTITY\tPROCESSED\tSKIPPED")
	for _, e := range r.Entities {
		fmt.Fprintf(tw, "%s\t%d\t%d\n", e.Kind, e.Processed, e.Skipped)
	}
	tw.Flush()
	fmt.Fprintln(w)

	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DESTINATION\tSTATUS\tWRITTEN\tUNCHANGED\tSKIPPED\tFAILED\tPRUNED")
	for _, d := range r.Destinations {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%d\n", d.Name, d.Status, d.Written, d.Unchanged, d.Skipped, d.Failed, d.Pruned)
	}
	tw.Flush()

	for _, d := range r.Destinations {
		if d.Error != "" {
			fmt.Fprintf(w, "\n%s failed: %s\n", d.Name, d.Error)
		}
		if len(d.Rejections) > 0 {
			fmt.Fprintf(w, "\n%s rejected %d writes:\n  %s\n", d.Name, len(d.Rejections), strings.Join(d.Rejections, "\n  "))
		}
		if d.PruneSkipped {
			fmt.Fprintf(w, "\n%s not pruned: stale entries kept because writes were rejected\n", d.Name)
		}
	}
	if len(r.Skips) > 0 {
		fmt.Fprintf(w, "\nSkipped rows (%d):\n", len(r.Skips))
		for _, s := range r.Skips {
			fmt.Fprintf(w, "  %s\n", s)
		}
	}
	if len(r.Warnings) > 0 {
		fmt.Fprintf(w, "\nWarnings (%d):\n", len(r.Warnings))
		for _, warn := range r.Warnings {
			fmt.Fprintf(w, "  %s\n", warn)
		}
	}
}

// event is the payload published when a run finishes
type event struct {
	RunID        string               `json:"run_id"`
	State        State                `json:"state"`
	Duration     string               `json:"duration"`
	Skipped      int                  `json:"skipped"`
	Destinations []*DestinationReport `json:"destinations"`
}

func (r *Report) event() event {
	return event{
		RunID:        r.RunID,
		State:        r.State,
		Duration:     r.Duration.String(),
		Skipped:      len(r.Skips),
		Destinations: r.Destinations,
	}
}
