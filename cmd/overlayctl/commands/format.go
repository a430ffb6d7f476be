// Package commands implements the overlayctl CLI commands.
package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"github.com/l2sm/overlayd/pkg/overlayv1"
)

const (
	formatJSON  = "json"
	formatTable = "table"
	formatYAML  = "yaml"
	valueNone   = "-"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// formatNetworks renders a slice of networks in the requested format.
func formatNetworks(networks []overlayv1.Network, format string) (string, error) {
	views := make([]networkView, 0, len(networks))
	for _, n := range networks {
		views = append(views, networkToView(n))
	}

	if format == formatTable {
		return formatNetworksTable(views)
	}
	return marshal(views, format)
}

// formatNetwork renders a single network in the requested format.
func formatNetwork(n overlayv1.Network, format string) (string, error) {
	v := networkToView(n)
	if format == formatTable {
		return formatNetworkDetail(v)
	}
	return marshal(v, format)
}

// formatDecision renders a packet-in forwarding decision.
func formatDecision(resp *overlayv1.PacketInResponse, format string) (string, error) {
	v := decisionView{
		Handled: resp.Handled,
		Action:  resp.Action,
		Network: resp.Network,
		Ports:   resp.Ports,
	}
	if format == formatTable {
		return formatDecisionTable(v), nil
	}
	return marshal(v, format)
}

// formatEvent renders a program lifecycle event.
func formatEvent(ev *overlayv1.WatchProgramsResponse, format string) (string, error) {
	v := eventView{Handle: ev.Handle, Type: ev.Type, Reason: ev.Reason}
	if format == formatTable {
		line := fmt.Sprintf("%-10s %s", v.Type, v.Handle)
		if v.Reason != "" {
			line += "  reason=" + v.Reason
		}
		return line + "\n", nil
	}
	return marshal(v, format)
}

func marshal(v any, format string) (string, error) {
	switch format {
	case formatJSON:
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshal to JSON: %w", err)
		}
		return string(data) + "\n", nil
	case formatYAML:
		data, err := yaml.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("marshal to YAML: %w", err)
		}
		return string(data), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// --- Table formatters ---

func formatNetworksTable(views []networkView) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSHAPE\tPORTS\tHOSTS\tSHORTCUTS\tPROGRAM")

	for _, v := range views {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\n",
			v.ID,
			v.Shape,
			len(v.Ports),
			len(v.Hosts),
			v.Shortcuts,
			orNone(v.MainProgram),
		)
	}

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}

	return buf.String(), nil
}

func formatNetworkDetail(v networkView) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	fmt.Fprintf(w, "ID:\t%s\n", v.ID)
	fmt.Fprintf(w, "Shape:\t%s\n", v.Shape)
	fmt.Fprintf(w, "Declared:\t%t\n", v.Declared)
	fmt.Fprintf(w, "Main Program:\t%s\n", orNone(v.MainProgram))
	fmt.Fprintf(w, "Shortcuts:\t%d\n", v.Shortcuts)
	if len(v.Path) > 0 {
		fmt.Fprintf(w, "Path:\t%s\n", strings.Join(v.Path, " -> "))
	}

	fmt.Fprintln(w, "Ports:\t")
	for _, p := range v.Ports {
		fmt.Fprintf(w, "  %s\ttunnel %d\n", p.Port, p.TunnelID)
	}

	if len(v.Hosts) > 0 {
		fmt.Fprintln(w, "Hosts:\t")
		for _, h := range v.Hosts {
			fmt.Fprintf(w, "  %s\t%s\n", h.MAC, h.Port)
		}
	}

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}

	return buf.String(), nil
}

func formatDecisionTable(v decisionView) string {
	if !v.Handled {
		return "not handled: port belongs to no overlay\n"
	}
	return fmt.Sprintf("%s network=%s ports=%s\n",
		v.Action, v.Network, orNone(strings.Join(v.Ports, ",")))
}

func orNone(s string) string {
	if s == "" {
		return valueNone
	}
	return s
}

// --- View types for clean JSON and YAML output ---

type networkView struct {
	ID          string       `json:"id" yaml:"id"`
	Shape       string       `json:"shape" yaml:"shape"`
	Declared    bool         `json:"declared" yaml:"declared"`
	MainProgram string       `json:"main_program,omitempty" yaml:"main_program,omitempty"`
	Shortcuts   int          `json:"shortcuts" yaml:"shortcuts"`
	Path        []string     `json:"path,omitempty" yaml:"path,omitempty"`
	Ports       []memberView `json:"ports" yaml:"ports"`
	Hosts       []hostView   `json:"hosts,omitempty" yaml:"hosts,omitempty"`
}

type memberView struct {
	Port     string `json:"port" yaml:"port"`
	TunnelID uint32 `json:"tunnel_id" yaml:"tunnel_id"`
}

type hostView struct {
	MAC  string `json:"mac" yaml:"mac"`
	Port string `json:"port" yaml:"port"`
}

type decisionView struct {
	Handled bool     `json:"handled" yaml:"handled"`
	Action  string   `json:"action" yaml:"action"`
	Network string   `json:"network,omitempty" yaml:"network,omitempty"`
	Ports   []string `json:"ports,omitempty" yaml:"ports,omitempty"`
}

type eventView struct {
	Handle string `json:"handle" yaml:"handle"`
	Type   string `json:"type" yaml:"type"`
	Reason string `json:"reason,omitempty" yaml:"reason,omitempty"`
}

func networkToView(n overlayv1.Network) networkView {
	v := networkView{
		ID:          n.ID,
		Shape:       n.Shape,
		Declared:    n.Declared,
		MainProgram: n.MainProgram,
		Shortcuts:   n.Shortcuts,
		Path:        n.Path,
		Ports:       make([]memberView, 0, len(n.Ports)),
	}
	for _, m := range n.Ports {
		v.Ports = append(v.Ports, memberView{Port: m.Port, TunnelID: m.TunnelID})
	}
	for _, h := range n.Hosts {
		v.Hosts = append(v.Hosts, hostView{MAC: h.MAC, Port: h.Port})
	}
	return v
}
