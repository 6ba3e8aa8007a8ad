package bpfd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/bpfd-dev/bpfd/internal/program"
	"github.com/bpfd-dev/bpfd/internal/registry"
)

// staticProgram is the declarative, on-disk shape of one program the
// Static Bootstrap loads at startup (spec.md §4.G).
type staticProgram struct {
	Origin  string            `yaml:"origin"`
	Section string            `yaml:"section"`
	Kind    string            `yaml:"kind"`
	Owner   string            `yaml:"owner"`
	Globals map[string]string `yaml:"globals,omitempty"`

	Network *struct {
		Iface     string `yaml:"iface"`
		Priority  uint32 `yaml:"priority"`
		ProceedOn uint64 `yaml:"proceed_on,omitempty"`
		Direction string `yaml:"direction,omitempty"`
	} `yaml:"network,omitempty"`

	Tracepoint *struct {
		Category string `yaml:"category"`
		Name     string `yaml:"name"`
	} `yaml:"tracepoint,omitempty"`
}

// Bootstrap replays every program in dir as a Load command, in
// lexicographic filename order for a deterministic chain. A static program
// that fails to parse or load is logged and skipped; it never aborts
// startup (spec.md §4.G). Call once, after Rebuild and before the daemon
// begins serving RPCs.
func (d *Daemon) Bootstrap(ctx context.Context, dir string) {
	if dir == "" {
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			d.log.Warn("static bootstrap: cannot read directory", "dir", dir, "error", err)
		}
		return
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(dir, name)
		sp, err := loadStaticProgram(path)
		if err != nil {
			d.log.Warn("static bootstrap: skipping malformed program", "path", path, "error", err)
			continue
		}

		req, err := sp.toLoadRequest()
		if err != nil {
			d.log.Warn("static bootstrap: skipping invalid program", "path", path, "error", err)
			continue
		}

		if _, err := d.Load(ctx, req); err != nil {
			d.log.Warn("static bootstrap: load failed", "path", path, "error", err)
		}
	}
}

func loadStaticProgram(path string) (*staticProgram, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", path, err)
	}
	var sp staticProgram
	if err := yaml.Unmarshal(data, &sp); err != nil {
		return nil, fmt.Errorf("parse %q: %w", path, err)
	}
	return &sp, nil
}

func (sp *staticProgram) toLoadRequest() (LoadRequest, error) {
	globals := make(map[string][]byte, len(sp.Globals))
	for k, v := range sp.Globals {
		globals[k] = []byte(v)
	}

	req := LoadRequest{
		Origin:     sp.Origin,
		Section:    sp.Section,
		Kind:       program.Kind(sp.Kind),
		GlobalData: globals,
		Caller:     registry.Caller{Username: sp.Owner, IsAdmin: true},
	}

	switch {
	case sp.Network != nil:
		req.Attach.Network = &NetworkAttachSpec{
			Iface:     sp.Network.Iface,
			Priority:  sp.Network.Priority,
			ProceedOn: program.ProceedOn(sp.Network.ProceedOn),
			Direction: program.TCDirection(sp.Network.Direction),
		}
	case sp.Tracepoint != nil:
		req.Attach.Single = &SingleAttachSpec{
			Category: sp.Tracepoint.Category,
			Name:     sp.Tracepoint.Name,
		}
	default:
		return LoadRequest{}, fmt.Errorf("program %q declares neither network nor tracepoint attachment", sp.Origin)
	}

	return req, nil
}
