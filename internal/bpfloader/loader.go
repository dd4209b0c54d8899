// Package bpfloader manages the lifecycle of the probe object and its kernel
// attachments.
package bpfloader

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/perf"
	"github.com/cilium/ebpf/rlimit"
	"go.uber.org/zap"
)

// Map names the probe object must define.
const (
	EventsMap  = "events"
	ControlMap = "stream_control"
)

type attachKind int

const (
	attachNone attachKind = iota
	attachKprobe
	attachKretprobe
	attachTracepoint
	attachRawTracepoint
)

type attachPoint struct {
	kind   attachKind
	group  string
	symbol string
}

// parseSection derives the attach point of a program from its ELF section
// name. Sections without one (helpers, socket filters) report attachNone.
func parseSection(section string) (attachPoint, error) {
	prefix, rest, _ := strings.Cut(section, "/")
	switch prefix {
	case "kprobe", "kretprobe":
		if rest == "" {
			return attachPoint{}, fmt.Errorf("section %q: missing symbol", section)
		}
		kind := attachKprobe
		if prefix == "kretprobe" {
			kind = attachKretprobe
		}
		return attachPoint{kind: kind, symbol: rest}, nil
	case "tracepoint", "tp":
		group, name, ok := strings.Cut(rest, "/")
		if !ok || group == "" || name == "" {
			return attachPoint{}, fmt.Errorf("section %q: want tracepoint/<group>/<name>", section)
		}
		return attachPoint{kind: attachTracepoint, group: group, symbol: name}, nil
	case "raw_tracepoint", "raw_tp":
		if rest == "" {
			return attachPoint{}, fmt.Errorf("section %q: missing tracepoint name", section)
		}
		return attachPoint{kind: attachRawTracepoint, symbol: rest}, nil
	default:
		return attachPoint{kind: attachNone}, nil
	}
}

// Loader owns the loaded collection and every link attached from it.
type Loader struct {
	coll     *ebpf.Collection
	sections map[string]string // program name -> ELF section
	links    []link.Link
	logger   *zap.Logger
}

// New loads the object file at path into the kernel.
func New(path string, logger *zap.Logger) (*Loader, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("removing memlock limit: %w", err)
	}

	spec, err := ebpf.LoadCollectionSpec(path)
	if err != nil {
		return nil, fmt.Errorf("loading BPF object %s: %w", path, err)
	}
	for _, name := range []string{EventsMap, ControlMap} {
		if _, ok := spec.Maps[name]; !ok {
			return nil, fmt.Errorf("BPF object %s: missing map %q", path, name)
		}
	}

	sections := make(map[string]string, len(spec.Programs))
	for name, prog := range spec.Programs {
		sections[name] = prog.SectionName
	}

	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, fmt.Errorf("loading BPF objects: %w", err)
	}

	return &Loader{coll: coll, sections: sections, logger: logger}, nil
}

// closeErrorf closes all attached links and returns a formatted error.
func (l *Loader) closeErrorf(errstr string, e error) error {
	for _, lnk := range l.links {
		_ = lnk.Close() //nolint:errcheck // Best-effort cleanup in error path
	}
	l.links = nil
	return fmt.Errorf("%s: %w", errstr, e)
}

// Attach attaches every program to the kprobe or tracepoint its section
// names. Programs are attached in name order.
func (l *Loader) Attach() error {
	names := make([]string, 0, len(l.coll.Programs))
	for name := range l.coll.Programs {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		section := l.sections[name]
		point, err := parseSection(section)
		if err != nil {
			return l.closeErrorf("attaching "+name, err)
		}

		prog := l.coll.Programs[name]
		var lnk link.Link
		switch point.kind {
		case attachKprobe:
			lnk, err = link.Kprobe(point.symbol, prog, nil)
		case attachKretprobe:
			lnk, err = link.Kretprobe(point.symbol, prog, nil)
		case attachTracepoint:
			lnk, err = link.Tracepoint(point.group, point.symbol, prog, nil)
		case attachRawTracepoint:
			lnk, err = link.AttachRawTracepoint(link.RawTracepointOptions{Name: point.symbol, Program: prog})
		default:
			l.logger.Debug("program has no attach point", zap.String("program", name), zap.String("section", section))
			continue
		}
		if err != nil {
			return l.closeErrorf(fmt.Sprintf("attaching %s (%s)", name, section), err)
		}
		l.links = append(l.links, lnk)
		l.logger.Debug("attached program", zap.String("program", name), zap.String("section", section))
	}

	l.logger.Info("BPF programs attached", zap.Int("links", len(l.links)))
	return nil
}

// OpenReader opens a perf reader on the events map with perCPUBuffer bytes
// per CPU.
func (l *Loader) OpenReader(perCPUBuffer int) (*perf.Reader, error) {
	rd, err := perf.NewReader(l.coll.Maps[EventsMap], perCPUBuffer)
	if err != nil {
		return nil, fmt.Errorf("opening perf reader: %w", err)
	}
	return rd, nil
}

// Control returns the stream control map.
func (l *Loader) Control() *Control {
	return NewControl(l.coll.Maps[ControlMap])
}

// Close releases all BPF resources including links and loaded objects.
func (l *Loader) Close() error {
	var errs []error

	for i := len(l.links) - 1; i >= 0; i-- {
		if err := l.links[i].Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing link %d: %w", i, err))
		}
	}
	l.links = nil

	// Collection.Close releases every program and map.
	l.coll.Close()

	if len(errs) > 0 {
		return fmt.Errorf("errors during cleanup: %w", errors.Join(errs...))
	}
	return nil
}
