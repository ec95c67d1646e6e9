package command

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/flare576/ei/internal/aierrors"
	"github.com/flare576/ei/internal/ceremony"
	"github.com/flare576/ei/internal/history"
	"github.com/flare576/ei/internal/idgen"
	"github.com/flare576/ei/internal/llmgateway"
	"github.com/flare576/ei/internal/registry"
	"github.com/flare576/ei/internal/scheduler"
	"github.com/flare576/ei/internal/snapshot"
	"github.com/flare576/ei/internal/storage"
)

// knownModelSpecs is a static catalog for "/model list" — a fixed
// reference list rather than a live provider query.
var knownModelSpecs = []string{
	"anthropic:claude-sonnet-4-5",
	"anthropic:claude-opus-4-5",
	"openai:gpt-4o",
	"openai:gpt-4o-mini",
}

// Dispatcher routes the slash-command surface to its collaborators.
// Every state-mutating command captures a snapshot first, so /undo can
// step back over it.
type Dispatcher struct {
	Scheduler *scheduler.Scheduler
	Registry  *registry.Registry
	Snapshots *snapshot.Manager
	Ceremony  *ceremony.Ceremony
	Store     *storage.Store

	// Gateway, when set, lets /status report per-provider credential state.
	Gateway *llmgateway.Gateway

	// Quit is set by the "/quit" handler to signal the REPL loop to exit.
	Quit      bool
	QuitForce bool
}

// Result is the status line (or error) produced by a dispatched command.
type Result struct {
	Status string
}

// Dispatch parses and executes one command line in the context of the
// currently focused persona, returning a status line for display.
func (d *Dispatcher) Dispatch(ctx context.Context, focused string, line string) (Result, error) {
	name, args, err := Tokenize(line)
	if err != nil {
		return Result{}, err
	}

	switch name {
	case "persona", "p":
		return d.cmdPersona(ctx, focused, args)
	case "pause":
		return d.cmdPause(ctx, focused, args)
	case "resume":
		return d.cmdResume(ctx, focused)
	case "archive":
		return d.cmdArchive(ctx, focused)
	case "unarchive":
		return d.cmdUnarchive(ctx, focused)
	case "nick":
		return d.cmdNick(ctx, focused, args)
	case "model":
		return d.cmdModel(ctx, focused, args)
	case "group", "g":
		return d.cmdGroup(ctx, focused, args)
	case "groups", "gs":
		return d.cmdGroups(ctx, focused, args)
	case "status", "s":
		return d.cmdStatus(focused)
	case "new":
		return d.cmdNew(ctx, focused)
	case "undo":
		return d.cmdUndo(ctx, args)
	case "savestate":
		return d.cmdSaveState(ctx, args)
	case "restorestate":
		return d.cmdRestoreState(ctx, args)
	case "clarify":
		return d.cmdClarify(ctx, args)
	case "quit":
		return d.cmdQuit(args)
	default:
		return Result{}, &aierrors.UserError{Message: fmt.Sprintf("unknown command %q", name)}
	}
}

func (d *Dispatcher) resolve(nameOrAlias string) (*registry.Persona, error) {
	return d.Registry.Resolve(nameOrAlias)
}

func (d *Dispatcher) cmdPersona(ctx context.Context, focused string, args []string) (Result, error) {
	if len(args) == 0 {
		return Result{Status: fmt.Sprintf("current persona: %s", focused)}, nil
	}
	p, err := d.resolve(args[0])
	if err != nil {
		return Result{}, err
	}
	if p.IsArchived {
		return Result{}, fmt.Errorf("command: persona %q is archived; /unarchive first", p.Name)
	}
	if err := d.Scheduler.Switch(ctx, focused, p.Name); err != nil {
		return Result{}, err
	}
	return Result{Status: fmt.Sprintf("switched to %s", p.Name)}, nil
}

func (d *Dispatcher) cmdPause(ctx context.Context, focused string, args []string) (Result, error) {
	raw := ""
	if len(args) > 0 {
		raw = args[0]
	}
	ms, indefinite, err := ParsePauseDuration(raw)
	if err != nil {
		return Result{}, err
	}
	if err := d.Snapshots.CaptureSnapshot(ctx); err != nil {
		return Result{}, err
	}
	var until *int64
	if !indefinite {
		u := idgen.NowMs() + ms
		until = &u
	}
	d.Scheduler.Pause(focused, until)
	if indefinite {
		return Result{Status: fmt.Sprintf("%s paused indefinitely", focused)}, nil
	}
	return Result{Status: fmt.Sprintf("%s paused for %s", focused, raw)}, nil
}

func (d *Dispatcher) cmdResume(ctx context.Context, focused string) (Result, error) {
	if err := d.Snapshots.CaptureSnapshot(ctx); err != nil {
		return Result{}, err
	}
	d.Scheduler.Resume(focused)
	return Result{Status: fmt.Sprintf("%s resumed", focused)}, nil
}

func (d *Dispatcher) cmdArchive(ctx context.Context, focused string) (Result, error) {
	p, err := d.resolve(focused)
	if err != nil {
		return Result{}, err
	}
	if p.IsPrimary() {
		return Result{}, fmt.Errorf("command: cannot archive the primary persona %q", registry.PrimaryPersonaName)
	}
	if err := d.Snapshots.CaptureSnapshot(ctx); err != nil {
		return Result{}, err
	}
	if err := d.Scheduler.Archive(ctx, focused); err != nil {
		return Result{}, err
	}
	return Result{Status: fmt.Sprintf("%s archived", focused)}, nil
}

func (d *Dispatcher) cmdUnarchive(ctx context.Context, focused string) (Result, error) {
	p, err := d.resolve(focused)
	if err != nil {
		return Result{}, err
	}
	if err := d.Snapshots.CaptureSnapshot(ctx); err != nil {
		return Result{}, err
	}
	p.IsArchived = false
	p.ArchivedAtMs = nil
	return Result{Status: fmt.Sprintf("%s unarchived", focused)}, nil
}

func (d *Dispatcher) cmdNick(ctx context.Context, focused string, args []string) (Result, error) {
	if len(args) == 0 {
		return Result{}, fmt.Errorf("command: /nick requires a subcommand (list|add|remove)")
	}
	p, err := d.resolve(focused)
	if err != nil {
		return Result{}, err
	}
	switch strings.ToLower(args[0]) {
	case "list":
		return Result{Status: fmt.Sprintf("aliases for %s: %s", p.Name, strings.Join(p.Aliases, ", "))}, nil
	case "add":
		if len(args) < 2 {
			return Result{}, fmt.Errorf("command: /nick add requires an alias argument")
		}
		if err := d.Snapshots.CaptureSnapshot(ctx); err != nil {
			return Result{}, err
		}
		p.Aliases = append(p.Aliases, args[1])
		return Result{Status: fmt.Sprintf("added alias %q to %s", args[1], p.Name)}, nil
	case "remove":
		if len(args) < 2 {
			return Result{}, fmt.Errorf("command: /nick remove requires an alias argument")
		}
		if err := d.Snapshots.CaptureSnapshot(ctx); err != nil {
			return Result{}, err
		}
		out := p.Aliases[:0]
		for _, a := range p.Aliases {
			if !strings.EqualFold(a, args[1]) {
				out = append(out, a)
			}
		}
		p.Aliases = out
		return Result{Status: fmt.Sprintf("removed alias %q from %s", args[1], p.Name)}, nil
	default:
		return Result{}, fmt.Errorf("command: unknown /nick subcommand %q", args[0])
	}
}

func (d *Dispatcher) cmdModel(ctx context.Context, focused string, args []string) (Result, error) {
	if len(args) == 0 {
		return Result{}, fmt.Errorf("command: /model requires a subcommand (show|set|clear|list)")
	}
	p, err := d.resolve(focused)
	if err != nil {
		return Result{}, err
	}
	switch strings.ToLower(args[0]) {
	case "show":
		if p.Model == nil {
			return Result{Status: fmt.Sprintf("%s: using the default model", p.Name)}, nil
		}
		return Result{Status: fmt.Sprintf("%s: %s", p.Name, *p.Model)}, nil
	case "set":
		if len(args) < 2 {
			return Result{}, fmt.Errorf("command: /model set requires a provider:model argument")
		}
		if err := d.Snapshots.CaptureSnapshot(ctx); err != nil {
			return Result{}, err
		}
		spec := args[1]
		p.Model = &spec
		return Result{Status: fmt.Sprintf("%s model set to %s", p.Name, spec)}, nil
	case "clear":
		if err := d.Snapshots.CaptureSnapshot(ctx); err != nil {
			return Result{}, err
		}
		p.Model = nil
		return Result{Status: fmt.Sprintf("%s model cleared (using default)", p.Name)}, nil
	case "list":
		return Result{Status: "known models: " + strings.Join(knownModelSpecs, ", ")}, nil
	default:
		return Result{}, fmt.Errorf("command: unknown /model subcommand %q", args[0])
	}
}

func (d *Dispatcher) cmdGroup(ctx context.Context, focused string, args []string) (Result, error) {
	p, err := d.resolve(focused)
	if err != nil {
		return Result{}, err
	}
	if p.IsPrimary() {
		return Result{}, fmt.Errorf("command: %q's group is locked", registry.PrimaryPersonaName)
	}
	if len(args) == 0 || strings.EqualFold(args[0], "show") {
		if p.GroupPrimary == nil {
			return Result{Status: fmt.Sprintf("%s: no primary group", p.Name)}, nil
		}
		return Result{Status: fmt.Sprintf("%s: primary group %s", p.Name, *p.GroupPrimary)}, nil
	}
	if err := d.Snapshots.CaptureSnapshot(ctx); err != nil {
		return Result{}, err
	}
	if strings.EqualFold(args[0], "clear") {
		p.GroupPrimary = nil
		return Result{Status: fmt.Sprintf("%s: primary group cleared", p.Name)}, nil
	}
	group := args[0]
	p.GroupPrimary = &group
	return Result{Status: fmt.Sprintf("%s: primary group set to %s", p.Name, group)}, nil
}

func (d *Dispatcher) cmdGroups(ctx context.Context, focused string, args []string) (Result, error) {
	p, err := d.resolve(focused)
	if err != nil {
		return Result{}, err
	}
	if p.IsPrimary() {
		return Result{}, fmt.Errorf("command: %q's groups are locked to *", registry.PrimaryPersonaName)
	}
	if len(args) == 0 || strings.EqualFold(args[0], "list") {
		return Result{Status: fmt.Sprintf("%s visible groups: %s", p.Name, strings.Join(p.GroupsVisible, ", "))}, nil
	}
	switch strings.ToLower(args[0]) {
	case "clear":
		if err := d.Snapshots.CaptureSnapshot(ctx); err != nil {
			return Result{}, err
		}
		p.GroupsVisible = nil
		return Result{Status: fmt.Sprintf("%s: visible groups cleared", p.Name)}, nil
	case "remove":
		if len(args) < 2 {
			return Result{}, fmt.Errorf("command: /groups remove requires a group name")
		}
		if err := d.Snapshots.CaptureSnapshot(ctx); err != nil {
			return Result{}, err
		}
		out := p.GroupsVisible[:0]
		for _, g := range p.GroupsVisible {
			if !strings.EqualFold(g, args[1]) {
				out = append(out, g)
			}
		}
		p.GroupsVisible = out
		return Result{Status: fmt.Sprintf("%s: removed group %s", p.Name, args[1])}, nil
	default:
		if err := d.Snapshots.CaptureSnapshot(ctx); err != nil {
			return Result{}, err
		}
		group := args[0]
		for _, g := range p.GroupsVisible {
			if strings.EqualFold(g, group) {
				return Result{Status: fmt.Sprintf("%s already sees group %s", p.Name, group)}, nil
			}
		}
		p.GroupsVisible = append(p.GroupsVisible, group)
		return Result{Status: fmt.Sprintf("%s: added visible group %s", p.Name, group)}, nil
	}
}

func (d *Dispatcher) cmdStatus(focused string) (Result, error) {
	all := d.Registry.All()
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("focused: %s\n", focused))
	for _, p := range all {
		unread := d.Scheduler.UnreadCount(p.Name)
		status := "active"
		if p.IsArchived {
			status = "archived"
		} else if p.IsPaused {
			status = "paused"
		}
		sb.WriteString(fmt.Sprintf("  %s [%s] unread=%d\n", p.Name, status, unread))
	}
	if d.Gateway != nil {
		for _, ps := range d.Gateway.GetProviderStatuses() {
			validated := "unvalidated"
			if ps.Validated {
				validated = "validated"
			}
			sb.WriteString(fmt.Sprintf("  provider %s [%s]\n", ps.Name, validated))
		}
	}
	return Result{Status: sb.String()}, nil
}

func (d *Dispatcher) cmdNew(ctx context.Context, focused string) (Result, error) {
	if err := d.Snapshots.CaptureSnapshot(ctx); err != nil {
		return Result{}, err
	}
	h, err := history.Load(ctx, d.Store, focused)
	if err != nil {
		return Result{}, err
	}
	now := idgen.NowMs()
	h.Append(history.Message{Role: history.RoleSystem, Content: history.ContextClearedSentinel, TimestampMs: now, ConceptProcessed: true})
	if err := history.Save(ctx, d.Store, focused, h, now); err != nil {
		return Result{}, err
	}
	return Result{Status: fmt.Sprintf("%s: conversation context cleared", focused)}, nil
}

func (d *Dispatcher) cmdUndo(ctx context.Context, args []string) (Result, error) {
	n := 1
	if len(args) > 0 {
		parsed, err := parsePositiveArg(args[0])
		if err != nil {
			return Result{}, err
		}
		n = parsed
	}
	if err := d.Snapshots.Undo(ctx, n); err != nil {
		return Result{}, err
	}
	remaining := d.Snapshots.RingLen()
	return Result{Status: fmt.Sprintf("undone (%d undo step(s) remaining)", remaining)}, nil
}

func (d *Dispatcher) cmdSaveState(ctx context.Context, args []string) (Result, error) {
	name := ""
	if len(args) > 0 {
		name = args[0]
	}
	id, err := d.Snapshots.SaveStateToDisk(ctx, name)
	if err != nil {
		return Result{}, err
	}
	return Result{Status: fmt.Sprintf("saved state %s", id)}, nil
}

func (d *Dispatcher) cmdRestoreState(ctx context.Context, args []string) (Result, error) {
	if len(args) == 0 {
		return Result{}, fmt.Errorf("command: /restoreState requires a name or list position")
	}
	if err := d.Snapshots.LoadStateFromDisk(ctx, args[0]); err != nil {
		return Result{}, err
	}
	return Result{Status: fmt.Sprintf("restored state %s", args[0])}, nil
}

func (d *Dispatcher) cmdClarify(ctx context.Context, args []string) (Result, error) {
	batch, err := d.Ceremony.SelectBatch(ctx, d.Registry, idgen.Now())
	if err != nil {
		return Result{}, err
	}
	if len(args) > 0 {
		filter := strings.Trim(args[0], "\"'")
		filtered := batch[:0]
		for _, it := range batch {
			if strings.EqualFold(it.DataType, filter) || strings.EqualFold(it.Name, filter) {
				filtered = append(filtered, it)
			}
		}
		batch = filtered
	}
	msg := ceremony.BuildMessage(batch)
	if msg == "" {
		return Result{Status: "nothing pending to clarify"}, nil
	}
	return Result{Status: msg}, nil
}

func (d *Dispatcher) cmdQuit(args []string) (Result, error) {
	d.Quit = true
	for _, a := range args {
		if a == "--force" {
			d.QuitForce = true
		}
	}
	return Result{Status: "shutting down"}, nil
}

func parsePositiveArg(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, &aierrors.UserError{Message: fmt.Sprintf("expected a positive integer, got %q", s)}
	}
	return n, nil
}
