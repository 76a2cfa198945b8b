// Package saga runs a chain of small reusable actions against commands and
// records every application in an append-only event log.
package saga

// Command is an immutable payload tagged with its type.
// Variants are plain values; capabilities are expressed as extra interfaces.
type Command interface {
	CommandType() string
	Metadata() CommandMetadata
}

// CommandMetadata carries provenance of a command
type CommandMetadata struct {
	SourceEventID  string            `json:"sourceEventId,omitempty"`
	CausationChain []string          `json:"causationChain,omitempty"`
	IdempotencyKey string            `json:"idempotencyKey,omitempty"`
	Extra          map[string]string `json:"extra,omitempty"`
}

// CausedBy returns a copy of m with id appended to the causation chain
func (m CommandMetadata) CausedBy(id string) CommandMetadata {
	out := m
	out.CausationChain = append(append([]string(nil), m.CausationChain...), id)
	if len(m.Extra) > 0 {
		out.Extra = make(map[string]string, len(m.Extra))
		for k, v := range m.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

// BaseCommand provides the metadata half of Command for embedding
type BaseCommand struct {
	Meta CommandMetadata `json:"metadata"`
}

// Metadata implements Command
func (b BaseCommand) Metadata() CommandMetadata {
	return b.Meta
}

// Composite is a command made of sub-commands
type Composite interface {
	Command
	Children() []Command
	WithChildren(children []Command) Command
}

// ManyCommands fans out to several commands, dispatched in order
type ManyCommands struct {
	BaseCommand
	Commands []Command `json:"commands"`
}

// CommandTypeMany is the type tag of ManyCommands
const CommandTypeMany = "ManyCommands"

// NewManyCommands wraps commands into one composite
func NewManyCommands(meta CommandMetadata, commands ...Command) ManyCommands {
	return ManyCommands{BaseCommand: BaseCommand{Meta: meta}, Commands: append([]Command(nil), commands...)}
}

// CommandType implements Command
func (m ManyCommands) CommandType() string {
	return CommandTypeMany
}

// Children implements Composite
func (m ManyCommands) Children() []Command {
	return append([]Command(nil), m.Commands...)
}

// WithChildren implements Composite
func (m ManyCommands) WithChildren(children []Command) Command {
	m.Commands = append([]Command(nil), children...)
	return m
}

// Injectable is implemented by commands that accept a value of type T loaded by an earlier action
type Injectable[T any] interface {
	Command
	Inject(value T) Command
}

// Inject hands value to every leaf of cmd that implements Injectable[T].
// Composites are walked recursively; other leaves are kept unchanged.
// The original command is never modified.
func Inject[T any](cmd Command, value T) Command {
	if cmd == nil {
		return nil
	}
	if composite, ok := cmd.(Composite); ok {
		children := composite.Children()
		injected := make([]Command, len(children))
		for i, child := range children {
			injected[i] = Inject(child, value)
		}
		return composite.WithChildren(injected)
	}
	if target, ok := cmd.(Injectable[T]); ok {
		return target.Inject(value)
	}
	return cmd
}

// Leaves returns the non-composite commands of cmd in dispatch order
func Leaves(cmd Command) []Command {
	if cmd == nil {
		return nil
	}
	composite, ok := cmd.(Composite)
	if !ok {
		return []Command{cmd}
	}
	var out []Command
	for _, child := range composite.Children() {
		out = append(out, Leaves(child)...)
	}
	return out
}
