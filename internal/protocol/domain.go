package protocol

import (
	"fmt"
)

// Param describes one named parameter or return field of a synthetic command
// or event. Type is a JSON schema primitive name ("string", "number",
// "boolean", "object").
type Param struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Optional bool   `json:"optional,omitempty"`
}

// Command is the static descriptor of one synthetic-domain command.
type Command struct {
	Name       string  `json:"name"`
	Parameters []Param `json:"parameters,omitempty"`
	Returns    []Param `json:"returns,omitempty"`
}

// Event is the static descriptor of one synthetic-domain event.
type Event struct {
	Name       string  `json:"name"`
	Parameters []Param `json:"parameters,omitempty"`
}

// Domain is a named bundle of commands and events the service answers itself,
// layered on top of the real browser protocol. Descriptors are registered
// once at startup; duplicate names are construction-time errors.
type Domain struct {
	name     string
	commands map[string]Command
	events   map[string]Event
}

func NewDomain(name string) *Domain {
	return &Domain{
		name:     name,
		commands: make(map[string]Command),
		events:   make(map[string]Event),
	}
}

func (d *Domain) Name() string {
	return d.name
}

func (d *Domain) AddCommand(cmd Command) error {
	if cmd.Name == "" {
		return fmt.Errorf("domain %s: command name must not be empty", d.name)
	}
	if _, ok := d.commands[cmd.Name]; ok {
		return fmt.Errorf("domain %s: duplicate command %q", d.name, cmd.Name)
	}
	d.commands[cmd.Name] = cmd
	return nil
}

func (d *Domain) AddEvent(ev Event) error {
	if ev.Name == "" {
		return fmt.Errorf("domain %s: event name must not be empty", d.name)
	}
	if _, ok := d.events[ev.Name]; ok {
		return fmt.Errorf("domain %s: duplicate event %q", d.name, ev.Name)
	}
	d.events[ev.Name] = ev
	return nil
}

// Command returns the descriptor for name, if registered.
func (d *Domain) Command(name string) (Command, bool) {
	cmd, ok := d.commands[name]
	return cmd, ok
}

func (d *Domain) Event(name string) (Event, bool) {
	ev, ok := d.events[name]
	return ev, ok
}

// QualifiedName returns the domain-qualified method name for a command or
// event, e.g. "HeadlessService.keepAlive".
func (d *Domain) QualifiedName(name string) string {
	return d.name + "." + name
}

func (d *Domain) Commands() []Command {
	cmds := make([]Command, 0, len(d.commands))
	for _, cmd := range d.commands {
		cmds = append(cmds, cmd)
	}
	return cmds
}

func (d *Domain) Events() []Event {
	evs := make([]Event, 0, len(d.events))
	for _, ev := range d.events {
		evs = append(evs, ev)
	}
	return evs
}
