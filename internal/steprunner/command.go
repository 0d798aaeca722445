package steprunner

import (
	"regexp"
	"strings"
)

// Workflow commands are lines a step prints to stdout to talk back to the
// executor. Only two are recognized:
//
//	::set-output name=<ident>::<value>
//	::add-mask::<value>
//
// The grammar is strict: anything else starting with "::" is ordinary
// output.
var setOutputPattern = regexp.MustCompile(`^::set-output name=([A-Za-z_][A-Za-z0-9_]*)::(.*)$`)

const addMaskPrefix = "::add-mask::"

type workflowCommand struct {
	kind  commandKind
	name  string
	value string
}

type commandKind int

const (
	commandNone commandKind = iota
	commandSetOutput
	commandAddMask
)

// parseCommand classifies a single stdout line. kind is commandNone for
// plain output, including malformed "::" lines.
func parseCommand(line string) workflowCommand {
	if !strings.HasPrefix(line, "::") {
		return workflowCommand{kind: commandNone}
	}
	if value, ok := strings.CutPrefix(line, addMaskPrefix); ok {
		return workflowCommand{kind: commandAddMask, value: value}
	}
	if m := setOutputPattern.FindStringSubmatch(line); m != nil {
		return workflowCommand{kind: commandSetOutput, name: m[1], value: m[2]}
	}
	return workflowCommand{kind: commandNone}
}
