package security

import (
	"fmt"
	"strings"
)

// shellOperators are tokens that only mean something to a shell. Build
// steps are executed without one, so seeing them as standalone arguments
// means the step was written for a shell and would not do what it says.
var shellOperators = map[string]bool{
	";":  true,
	"&&": true,
	"||": true,
	"|":  true,
	"&":  true,
	">":  true,
	">>": true,
	"<":  true,
	"2>": true,
}

// ValidateCommand checks a build step's argv before it is ever executed.
// The executable must be free of shell metacharacters and no argument may
// be a bare shell operator or contain a NUL or newline.
func ValidateCommand(cmdParts []string) error {
	if len(cmdParts) == 0 {
		return fmt.Errorf("empty command")
	}

	if cmdParts[0] == "" {
		return fmt.Errorf("empty executable name")
	}
	if containsShellMetachars(cmdParts[0]) {
		return fmt.Errorf("executable contains shell metacharacters: %q", cmdParts[0])
	}

	for i, arg := range cmdParts[1:] {
		if shellOperators[arg] {
			return fmt.Errorf("argument %d is a shell operator %q; steps run without a shell, split them into separate steps", i+1, arg)
		}
		if strings.ContainsAny(arg, "\x00\n") {
			return fmt.Errorf("argument %d contains a NUL or newline", i+1)
		}
	}

	return nil
}

// containsShellMetachars checks if a string contains shell metacharacters.
func containsShellMetachars(s string) bool {
	return strings.ContainsAny(s, ";|&$`\n<>(){}*?[]\\'\" ")
}
