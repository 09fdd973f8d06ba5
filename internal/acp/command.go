package acp

import (
	"github.com/google/shlex"

	"github.com/acpx/acpx/internal/errcode"
)

// ParseCommand parses an agent command string into argv using shell-aware
// tokenization. It handles quoted strings correctly, for example:
//   - "sh -c 'cd /dir && cmd'" -> ["sh", "-c", "cd /dir && cmd"]
//   - "claude-code-acp --profile \"my profile\"" -> ["claude-code-acp", "--profile", "my profile"]
//
// Invalid quoting (e.g. unclosed quotes) and empty commands are usage
// errors: they come from user input (--agent or the config file), never
// from the runtime.
func ParseCommand(command string) ([]string, error) {
	args, err := shlex.Split(command)
	if err != nil {
		return nil, errcode.Newf(errcode.KindUsage, errcode.DetailInvalidAgentCommand,
			"failed to parse agent command %q: %v", command, err)
	}
	if len(args) == 0 {
		return nil, errcode.New(errcode.KindUsage, errcode.DetailInvalidAgentCommand,
			"agent command is empty")
	}
	return args, nil
}
