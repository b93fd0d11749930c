// Package inference guesses the subcommand when the user omits it.
package inference

import (
	"slices"
	"strings"

	"github.com/opreg/opreg/internal/domain/unit"
)

// InferCommand returns "run" and the position to insert it at when the first
// positional argument looks like an operation name rather than a known
// subcommand, so that "opreg-cli calc 3 4" means "opreg-cli run calc 3 4".
// valueFlags lists the flags that consume the following argument.
func InferCommand(args, known, valueFlags []string) (string, int) {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			return "", 0
		}
		if strings.HasPrefix(arg, "-") {
			if !strings.Contains(arg, "=") && slices.Contains(valueFlags, arg) {
				i++
			}
			continue
		}

		if slices.Contains(known, arg) || unit.ValidateName(arg) != nil {
			return "", 0
		}
		return "run", i
	}
	return "", 0
}
