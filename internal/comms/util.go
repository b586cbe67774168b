package comms

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/pflag"

	"github.com/semabot/semabot/internal/semaphore"
)

// runArgs is a parsed run command.
type runArgs struct {
	Positional []string
	Tags       string
	Arguments  string
}

// parseRunArgs parses "[project_id] [template_id] [--tags=..] [--arguments=..]".
func parseRunArgs(args []string) (*runArgs, error) {
	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	tags := fs.String("tags", "", "comma separated ansible tags")
	arguments := fs.String("arguments", "", "extra CLI arguments")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 2 {
		return nil, fmt.Errorf("too many arguments")
	}

	return &runArgs{
		Positional: fs.Args(),
		Tags:       strings.TrimSpace(*tags),
		Arguments:  strings.TrimSpace(*arguments),
	}, nil
}

// parseIDs parses every arg as a positive id.
func parseIDs(args []string) ([]int, error) {
	ids := make([]int, 0, len(args))
	for _, a := range args {
		id, err := semaphore.ParseID(a)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func plural(n int, one, many string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, one)
	}
	return fmt.Sprintf("%d %s", n, many)
}
