package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	flag "github.com/spf13/pflag"
)

// Command is one dpictl subcommand.
//
// Help output is generated from Usage, Short, Long and Flags, so every
// command documents itself the same way.
type Command struct {
	// Flags are the command's own flags. Global flags (-C, -c, --log-level)
	// are consumed by Run before the command sees its arguments.
	Flags *flag.FlagSet

	// Usage follows "dpictl" in help, starting with the command name, e.g.
	// "read <ns> <name> [flags]".
	Usage string

	// Args is the exact number of positional arguments. Commands that take
	// none reject any.
	Args int

	// Short is the line shown in the command listing.
	Short string

	// Long replaces Short in "dpictl <cmd> --help" when set.
	Long string

	// Exec runs with the positional arguments left after flag parsing.
	Exec func(ctx context.Context, o *IO, args []string) error
}

// Name is the first word of Usage.
func (c *Command) Name() string {
	name, _, _ := strings.Cut(c.Usage, " ")

	return name
}

// synopsis is Usage without the trailing flags marker, used in usage errors.
func (c *Command) synopsis() string {
	return strings.TrimSuffix(c.Usage, " [flags]")
}

// HelpLine formats the command for the listing printed by "dpictl --help".
func (c *Command) HelpLine() string {
	return fmt.Sprintf("  %-22s %s", c.Usage, c.Short)
}

// PrintHelp writes "dpictl <cmd> --help" to o's stdout.
func (c *Command) PrintHelp(o *IO) {
	o.Println("Usage: dpictl", c.Usage)
	o.Println()

	if c.Long != "" {
		o.Println(c.Long)
	} else {
		o.Println(c.Short)
	}

	if c.Flags == nil || !c.Flags.HasFlags() {
		return
	}

	var buf strings.Builder

	c.Flags.SetOutput(&buf)
	c.Flags.PrintDefaults()

	o.Println()
	o.Println("Flags:")
	o.Printf("%s", buf.String())
}

// Run parses args, checks the positional count and calls Exec. Errors are
// printed to stderr here so they always come before the command's help. The
// exit code is 1 on error or when warnings were printed.
func (c *Command) Run(ctx context.Context, o *IO, args []string) int {
	// pflag prints its own errors otherwise.
	c.Flags.SetOutput(&strings.Builder{})

	if err := c.Flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			c.PrintHelp(o)

			return 0
		}

		o.ErrPrintln("error:", err)
		o.ErrPrintln()
		c.PrintHelp(o)

		return 1
	}

	pos := c.Flags.Args()
	if len(pos) != c.Args {
		o.ErrPrintln("error:", fmt.Errorf("%w: %s", ErrUsage, c.synopsis()))

		return 1
	}

	if err := c.Exec(ctx, o, pos); err != nil {
		o.ErrPrintln("error:", err)

		return 1
	}

	return o.Finish()
}
