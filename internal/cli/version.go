package cli

import (
	"context"
	"runtime"

	flag "github.com/spf13/pflag"
)

// Version is set at build time with -ldflags "-X ...cli.Version=v1.2.3".
var Version = "dev"

// VersionCmd returns the version command.
func VersionCmd() *Command {
	return &Command{
		Flags: flag.NewFlagSet("version", flag.ContinueOnError),
		Usage: "version",
		Short: "Print version information",
		Exec: func(_ context.Context, io *IO, _ []string) error {
			io.Printf("dpictl %s (%s %s/%s)\n", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)

			return nil
		},
	}
}
