package cli

import "errors"

// Command-line errors.
var (
	ErrFlagRequiresArg = errors.New("flag requires an argument")
	ErrUnknownFlag     = errors.New("unknown flag")
	ErrUnknownCommand  = errors.New("unknown command")
	ErrUsage           = errors.New("usage")
)
