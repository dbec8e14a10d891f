package main

import (
	"github.com/alecthomas/kong"

	"github.com/goscsi/goscsi/pkg/cmdutil"
)

const (
	programName = "scsictl"
	programDesc = "SCSI target emulator management client"
)

func main() {
	ctx := kong.Parse(&cli,
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.NamedMapper("accessiblefile", cmdutil.AccessibleFileMapper()),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	err := ctx.Run(&context{})
	ctx.FatalIfErrorf(err)
}
