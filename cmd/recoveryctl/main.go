package main

import (
	"os"

	"github.com/alecthomas/kingpin/v2"

	"github.com/byteness/mfa-recovery/cli"
)

// Version is provided at compile time
var Version = "dev"

func main() {
	app := kingpin.New("recoveryctl", "Operator tooling for MFA recovery and administrative overrides")
	app.Version(Version)

	r := cli.ConfigureGlobals(app)

	// Identity commands
	cli.ConfigureWhoamiCommand(app, r)

	// Recovery request commands
	cli.ConfigureRecoveryCommands(app, r)

	// Override commands
	cli.ConfigureOverrideCommands(app, r)

	// Temporary access commands
	cli.ConfigureAccessCommands(app, r)

	// Audit commands
	cli.ConfigureAuditCommands(app, r)

	// Config commands
	cli.ConfigureConfigCommands(app, r)

	// Infrastructure commands
	cli.ConfigureInitCommands(app, r)

	kingpin.MustParse(app.Parse(os.Args[1:]))
}
