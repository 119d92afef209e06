package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/alecthomas/kingpin/v2"

	recoveryconfig "github.com/byteness/mfa-recovery/config"
)

// ConfigCommandInput contains the input for the config commands.
type ConfigCommandInput struct {
	File       string
	JSONOutput bool

	// Loader is an optional loader for testing "config show" against SSM.
	// If nil, an SSM loader is created from AWS config.
	Loader recoveryconfig.Loader

	Stdout *os.File
	Stderr *os.File
}

// ConfigureConfigCommands sets up the config command group.
func ConfigureConfigCommands(app *kingpin.Application, r *Recoveryctl) {
	group := app.Command("config", "Validate and inspect recovery configuration")

	validate := ConfigCommandInput{}
	cmd := group.Command("validate", "Validate a configuration file and report warnings")
	cmd.Arg("file", "Configuration YAML file").Required().ExistingFileVar(&validate.File)
	cmd.Flag("json", "Output in JSON format").BoolVar(&validate.JSONOutput)
	cmd.Action(func(c *kingpin.ParseContext) error {
		app.FatalIfError(ConfigValidateCommand(context.Background(), validate), "config validate")
		return nil
	})

	show := ConfigCommandInput{}
	cmd = group.Command("show", "Print the effective configuration as YAML")
	cmd.Action(func(c *kingpin.ParseContext) error {
		app.FatalIfError(ConfigShowCommand(context.Background(), r, show), "config show")
		return nil
	})
}

// ConfigValidateCommand parses a configuration file. Errors fail the
// command; warnings are printed but do not.
func ConfigValidateCommand(ctx context.Context, input ConfigCommandInput) error {
	stdout, stderr := stdio(input.Stdout, input.Stderr)

	cfg, err := recoveryconfig.Load(input.File)
	if err != nil {
		return FormatErrorWithSuggestionTo(stderr, err)
	}
	result := recoveryconfig.Check(cfg, input.File)

	if input.JSONOutput {
		return writeJSON(stdout, result)
	}
	if len(result.Issues) == 0 {
		fmt.Fprintf(stdout, "%s: valid\n", input.File)
		return nil
	}
	fmt.Fprintf(stdout, "%s: valid with %d warnings\n", input.File, len(result.Issues))
	for _, issue := range result.Issues {
		fmt.Fprintf(stdout, "  [%s] %s: %s\n", issue.Severity, issue.Location, issue.Message)
		if issue.Suggestion != "" {
			fmt.Fprintf(stdout, "      suggestion: %s\n", issue.Suggestion)
		}
	}
	return nil
}

// ConfigShowCommand prints the configuration the CLI would use: --config-file,
// then --config-parameter, then the built-in defaults.
func ConfigShowCommand(ctx context.Context, r *Recoveryctl, input ConfigCommandInput) error {
	stdout, stderr := stdio(input.Stdout, input.Stderr)

	var cfg recoveryconfig.Config
	var err error
	switch {
	case r.ConfigFile != "":
		cfg, err = recoveryconfig.Load(r.ConfigFile)
	case r.ConfigParameter != "":
		loader := input.Loader
		if loader == nil {
			awsCfg, cfgErr := r.AWSConfig(ctx)
			if cfgErr != nil {
				return FormatErrorWithSuggestionTo(stderr, cfgErr)
			}
			loader = recoveryconfig.NewSSMLoader(awsCfg)
		}
		cfg, err = loader.Load(ctx, r.ConfigParameter)
	default:
		cfg = recoveryconfig.Default()
	}
	if err != nil {
		return FormatErrorWithSuggestionTo(stderr, err)
	}

	out, err := recoveryconfig.Marshal(cfg)
	if err != nil {
		return FormatErrorWithSuggestionTo(stderr, err)
	}
	_, err = stdout.Write(out)
	return err
}
