package main

import (
	clay "github.com/go-go-golems/clay/pkg"
	geppettosections "github.com/go-go-golems/geppetto/pkg/sections"
	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/logging"
	"github.com/go-go-golems/glazed/pkg/help"
	help_cmd "github.com/go-go-golems/glazed/pkg/help/cmd"
	"github.com/spf13/cobra"

	server_cmds "github.com/go-go-golems/feedbackstream/cmd/feedback-server/cmds"
)

var rootCmd = &cobra.Command{
	Use:   "feedback-server",
	Short: "Streams prompt feedback to chat clients, with resumable streams",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logging.InitLoggerFromCobra(cmd)
	},
}

func main() {
	if err := clay.InitGlazed("feedbackstream", rootCmd); err != nil {
		cobra.CheckErr(err)
	}

	helpSystem := help.NewHelpSystem()
	help_cmd.SetupCobraRootCommand(helpSystem, rootCmd)

	serve, err := server_cmds.NewServeCommand()
	cobra.CheckErr(err)
	serveCmd, err := cli.BuildCobraCommand(serve, cli.WithCobraMiddlewaresFunc(geppettosections.GetCobraCommandGeppettoMiddlewares))
	cobra.CheckErr(err)
	rootCmd.AddCommand(serveCmd)

	request, err := server_cmds.NewRequestCommand()
	cobra.CheckErr(err)
	resume, err := server_cmds.NewResumeCommand()
	cobra.CheckErr(err)
	streams, err := server_cmds.NewStreamsCommand()
	cobra.CheckErr(err)
	seed, err := server_cmds.NewSeedCommand()
	cobra.CheckErr(err)

	for _, c := range []cmds.Command{request, resume, streams, seed} {
		command, err := cli.BuildCobraCommand(c)
		cobra.CheckErr(err)
		rootCmd.AddCommand(command)
	}

	cobra.CheckErr(rootCmd.Execute())
}
