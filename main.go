package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "expresso-wa",
	Short: "Multi-session WhatsApp REST gateway",
	RunE:  runServe,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noStore, "no-store", false, "do not keep received messages")
	rootCmd.PersistentFlags().BoolVar(&noReply, "no-reply", false, "do not answer incoming messages")
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("Command failed")
	}
}
