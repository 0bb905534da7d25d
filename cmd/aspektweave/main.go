package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"

	"github.com/PatchLens/go-aspect-weaver/weave"
	"github.com/PatchLens/go-aspect-weaver/weave/cmd"
)

func main() {
	log.SetFlags(log.LstdFlags)

	config, err := cmd.ParseFlags([]cmd.CustomFlag{
		{Name: "loglevel", DefaultValue: "info", Usage: "Log level: debug, info, warn, error", Type: "string"},
	})
	if err != nil {
		log.Fatalf("%s%v", weave.ErrorLogPrefix, err)
	}
	level, err := zerolog.ParseLevel(config.CustomFlags["loglevel"])
	if err != nil {
		log.Fatalf("%s%v", weave.ErrorLogPrefix, err)
	}
	config.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(level).With().Timestamp().Logger()

	engine, err := weave.NewEngine(*config)
	if err != nil {
		log.Fatalf("%s%v", weave.ErrorLogPrefix, err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	report, runErr := engine.Run(ctx)
	stop()
	var journalErr error
	if config.ListJournal {
		journalErr = printJournal(engine.Journal())
	}
	engine.Close()

	if len(config.Assemblies) > 0 {
		printSummary(report)
	}
	if journalErr != nil {
		log.Fatalf("%s%v", weave.ErrorLogPrefix, journalErr)
	} else if runErr != nil {
		log.Fatalf("%s%v", weave.ErrorLogPrefix, runErr)
	}
}

func printSummary(report *weave.Report) {
	if report == nil {
		return
	}
	var warnings int
	for _, count := range report.WarningCounts {
		warnings += count
	}
	woven := len(report.Assemblies) - report.FailedCount - report.SkippedCount
	summary := color.New(color.FgGreen, color.Bold)
	if report.FailedCount > 0 {
		summary = color.New(color.FgRed, color.Bold)
	} else if warnings > 0 {
		summary = color.New(color.FgYellow, color.Bold)
	}
	_, _ = summary.Fprintf(os.Stderr, "%d woven, %d skipped, %d failed: %d methods, %d warnings (%dms)\n",
		woven, report.SkippedCount, report.FailedCount, report.MethodCount, warnings, report.RunDuration)
	for _, ar := range report.Assemblies {
		for _, d := range ar.Warnings {
			_, _ = color.New(color.FgYellow).Fprintln(os.Stdout, d.String())
		}
	}
}

func printJournal(journal *weave.Journal) error {
	records, err := journal.Records()
	if err != nil {
		return err
	}
	header := color.New(color.Bold)
	_, _ = header.Fprintf(os.Stdout, "%d journal records\n", len(records))
	for _, rec := range records {
		_, _ = fmt.Fprintf(os.Stdout, "%s  %-24s %4d methods %3d warnings  %s\n",
			rec.WovenAt.Format(time.DateTime), rec.Assembly, rec.Methods, rec.Warnings, rec.Path)
	}
	return nil
}
