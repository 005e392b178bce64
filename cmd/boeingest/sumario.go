package main

import (
	"regexp"

	"github.com/spf13/cobra"

	"github.com/mgarcia/boeingest/internal/enumerate"
	"github.com/mgarcia/boeingest/internal/model"
)

type sumarioFlags struct {
	fecha    string
	manifest string
}

var sumario sumarioFlags

var fechaRe = regexp.MustCompile(`^\d{8}$`)

// newSumarioCmd builds the `sumario` subcommand: download one day's
// sumario index and every item XML it lists (spec §6, grounded on
// cmd_sumario in boe_downloader_eli.py).
func newSumarioCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sumario",
		Short: "Download one day's sumario and the item XML it lists",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSumario(cmd)
		},
	}

	f := cmd.Flags()
	f.StringVar(&sumario.fecha, "fecha", "", "date, YYYYMMDD (required)")
	f.StringVar(&sumario.manifest, "manifest-name", "manifest_sumario.jsonl", "manifest JSONL filename under index/")
	return cmd
}

func runSumario(cmd *cobra.Command) error {
	if sumario.fecha == "" || !fechaRe.MatchString(sumario.fecha) {
		return newConfigError("--fecha must be YYYYMMDD, got %q", sumario.fecha)
	}

	ctx := cmd.Context()
	rc, err := newRuntime(ctx)
	if err != nil {
		return err
	}

	xmlBytes, err := fetchOnce(ctx, rc, enumerate.BuildSumarioURL(sumario.fecha), "application/xml")
	if err != nil {
		return err
	}
	urls := enumerate.ExtractSumarioItemURLs(xmlBytes)
	targets := enumerate.BuildSumarioTargets(urls, model.FormatXML, "sumario_item")

	return run("sumario", "application/xml", sumario.manifest, targets, rc)
}
