package main

import (
	"bytes"
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mgarcia/boeingest/internal/enumerate"
	"github.com/mgarcia/boeingest/internal/fetch"
	"github.com/mgarcia/boeingest/internal/model"
)

type consolidadaFlags struct {
	part        string
	accept      string
	manifest    string
	fecha       string
	sinceFrom   string
	sinceTo     string
	eliListFile string
}

var consolidada consolidadaFlags

// newConsolidadaCmd builds the `consolidada` subcommand: catalog
// ingestion of consolidated legislation, optionally windowed by date or
// restricted to one day's sumario when --fecha is given (spec §6,
// grounded on cmd_consolidada in boe_downloader_eli.py).
func newConsolidadaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "consolidada",
		Short: "Download consolidated legislation referenced by url_eli",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runConsolidada(cmd.Context())
		},
	}

	f := cmd.Flags()
	f.StringVar(&consolidada.part, "part", "full", "document part: full, metadatos, analisis, metadata-eli, texto, texto/indice")
	f.StringVar(&consolidada.accept, "accept", "application/xml", "Accept header")
	f.StringVar(&consolidada.manifest, "manifest-name", "manifest_consolidada_eli.jsonl", "manifest JSONL filename under index/")
	f.StringVar(&consolidada.fecha, "fecha", "", "single date (DD-MM-YYYY or YYYYMMDD); enumerates that day's sumario items instead of the catalog")
	f.StringVar(&consolidada.sinceFrom, "since-from", "", "filter by update date from YYYYMMDD")
	f.StringVar(&consolidada.sinceTo, "since-to", "", "filter by update date to YYYYMMDD")
	f.StringVar(&consolidada.eliListFile, "allowlist-file", "", "file with one ELI identifier per line; restricts the enumerated set to it")
	return cmd
}

func runConsolidada(ctx context.Context) error {
	hasXML := false
	for _, fm := range common.formats {
		if fm == "xml" {
			hasXML = true
		}
	}
	if !hasXML {
		fmt.Println("warning: consolidada only supports xml in this build")
		return nil
	}

	sinceFrom, sinceTo := consolidada.sinceFrom, consolidada.sinceTo
	if consolidada.fecha != "" {
		if sinceFrom != "" || sinceTo != "" {
			return newConfigError("do not combine --fecha with --since-from/--since-to")
		}
		normalized, err := enumerate.NormalizeFecha(consolidada.fecha)
		if err != nil {
			return newConfigError("%w", err)
		}
		sinceFrom, sinceTo = normalized, normalized
	}

	rc, err := newRuntime(ctx)
	if err != nil {
		return err
	}

	var targets []model.Target
	if consolidada.fecha != "" {
		xmlBytes, err := fetchOnce(ctx, rc, enumerate.BuildSumarioURL(sinceFrom), "application/xml")
		if err != nil {
			return fmt.Errorf("fetch sumario for consolidada window: %w", err)
		}
		urls := enumerate.ExtractSumarioItemURLs(xmlBytes)
		targets = enumerate.BuildSumarioTargets(urls, model.FormatXML, "consolidada_id")
	} else {
		catalogBytes, err := fetchOnce(ctx, rc, enumerate.BuildCatalogURL(sinceFrom, sinceTo), "application/json")
		if err != nil {
			return fmt.Errorf("fetch consolidated catalog: %w", err)
		}
		items, err := enumerate.ParseCatalog(bytes.NewReader(catalogBytes))
		if err != nil {
			return err
		}
		wanted, err := enumerate.LoadELIFilter(consolidada.eliListFile)
		if err != nil {
			return err
		}
		targets = enumerate.BuildConsolidatedTargets(items, consolidada.part, wanted, model.FormatXML, "consolidada_id")
	}

	return run("consolidada", resolveAccept(consolidada.accept, model.FormatXML), consolidada.manifest, targets, rc)
}

// fetchOnce performs a single conditional GET outside the pipeline
// (enumeration fetches aren't per-target work items), returning the
// response body. Used to fetch catalog/sumario payloads ahead of the
// per-document fan-out.
func fetchOnce(ctx context.Context, rc *runtimeComponents, url, accept string) ([]byte, error) {
	target := model.Target{Key: url, URL: url, Format: model.FormatXML, AcceptHeader: accept}
	result, err := rc.fetcher.Fetch(ctx, rc.store, target, fetch.Options{
		Retries:     common.retries,
		BaseDelay:   common.baseDelay,
		CapDelay:    common.capDelay,
		Jitter:      fetch.JitterMode(common.jitter),
		ReturnBytes: true,
		NoCache:     common.noCache,
	})
	if err != nil {
		return nil, err
	}
	if result.Bytes != nil {
		return result.Bytes, nil
	}
	return rc.store.ReadCached(url)
}
