// Package enumerate builds download targets from the two BOE entry
// points spec §4.G names: the consolidated-legislation catalog (JSON) and
// the daily sumario index (XML). Both accept an optional date window and,
// for the catalog, an ELI allow-list.
//
// Grounded on boe_downloader_parsing.py (extract_sumario_item_urls,
// extract_boe_ids_from_sumario_schema) and boe_downloader_eli.py
// (build_consolidated_targets, build_sumario_targets, is_eli_url,
// build_consolidated_id_url, normalize_fecha, load_eli_filter).
package enumerate

import (
	"bufio"
	"bytes"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/mgarcia/boeingest/internal/model"
)

const (
	base       = "https://www.boe.es"
	legisAPI   = base + "/datosabiertos/api/legislacion-consolidada"
	sumarioAPI = base + "/datosabiertos/api/boe/sumario"
)

var boeIDRe = regexp.MustCompile(`BOE-[A-Z]-\d{4}-\d+`)

func uniquePreserveOrder(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// IsELIURL reports whether url points at a BOE ELI resource.
func IsELIURL(url string) bool {
	return strings.HasPrefix(strings.TrimSpace(url), base+"/eli/")
}

// BuildConsolidatedIDURL builds the consolidated-legislation API URL for
// a document identifier. part == "" or "full" addresses the whole
// resource; any other value addresses that sub-part (e.g. "texto").
func BuildConsolidatedIDURL(docID, part string) string {
	u := fmt.Sprintf("%s/id/%s", legisAPI, docID)
	if part != "" && part != "full" {
		return u + "/" + part
	}
	return u
}

// BuildCatalogURL builds the consolidated-legislation catalog list URL,
// optionally windowed by sinceFrom/sinceTo (YYYYMMDD, either may be empty).
func BuildCatalogURL(sinceFrom, sinceTo string) string {
	if sinceFrom == "" && sinceTo == "" {
		return legisAPI + "?limit=-1"
	}
	q := ""
	if sinceFrom != "" {
		q += "from=" + sinceFrom + "&"
	}
	if sinceTo != "" {
		q += "to=" + sinceTo + "&"
	}
	return legisAPI + "?" + q + "limit=-1"
}

// BuildSumarioURL builds the daily sumario XML URL for fecha (YYYYMMDD).
func BuildSumarioURL(fecha string) string {
	return sumarioAPI + "/" + fecha
}

// NormalizeFecha accepts either DD-MM-YYYY or YYYYMMDD and returns
// YYYYMMDD.
func NormalizeFecha(value string) (string, error) {
	v := strings.TrimSpace(value)
	if matched, _ := regexp.MatchString(`^\d{8}$`, v); matched {
		return v, nil
	}
	if matched, _ := regexp.MatchString(`^\d{2}-\d{2}-\d{4}$`, v); matched {
		parts := strings.Split(v, "-")
		return parts[2] + parts[1] + parts[0], nil
	}
	return "", fmt.Errorf("enumerate: fecha must be DD-MM-YYYY or YYYYMMDD, got %q", value)
}

// CatalogItem is one entry of the consolidated-legislation JSON catalog.
type CatalogItem struct {
	Identificador string `json:"identificador"`
	URLELI        string `json:"url_eli"`
}

// ParseCatalog decodes a consolidated-legislation catalog JSON payload
// shaped as a bare array of items.
func ParseCatalog(r io.Reader) ([]CatalogItem, error) {
	var items []CatalogItem
	if err := json.NewDecoder(r).Decode(&items); err != nil {
		return nil, fmt.Errorf("enumerate: decode catalog: %w", err)
	}
	return items, nil
}

// LoadELIFilter reads an optional newline-delimited ELI allow-list file.
// A nil map (not an error) means "no filter" — every item passes.
func LoadELIFilter(path string) (map[string]struct{}, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("enumerate: open eli filter: %w", err)
	}
	defer f.Close()

	wanted := make(map[string]struct{})
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			wanted[line] = struct{}{}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("enumerate: read eli filter: %w", err)
	}
	return wanted, nil
}

// BuildConsolidatedTargets turns catalog items into download targets,
// skipping entries without a usable ELI identifier and, when wanted is
// non-nil, anything not present in the allow-list.
func BuildConsolidatedTargets(items []CatalogItem, part string, wanted map[string]struct{}, format model.Format, sourceKind string) []model.Target {
	targets := make([]model.Target, 0, len(items))
	for _, it := range items {
		if it.Identificador == "" || !IsELIURL(it.URLELI) {
			continue
		}
		eli := strings.TrimSpace(it.URLELI)
		if wanted != nil {
			if _, ok := wanted[eli]; !ok {
				continue
			}
		}
		targets = append(targets, model.Target{
			Key:        eli,
			URL:        BuildConsolidatedIDURL(it.Identificador, part),
			Format:     format,
			SourceKind: sourceKind,
		})
	}
	return targets
}

// BuildSumarioTargets turns a list of item URLs (already extracted from a
// daily sumario XML) into download targets, keyed by the embedded BOE id
// when present, falling back to the URL itself.
func BuildSumarioTargets(urls []string, format model.Format, sourceKind string) []model.Target {
	targets := make([]model.Target, 0, len(urls))
	for _, u := range urls {
		abs := u
		if strings.HasPrefix(abs, "/") {
			abs = base + abs
		}
		key := abs
		if m := boeIDRe.FindString(abs); m != "" {
			key = m
		}
		targets = append(targets, model.Target{Key: key, URL: abs, Format: format, SourceKind: sourceKind})
	}
	return targets
}

// sumarioURLFallbackRe is the regex fallback used when the sumario XML
// cannot be parsed as well-formed XML (spec §4.G edge case).
var sumarioURLFallbackRe = regexp.MustCompile(`(?s)<url_xml>(.*?)</url_xml>`)

// ExtractSumarioItemURLs pulls every <url_xml> element's text out of a
// BOE sumario XML payload, matching by local name so namespace prefixes
// don't matter, and falling back to a regex scan if the payload doesn't
// parse as XML at all.
func ExtractSumarioItemURLs(xmlBytes []byte) []string {
	urls, err := extractViaXML(xmlBytes)
	if err == nil {
		return uniquePreserveOrder(urls)
	}
	var out []string
	for _, m := range sumarioURLFallbackRe.FindAllStringSubmatch(string(xmlBytes), -1) {
		if t := strings.TrimSpace(m[1]); t != "" {
			out = append(out, t)
		}
	}
	return uniquePreserveOrder(out)
}

func extractViaXML(data []byte) ([]string, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	var urls []string
	var capturing bool
	var buf strings.Builder
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "url_xml" {
				capturing = true
				buf.Reset()
			}
		case xml.CharData:
			if capturing {
				buf.Write(t)
			}
		case xml.EndElement:
			if t.Name.Local == "url_xml" && capturing {
				capturing = false
				if text := strings.TrimSpace(buf.String()); text != "" {
					urls = append(urls, text)
				}
			}
		}
	}
	return urls, nil
}

// ExtractBOEIDsFromSumarioSchema walks a decoded sumario JSON document's
// nested seccion/departamento/epigrafe/item arrays for BOE identifiers.
// Used by consumers that fetch the JSON sumario instead of the XML one.
func ExtractBOEIDsFromSumarioSchema(data map[string]any) []string {
	var ids []string
	sumario, _ := data["sumario"].(map[string]any)
	diario, _ := sumario["diario"].(map[string]any)
	for _, seccionRaw := range asSlice(diario["seccion"]) {
		seccion, _ := seccionRaw.(map[string]any)
		for _, deptRaw := range asSlice(seccion["departamento"]) {
			dept, _ := deptRaw.(map[string]any)
			for _, epiRaw := range asSlice(dept["epigrafe"]) {
				epi, _ := epiRaw.(map[string]any)
				for _, itemRaw := range asSlice(epi["item"]) {
					item, _ := itemRaw.(map[string]any)
					id, _ := item["id"].(string)
					if id == "" {
						id, _ = item["identificador"].(string)
					}
					if strings.HasPrefix(id, "BOE-") {
						ids = append(ids, id)
					}
				}
			}
		}
	}
	return ids
}

func asSlice(v any) []any {
	s, _ := v.([]any)
	return s
}
