package enumerate

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mgarcia/boeingest/internal/model"
)

func TestIsELIURL(t *testing.T) {
	if !IsELIURL("https://www.boe.es/eli/es/l/2020/01/01/1") {
		t.Fatalf("expected ELI URL to be recognized")
	}
	if IsELIURL("https://www.boe.es/diario_boe/xml.php?id=BOE-A-2020-1") {
		t.Fatalf("non-ELI URL should not be recognized")
	}
	if IsELIURL("") {
		t.Fatalf("empty string should not be recognized")
	}
}

func TestBuildConsolidatedIDURL(t *testing.T) {
	got := BuildConsolidatedIDURL("DOC-1", "")
	want := legisAPI + "/id/DOC-1"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
	got = BuildConsolidatedIDURL("DOC-1", "full")
	if got != want {
		t.Fatalf("part=full should behave like empty part, got %q", got)
	}
	got = BuildConsolidatedIDURL("DOC-1", "texto")
	if got != want+"/texto" {
		t.Fatalf("got %q, want %q", got, want+"/texto")
	}
}

func TestBuildCatalogURLAddsDateWindowAndLimit(t *testing.T) {
	if got, want := BuildCatalogURL("", ""), legisAPI+"?limit=-1"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
	if got, want := BuildCatalogURL("20260101", ""), legisAPI+"?from=20260101&limit=-1"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
	if got, want := BuildCatalogURL("20260101", "20260131"), legisAPI+"?from=20260101&to=20260131&limit=-1"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestBuildSumarioURL(t *testing.T) {
	got := BuildSumarioURL("20260104")
	want := sumarioAPI + "/20260104"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestNormalizeFecha(t *testing.T) {
	got, err := NormalizeFecha("20260115")
	if err != nil || got != "20260115" {
		t.Fatalf("NormalizeFecha(YYYYMMDD) = %q, %v", got, err)
	}
	got, err = NormalizeFecha("15-01-2026")
	if err != nil || got != "20260115" {
		t.Fatalf("NormalizeFecha(DD-MM-YYYY) = %q, %v", got, err)
	}
	if _, err := NormalizeFecha("not-a-date"); err == nil {
		t.Fatalf("expected error for invalid fecha")
	}
}

func TestBuildConsolidatedTargetsFiltersNonELIAndAllowList(t *testing.T) {
	items := []CatalogItem{
		{Identificador: "DOC-1", URLELI: "https://www.boe.es/eli/es/l/2020/01/01/1"},
		{Identificador: "DOC-2", URLELI: "https://www.boe.es/eli/es/l/2020/02/02/2"},
		{Identificador: "DOC-3", URLELI: "https://example.com/not-eli"},
		{Identificador: "", URLELI: "https://www.boe.es/eli/es/l/2020/03/03/3"},
	}

	all := BuildConsolidatedTargets(items, "", nil, model.FormatXML, "consolidada_id")
	if len(all) != 2 {
		t.Fatalf("len(all) = %d, want 2 (non-ELI and empty-id entries dropped)", len(all))
	}

	wanted := map[string]struct{}{"https://www.boe.es/eli/es/l/2020/02/02/2": {}}
	filtered := BuildConsolidatedTargets(items, "", wanted, model.FormatXML, "consolidada_id")
	if len(filtered) != 1 || filtered[0].Key != "https://www.boe.es/eli/es/l/2020/02/02/2" {
		t.Fatalf("filtered = %+v, want only DOC-2", filtered)
	}
}

func TestBuildSumarioTargetsKeysByEmbeddedBOEID(t *testing.T) {
	urls := []string{
		"/diario_boe/xml.php?id=BOE-A-2026-1",
		"https://www.boe.es/diario_boe/xml.php?id=BOE-A-2026-2",
	}
	targets := BuildSumarioTargets(urls, model.FormatXML, "sumario_item")
	if len(targets) != 2 {
		t.Fatalf("len(targets) = %d, want 2", len(targets))
	}
	if targets[0].Key != "BOE-A-2026-1" {
		t.Fatalf("targets[0].Key = %q, want BOE-A-2026-1", targets[0].Key)
	}
	if !strings.HasPrefix(targets[0].URL, base) {
		t.Fatalf("relative URL should be made absolute, got %q", targets[0].URL)
	}
}

func TestExtractSumarioItemURLsIgnoresNamespacePrefix(t *testing.T) {
	xmlDoc := []byte(`<sumario xmlns:a="urn:test"><item><a:url_xml>https://www.boe.es/x/1</a:url_xml></item><item><url_xml>https://www.boe.es/x/1</url_xml></item><item><url_xml>  https://www.boe.es/x/2  </url_xml></item></sumario>`)
	urls := ExtractSumarioItemURLs(xmlDoc)
	want := []string{"https://www.boe.es/x/1", "https://www.boe.es/x/2"}
	if len(urls) != len(want) {
		t.Fatalf("urls = %v, want %v", urls, want)
	}
	for i := range want {
		if urls[i] != want[i] {
			t.Fatalf("urls[%d] = %q, want %q", i, urls[i], want[i])
		}
	}
}

func TestExtractSumarioItemURLsFallsBackToRegexOnMalformedXML(t *testing.T) {
	malformed := []byte(`<sumario><item><url_xml>https://www.boe.es/y/1</url_xml></item>`) // missing closing tag
	urls := ExtractSumarioItemURLs(malformed)
	if len(urls) != 1 || urls[0] != "https://www.boe.es/y/1" {
		t.Fatalf("urls = %v, want one regex-recovered URL", urls)
	}
}

func TestLoadELIFilterReturnsNilForEmptyPath(t *testing.T) {
	wanted, err := LoadELIFilter("")
	if err != nil || wanted != nil {
		t.Fatalf("LoadELIFilter(\"\") = %v, %v, want nil, nil", wanted, err)
	}
}

func TestLoadELIFilterReadsNewlineDelimitedEntries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "allow.txt")
	content := "https://www.boe.es/eli/es/l/2020/01/01/1\n\nhttps://www.boe.es/eli/es/l/2020/02/02/2\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	wanted, err := LoadELIFilter(path)
	if err != nil {
		t.Fatalf("LoadELIFilter: %v", err)
	}
	if len(wanted) != 2 {
		t.Fatalf("len(wanted) = %d, want 2", len(wanted))
	}
}

func TestExtractBOEIDsFromSumarioSchemaWalksNestedStructure(t *testing.T) {
	data := map[string]any{
		"sumario": map[string]any{
			"diario": map[string]any{
				"seccion": []any{
					map[string]any{
						"departamento": []any{
							map[string]any{
								"epigrafe": []any{
									map[string]any{
										"item": []any{
											map[string]any{"id": "BOE-A-2026-100"},
											map[string]any{"identificador": "BOE-A-2026-101"},
											map[string]any{"id": "not-a-boe-id"},
										},
									},
								},
							},
						},
					},
				},
			},
		},
	}
	ids := ExtractBOEIDsFromSumarioSchema(data)
	want := []string{"BOE-A-2026-100", "BOE-A-2026-101"}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ids[%d] = %q, want %q", i, ids[i], want[i])
		}
	}
}
