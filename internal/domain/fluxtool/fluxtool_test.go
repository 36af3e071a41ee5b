package fluxtool

import (
	"os"
	"path/filepath"
	"testing"

	"cortex/internal/domain"
	"cortex/internal/domain/gridtool"
)

func salesDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	data := "region,product,amount\nnorth,widget,10\nnorth,gadget,5\nsouth,widget,7\nsouth,gadget,3\n"
	if err := os.WriteFile(filepath.Join(dir, "sales.csv"), []byte(data), 0644); err != nil {
		t.Fatalf("write sales.csv: %v", err)
	}
	return dir
}

func TestTranslateScript(t *testing.T) {
	cases := []struct {
		name string
		flux string
		grid string
	}{
		{"import", `IMPORT "sales.csv"`, `LOAD "sales.csv"`},
		{"filter word op", "FILTER amount above 5", "KEEP amount gt 5"},
		{"exclude", "EXCLUDE region is north", "TOSS region eq north"},
		{"group arrow", "GROUP region => total=sum(amount)", "TALLY region -> total=sum(amount)"},
		{"sort direction", "SORT amount down", "RANK amount desc"},
		{"columns", "COLUMNS region,amount", "PICK region,amount"},
		{"compute walrus", "COMPUTE doubled := amount * 2", "DERIVE doubled = amount * 2"},
		{"attach by", `ATTACH "regions.csv" BY region`, `MERGE "regions.csv" ON region`},
		{"display", "DISPLAY 3", "SHOW 3"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := TranslateScript(tc.flux)
			if err != nil {
				t.Fatalf("TranslateScript(%q) error = %v", tc.flux, err)
			}
			if got != tc.grid {
				t.Fatalf("TranslateScript(%q) = %q, want %q", tc.flux, got, tc.grid)
			}
		})
	}
}

func TestTranslateUnknownCommand(t *testing.T) {
	_, err := TranslateScript("SELECT region")
	want := "ERROR at line 1: Unknown command 'SELECT'. Valid commands: ATTACH, COLUMNS, COMPUTE, DISPLAY, EXCLUDE, FILTER, GROUP, IMPORT, SORT"
	if err == nil || err.Error() != want {
		t.Fatalf("error = %v, want %q", err, want)
	}
}

func TestTranslateUnknownOperator(t *testing.T) {
	_, err := TranslateScript("IMPORT \"sales.csv\"\nFILTER amount gt 5")
	want := "ERROR at line 2: FILTER unknown operator 'gt'. Valid: above, atleast, atmost, below, is, isnt"
	if err == nil || err.Error() != want {
		t.Fatalf("error = %v, want %q", err, want)
	}
}

func TestTranslateSortDirectionWords(t *testing.T) {
	_, err := TranslateScript("SORT amount desc")
	want := "ERROR at line 1: SORT direction must be 'up' or 'down', got 'desc'"
	if err == nil || err.Error() != want {
		t.Fatalf("error = %v, want %q", err, want)
	}
}

func TestRunPipeline(t *testing.T) {
	out, errText := Run(
		"IMPORT \"sales.csv\"\nGROUP region => total=sum(amount)\nSORT total down\nDISPLAY",
		salesDir(t), gridtool.ErrorModeHelpful, nil)
	if errText != "" {
		t.Fatalf("Run error = %q", errText)
	}
	if out != "region,total\nnorth,15.0\nsouth,10.0" {
		t.Fatalf("output = %q", out)
	}
}

func TestRunErrorsMappedBackToFluxVocabulary(t *testing.T) {
	out, errText := Run("FILTER amount above 5", salesDir(t), gridtool.ErrorModeHelpful, nil)
	if out != "" {
		t.Fatalf("output = %q, want empty", out)
	}
	want := "ERROR at line 1: FILTER requires data. Use IMPORT first."
	if errText != want {
		t.Fatalf("error = %q, want %q", errText, want)
	}
}

func TestRunGroupSyntaxErrorMappedBack(t *testing.T) {
	_, errText := Run("IMPORT \"sales.csv\"\nGROUP region => total=sum amount",
		salesDir(t), gridtool.ErrorModeHelpful, nil)
	want := "ERROR at line 2: GROUP syntax: GROUP group_col => alias=func(agg_col). Got invalid format."
	if errText != want {
		t.Fatalf("error = %q, want %q", errText, want)
	}
}

func TestRunErrorModeMapDegradesPerCommand(t *testing.T) {
	_, errText := Run("IMPORT \"sales.csv\"\nGROUP region => total=sum amount",
		salesDir(t), gridtool.ErrorModeHelpful, map[string]string{"GROUP": "cryptic"})
	if errText != "ERROR at line 2: GROUP: syntax error." {
		t.Fatalf("error = %q", errText)
	}
}

func TestConvertErrorModeMapDropsUnknownCommands(t *testing.T) {
	converted := ConvertErrorModeMap(map[string]string{
		"GROUP":  "cryptic",
		"IMPORT": "semi",
		"BOGUS":  "cryptic",
	})
	if len(converted) != 2 {
		t.Fatalf("converted = %v, want 2 entries", converted)
	}
	if converted["TALLY"] != gridtool.ErrorModeCryptic || converted["LOAD"] != gridtool.ErrorModeSemiHelpful {
		t.Fatalf("converted = %v", converted)
	}
}

func TestMapBackTerms(t *testing.T) {
	in := "TALLY syntax: TALLY group_col -> alias=func(agg_col). RANK column asc"
	got := MapBackTerms(in)
	want := "GROUP syntax: GROUP group_col => alias=func(agg_col). SORT column up"
	if got != want {
		t.Fatalf("MapBackTerms = %q, want %q", got, want)
	}
}

func TestAdapterExecute(t *testing.T) {
	adapter := NewAdapter(Options{})
	workspace, err := adapter.PrepareWorkspace(salesDir(t), t.TempDir())
	if err != nil {
		t.Fatalf("PrepareWorkspace error = %v", err)
	}
	result := adapter.Execute(RunFluxtoolToolName, map[string]any{
		"commands": "IMPORT \"sales.csv\"\nDISPLAY 1",
	}, workspace)
	if result.IsError() {
		t.Fatalf("Execute error = %q", result.Error)
	}
	if result.Output != "region,product,amount\nnorth,widget,10" {
		t.Fatalf("output = %q", result.Output)
	}
}

func TestCaptureFinalStateReplaysEvents(t *testing.T) {
	adapter := NewAdapter(Options{})
	workDir := t.TempDir()
	ws := domain.Workspace{WorkDir: workDir}

	if got := adapter.CaptureFinalState(ws); got != "(no events recorded)" {
		t.Fatalf("empty state = %q", got)
	}
	events := `{"tool":"run_fluxtool","ok":true,"output":"first"}` + "\n" +
		`{"tool":"run_fluxtool","ok":false,"error":"boom"}` + "\n" +
		`{"tool":"run_fluxtool","ok":true,"output":"region,total\nnorth,15.0"}` + "\n"
	if err := os.WriteFile(filepath.Join(workDir, "events.jsonl"), []byte(events), 0644); err != nil {
		t.Fatalf("write events: %v", err)
	}
	got := adapter.CaptureFinalState(ws)
	want := "Last successful fluxtool output:\nregion,total\nnorth,15.0"
	if got != want {
		t.Fatalf("state = %q, want %q", got, want)
	}
}

func TestMixedModePreset(t *testing.T) {
	adapter := NewAdapter(Options{Mode: ModeMixed})
	if adapter.modeMap["GROUP"] != "cryptic" || adapter.modeMap["IMPORT"] != "semi" {
		t.Fatalf("mixed preset = %v", adapter.modeMap)
	}
}
