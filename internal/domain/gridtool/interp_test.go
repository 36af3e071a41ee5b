package gridtool

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeCSV(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func salesDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeCSV(t, dir, "sales.csv",
		"region,product,amount\nnorth,widget,10\nnorth,gadget,5\nsouth,widget,7\nsouth,gadget,3\n")
	writeCSV(t, dir, "regions.csv",
		"region,manager\nnorth,ava\nsouth,bo\n")
	return dir
}

func run(t *testing.T, dir, script string) (string, string) {
	t.Helper()
	return Run(script, dir, ErrorModeHelpful)
}

func TestLoadShow(t *testing.T) {
	out, errText := run(t, salesDir(t), "LOAD \"sales.csv\"\nSHOW 2")
	if errText != "" {
		t.Fatalf("Run error = %q", errText)
	}
	want := "region,product,amount\nnorth,widget,10\nnorth,gadget,5"
	if out != want {
		t.Fatalf("output = %q, want %q", out, want)
	}
}

func TestShowEmptyWithoutLoad(t *testing.T) {
	out, errText := run(t, salesDir(t), "SHOW")
	if errText != "" || out != "(empty)" {
		t.Fatalf("output = %q / %q, want (empty)", out, errText)
	}
}

func TestUnknownCommandSuggestsGridName(t *testing.T) {
	_, errText := run(t, salesDir(t), "SELECT region FROM sales")
	want := "ERROR at line 1: Unknown command 'SELECT'. Did you mean 'PICK'?"
	if errText != want {
		t.Fatalf("error = %q, want %q", errText, want)
	}
}

func TestUnknownCommandListsAll(t *testing.T) {
	_, errText := run(t, salesDir(t), "FROBNICATE x")
	want := "ERROR at line 1: Unknown command 'FROBNICATE'. Valid commands: DERIVE, KEEP, LOAD, MERGE, PICK, RANK, SHOW, TALLY, TOSS"
	if errText != want {
		t.Fatalf("error = %q, want %q", errText, want)
	}
}

func TestLoadRequiresQuotedPath(t *testing.T) {
	_, errText := run(t, salesDir(t), "LOAD sales.csv")
	want := `ERROR at line 1: LOAD path must be quoted. Use: LOAD "filename.csv"`
	if errText != want {
		t.Fatalf("error = %q, want %q", errText, want)
	}
}

func TestKeepRejectsSymbolOperator(t *testing.T) {
	_, errText := run(t, salesDir(t), "LOAD \"sales.csv\"\nKEEP amount > 5")
	want := "ERROR at line 2: KEEP requires word operator (eq/neq/gt/lt/gte/lte), got '>'"
	if errText != want {
		t.Fatalf("error = %q, want %q", errText, want)
	}
}

func TestKeepFiltersNumeric(t *testing.T) {
	out, errText := run(t, salesDir(t), "LOAD \"sales.csv\"\nKEEP amount gt 5\nPICK product,amount\nSHOW")
	if errText != "" {
		t.Fatalf("Run error = %q", errText)
	}
	want := "product,amount\nwidget,10\nwidget,7"
	if out != want {
		t.Fatalf("output = %q, want %q", out, want)
	}
}

func TestTossInvertsFilter(t *testing.T) {
	out, errText := run(t, salesDir(t), "LOAD \"sales.csv\"\nTOSS region eq \"north\"\nPICK region\nSHOW")
	if errText != "" {
		t.Fatalf("Run error = %q", errText)
	}
	if out != "region\nsouth\nsouth" {
		t.Fatalf("output = %q", out)
	}
}

func TestTallyArrowSyntax(t *testing.T) {
	out, errText := run(t, salesDir(t),
		"LOAD \"sales.csv\"\nTALLY region -> total=sum(amount), n=count(product)\nSHOW")
	if errText != "" {
		t.Fatalf("Run error = %q", errText)
	}
	want := "region,total,n\nnorth,15.0,2\nsouth,10.0,2"
	if out != want {
		t.Fatalf("output = %q, want %q", out, want)
	}
}

func TestTallyWithoutArrowFails(t *testing.T) {
	_, errText := run(t, salesDir(t), "LOAD \"sales.csv\"\nTALLY region total=sum(amount)")
	want := "ERROR at line 2: TALLY syntax: TALLY group_col -> alias=func(agg_col). Got invalid format."
	if errText != want {
		t.Fatalf("error = %q, want %q", errText, want)
	}
}

func TestTallyUppercaseFunctionRejected(t *testing.T) {
	_, errText := run(t, salesDir(t), "LOAD \"sales.csv\"\nTALLY region -> total=SUM(amount)")
	want := "ERROR at line 2: Unknown function 'SUM'. Use lowercase: sum"
	if errText != want {
		t.Fatalf("error = %q, want %q", errText, want)
	}
}

func TestTallyMissingCommaDetected(t *testing.T) {
	_, errText := run(t, salesDir(t), "LOAD \"sales.csv\"\nTALLY region -> a=sum(amount) b=count(product)")
	if !strings.Contains(errText, "TALLY: unexpected text after 'a=sum(amount)'") {
		t.Fatalf("error = %q", errText)
	}
	if !strings.Contains(errText, "Separate multiple aggregations with commas") {
		t.Fatalf("error = %q", errText)
	}
}

func TestRankDirectionWordsOnly(t *testing.T) {
	_, errText := run(t, salesDir(t), "LOAD \"sales.csv\"\nRANK amount up")
	want := "ERROR at line 2: RANK direction must be 'asc' or 'desc', got 'up'"
	if errText != want {
		t.Fatalf("error = %q, want %q", errText, want)
	}
}

func TestRankDescNumeric(t *testing.T) {
	out, errText := run(t, salesDir(t), "LOAD \"sales.csv\"\nRANK amount desc\nPICK amount\nSHOW")
	if errText != "" {
		t.Fatalf("Run error = %q", errText)
	}
	if out != "amount\n10\n7\n5\n3" {
		t.Fatalf("output = %q", out)
	}
}

func TestDeriveArithmetic(t *testing.T) {
	out, errText := run(t, salesDir(t), "LOAD \"sales.csv\"\nDERIVE doubled = amount * 2\nPICK product,doubled\nSHOW 1")
	if errText != "" {
		t.Fatalf("Run error = %q", errText)
	}
	if out != "product,doubled\nwidget,20.0" {
		t.Fatalf("output = %q", out)
	}
}

func TestDeriveDivisionByZeroYieldsZero(t *testing.T) {
	out, errText := run(t, salesDir(t), "LOAD \"sales.csv\"\nDERIVE ratio = amount / 0\nPICK ratio\nSHOW 1")
	if errText != "" {
		t.Fatalf("Run error = %q", errText)
	}
	if out != "ratio\n0" {
		t.Fatalf("output = %q", out)
	}
}

func TestDeriveUnknownColumn(t *testing.T) {
	_, errText := run(t, salesDir(t), "LOAD \"sales.csv\"\nDERIVE x = missing + 1")
	want := "ERROR at line 2: Column 'missing' not found. Available: region, product, amount"
	if errText != want {
		t.Fatalf("error = %q, want %q", errText, want)
	}
}

func TestMergeOnColumn(t *testing.T) {
	out, errText := run(t, salesDir(t),
		"LOAD \"sales.csv\"\nKEEP product eq \"widget\"\nMERGE \"regions.csv\" ON region\nPICK region,amount,manager\nSHOW")
	if errText != "" {
		t.Fatalf("Run error = %q", errText)
	}
	want := "region,amount,manager\nnorth,10,ava\nsouth,7,bo"
	if out != want {
		t.Fatalf("output = %q, want %q", out, want)
	}
}

func TestMergeUnquotedPathFails(t *testing.T) {
	_, errText := run(t, salesDir(t), "LOAD \"sales.csv\"\nMERGE regions.csv ON region")
	want := `ERROR at line 2: MERGE path must be quoted. Use: MERGE "file.csv" ON column`
	if errText != want {
		t.Fatalf("error = %q, want %q", errText, want)
	}
}

func TestPipelineRequiresData(t *testing.T) {
	_, errText := run(t, salesDir(t), "KEEP amount gt 5")
	if errText != "ERROR at line 1: KEEP requires data. Use LOAD first." {
		t.Fatalf("error = %q", errText)
	}
}

func TestColumnNotFoundListsAvailable(t *testing.T) {
	_, errText := run(t, salesDir(t), "LOAD \"sales.csv\"\nKEEP price gt 5")
	want := "ERROR at line 2: Column 'price' not found. Available: region, product, amount"
	if errText != want {
		t.Fatalf("error = %q, want %q", errText, want)
	}
}

func TestCommentsAndBlankLinesSkipped(t *testing.T) {
	out, errText := run(t, salesDir(t), "# load the data\n\nLOAD \"sales.csv\"\nSHOW 1")
	if errText != "" {
		t.Fatalf("Run error = %q", errText)
	}
	if out != "region,product,amount\nnorth,widget,10" {
		t.Fatalf("output = %q", out)
	}
}

func TestCrypticModeStripsHints(t *testing.T) {
	dir := salesDir(t)
	_, errText := Run("LOAD \"sales.csv\"\nTALLY region total=sum(amount)", dir, ErrorModeCryptic)
	if errText != "ERROR at line 2: TALLY: syntax error." {
		t.Fatalf("error = %q", errText)
	}
	_, errText = Run("LOAD \"sales.csv\"\nKEEP price gt 5", dir, ErrorModeCryptic)
	if errText != "ERROR at line 2: Column 'price' not found." {
		t.Fatalf("error = %q", errText)
	}
	_, errText = Run("LOAD \"missing.csv\"", dir, ErrorModeCryptic)
	if errText != "ERROR at line 1: File not found." {
		t.Fatalf("error = %q", errText)
	}
}

func TestSemiHelpfulModeHintsWithoutAnswers(t *testing.T) {
	dir := salesDir(t)
	_, errText := Run("LOAD \"sales.csv\"\nTALLY region total=sum(amount)", dir, ErrorModeSemiHelpful)
	if errText != "ERROR at line 2: TALLY: expected arrow operator '->' after group column." {
		t.Fatalf("error = %q", errText)
	}
	_, errText = Run("SELECT 1", dir, ErrorModeSemiHelpful)
	if errText != "ERROR at line 1: Unknown command 'SELECT'. This is not SQL — gridtool has its own command names." {
		t.Fatalf("error = %q", errText)
	}
	_, errText = Run("LOAD \"sales.csv\"\nKEEP amount > 5", dir, ErrorModeSemiHelpful)
	if errText != "ERROR at line 2: KEEP: operators must be words (like 'eq'), not symbols." {
		t.Fatalf("error = %q", errText)
	}
}

func TestPyFloatFormatting(t *testing.T) {
	cases := []struct {
		in   float64
		want string
	}{
		{15, "15.0"},
		{7.5, "7.5"},
		{0, "0.0"},
		{2.5e21, "2.5e+21"},
	}
	for _, tc := range cases {
		if got := pyFloat(tc.in); got != tc.want {
			t.Fatalf("pyFloat(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
