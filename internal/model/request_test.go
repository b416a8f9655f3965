package model

import (
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"
)

func newTestRequest(t *testing.T, fields map[string]any) *Request {
	t.Helper()
	r := NewRequest()
	for field, value := range fields {
		if _, err := r.Set(field, value); err != nil {
			t.Fatalf("Set(%s) err=%v", field, err)
		}
	}
	return r
}

func TestRequestRunsNormalization(t *testing.T) {
	r := newTestRequest(t, nil)
	stored, err := r.Set("runs", []any{5, 5, 3, 5})
	if err != nil {
		t.Fatalf("Set(runs) err=%v", err)
	}
	want := []any{5, 3}
	if !reflect.DeepEqual(stored, want) {
		t.Fatalf("runs=%v, want %v", stored, want)
	}

	// normalizing twice equals normalizing once
	again, err := r.Set("runs", stored)
	if err != nil {
		t.Fatalf("Set(runs) err=%v", err)
	}
	if !reflect.DeepEqual(again, want) {
		t.Fatalf("runs=%v after re-set, want %v", again, want)
	}
}

func TestRequestRunsCoercion(t *testing.T) {
	r := newTestRequest(t, nil)
	stored, err := r.Set("runs", []any{float64(100), "200"})
	if err != nil {
		t.Fatalf("Set(runs) err=%v", err)
	}
	want := []any{100, 200}
	if !reflect.DeepEqual(stored, want) {
		t.Fatalf("runs=%v, want %v", stored, want)
	}

	if _, err := r.Set("runs", []any{0}); err == nil {
		t.Fatalf("expected validation error for non-positive run")
	}
	if _, err := r.Set("runs", []any{"not-a-run"}); err == nil {
		t.Fatalf("expected validation error for non-numeric run")
	}
}

func TestRequestPriorityValidation(t *testing.T) {
	r := newTestRequest(t, map[string]any{"priority": 20000})
	_, err := r.Set("priority", 500)
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("Set(priority) err=%v, want ValidationError", err)
	}
	value, _ := r.Get("priority")
	if value != 20000 {
		t.Fatalf("priority=%v, want previous value 20000", value)
	}
}

func TestRequestFieldValidators(t *testing.T) {
	r := newTestRequest(t, nil)
	cases := []struct {
		field string
		good  any
		bad   any
	}{
		{"cmssw_release", "CMSSW_12_4_0", "NotARelease"},
		{"input_dataset", "/XYDataset/Run2024A-v1/RECO", "no-slashes"},
		{"prepid", "ReReco-Run2024A-00001", strings.Repeat("x", 101)},
		{"status", "approved", "finished"},
		{"step", "MiniAOD", "MegaAOD"},
		{"energy", 13.6, -1.0},
		{"size_per_event", 2.5, 0.0},
		{"time_per_event", 0.5, -0.5},
		{"memory", 4000, -1},
	}
	for _, tc := range cases {
		if _, err := r.Set(tc.field, tc.good); err != nil {
			t.Fatalf("Set(%s, %v) err=%v", tc.field, tc.good, err)
		}
		if _, err := r.Set(tc.field, tc.bad); err == nil {
			t.Fatalf("Set(%s, %v) expected validation error", tc.field, tc.bad)
		}
	}
}

func TestSequenceName(t *testing.T) {
	r := newTestRequest(t, map[string]any{
		"prepid": "ABC-123",
		"sequences": []any{
			map[string]any{"era": "Run3"},
			map[string]any{"era": "Run3"},
			map[string]any{"era": "Run3"},
		},
	})
	if got := r.SequenceName(0); got != "ABC-123_0" {
		t.Fatalf("SequenceName(0)=%q, want ABC-123_0", got)
	}
	if got := r.SequenceName(1); got != "ABC-123_1" {
		t.Fatalf("SequenceName(1)=%q, want ABC-123_1", got)
	}
	if got := r.SequenceName(2); got != "ABC-123" {
		t.Fatalf("SequenceName(2)=%q, want ABC-123", got)
	}
}

func TestBuildCmsDriver_Format(t *testing.T) {
	r := newTestRequest(t, nil)
	got := r.BuildCmsDriver("RECO", map[string]any{
		"beta":  "2",
		"alpha": "1",
		"flag":  true,
		"off":   false,
		"empty": "",
		"zero":  0,
		"list":  []any{"a", "b"},
		"none":  nil,
	})
	want := "# Arguments for RECO:\n" +
		"# --alpha 1\n" +
		"# --beta 2\n" +
		"# --flag\n" +
		"# --list a,b\n" +
		"\n" +
		"# Command for RECO:\n" +
		"cmsDriver.py RECO --alpha 1 --beta 2 --flag --list a,b"
	if got != want {
		t.Fatalf("BuildCmsDriver()=\n%s\nwant\n%s", got, want)
	}
}

func TestBuildCmsDriver_OrderIndependentOfInput(t *testing.T) {
	r := newTestRequest(t, nil)
	a := r.BuildCmsDriver("RECO", map[string]any{"x": "1", "a": "2", "m": "3"})
	b := r.BuildCmsDriver("RECO", map[string]any{"m": "3", "x": "1", "a": "2"})
	if a != b {
		t.Fatalf("output depends on input map order:\n%s\nvs\n%s", a, b)
	}
	if !strings.HasSuffix(a, "cmsDriver.py RECO --a 2 --m 3 --x 1") {
		t.Fatalf("arguments not in lexicographic order: %s", a)
	}
}

func TestCmsDriver_SingleSequence(t *testing.T) {
	r := newTestRequest(t, map[string]any{
		"prepid":        "ABC-123",
		"input_dataset": "/X/Y/Z",
		"sequences": []any{
			map[string]any{
				"conditions": "124X_dataRun3_v1",
				"era":        "Run3",
				"step":       []any{"RAW2DIGI", "RECO"},
			},
		},
	})
	got, err := r.CmsDriver(0, "")
	if err != nil {
		t.Fatalf("CmsDriver() err=%v", err)
	}
	if strings.Contains(got, "HARVESTING") {
		t.Fatalf("unexpected harvesting command:\n%s", got)
	}
	for _, fragment := range []string{
		`--filein "dbs:/X/Y/Z"`,
		`--fileout "file:ABC-123.root"`,
		`--python_filename "ABC-123_0_cfg.py"`,
		"--data",
		"--no_exec",
		"--runUnscheduled",
		"--step RAW2DIGI,RECO",
	} {
		if !strings.Contains(got, fragment) {
			t.Fatalf("missing %q in:\n%s", fragment, got)
		}
	}
	if !strings.Contains(got, "cmsDriver.py RECO") {
		t.Fatalf("missing command line in:\n%s", got)
	}
}

func TestCmsDriver_TwoSequencesChainFiles(t *testing.T) {
	r := newTestRequest(t, map[string]any{
		"prepid":        "ABC-123",
		"input_dataset": "/X/Y/Z",
		"sequences": []any{
			map[string]any{"era": "Run3", "step": []any{"RAW2DIGI", "RECO"}},
			map[string]any{"era": "Run3", "step": []any{"PAT"}},
		},
	})

	first, err := r.CmsDriver(0, "")
	if err != nil {
		t.Fatalf("CmsDriver(0) err=%v", err)
	}
	if !strings.Contains(first, `--fileout "file:ABC-123_0.root"`) {
		t.Fatalf("sequence 0 fileout wrong:\n%s", first)
	}

	second, err := r.CmsDriver(1, "")
	if err != nil {
		t.Fatalf("CmsDriver(1) err=%v", err)
	}
	if !strings.Contains(second, `--filein "file:ABC-123_0.root"`) {
		t.Fatalf("sequence 1 filein not wired to sequence 0 output:\n%s", second)
	}
	if !strings.Contains(second, `--fileout "file:ABC-123.root"`) {
		t.Fatalf("last sequence fileout must drop index suffix:\n%s", second)
	}
}

func TestCmsDriver_OverwriteInput(t *testing.T) {
	r := newTestRequest(t, map[string]any{
		"prepid":        "ABC-123",
		"input_dataset": "/X/Y/Z",
		"sequences":     []any{map[string]any{"era": "Run3"}},
	})
	got, err := r.CmsDriver(0, `"file:custom.root"`)
	if err != nil {
		t.Fatalf("CmsDriver() err=%v", err)
	}
	if !strings.Contains(got, `--filein "file:custom.root"`) {
		t.Fatalf("overwrite input ignored:\n%s", got)
	}
	if strings.Contains(got, "dbs:") {
		t.Fatalf("dataset input must not appear with overwrite:\n%s", got)
	}
}

func TestCmsDriver_HarvestingInjection(t *testing.T) {
	r := newTestRequest(t, map[string]any{
		"prepid":        "ABC-123",
		"input_dataset": "/X/Y/Z",
		"sequences": []any{
			map[string]any{
				"conditions": "124X_dataRun3_v1",
				"era":        "Run3,extra",
				"scenario":   "pp",
				"step":       []any{"RAW2DIGI", "RECO", "DQM:dqmHarvesting"},
			},
		},
	})
	got, err := r.CmsDriver(0, "")
	if err != nil {
		t.Fatalf("CmsDriver() err=%v", err)
	}
	blocks := strings.Split(got, "\n\n")
	if len(blocks) < 2 {
		t.Fatalf("expected harvesting block appended:\n%s", got)
	}
	harvest := blocks[len(blocks)-1]
	for _, fragment := range []string{
		"cmsDriver.py HARVESTING",
		"--step HARVESTING:dqmHarvesting",
		"--era Run3",
		"--conditions 124X_dataRun3_v1",
		"--scenario pp",
		`--filein "file:ABC-123_inDQM.root"`,
		`--python_filename "ABC-123_harvest_cfg.py"`,
	} {
		if !strings.Contains(harvest, fragment) {
			t.Fatalf("missing %q in harvesting block:\n%s", fragment, harvest)
		}
	}
	if strings.Contains(harvest, "--era Run3,extra") {
		t.Fatalf("era must keep only the first token:\n%s", harvest)
	}
}

func TestCmsDriver_HarvestingFirstMatchWins(t *testing.T) {
	r := newTestRequest(t, map[string]any{
		"prepid":        "ABC-123",
		"input_dataset": "/X/Y/Z",
		"sequences": []any{
			map[string]any{
				"conditions": "COND",
				"era":        "Run3",
				"scenario":   "pp",
				"step":       []any{"DQM", "DQM:other"},
			},
		},
	})
	got, err := r.CmsDriver(0, "")
	if err != nil {
		t.Fatalf("CmsDriver() err=%v", err)
	}
	if !strings.Contains(got, "--step HARVESTING\n") && !strings.Contains(got, "--step HARVESTING ") {
		t.Fatalf("bare DQM must map to HARVESTING:\n%s", got)
	}
	if strings.Contains(got, "HARVESTING:other") {
		t.Fatalf("only the first DQM entry determines the label:\n%s", got)
	}
}

func TestCmsDriver_HarvestingMissingArguments(t *testing.T) {
	r := newTestRequest(t, map[string]any{
		"prepid":        "ABC-123",
		"input_dataset": "/X/Y/Z",
		"sequences": []any{
			map[string]any{
				"conditions": "COND",
				"scenario":   "pp",
				"step":       []any{"DQM"},
			},
		},
	})
	_, err := r.CmsDriver(0, "")
	var pipelineErr *PipelineError
	if !errors.As(err, &pipelineErr) {
		t.Fatalf("CmsDriver() err=%v, want PipelineError", err)
	}
	if !strings.Contains(pipelineErr.Reason, "era") {
		t.Fatalf("PipelineError.Reason=%q, want era mentioned", pipelineErr.Reason)
	}
}

func TestCmsDriver_IndexOutOfRange(t *testing.T) {
	r := newTestRequest(t, map[string]any{
		"prepid":    "ABC-123",
		"sequences": []any{map[string]any{"era": "Run3"}},
	})
	for _, index := range []int{-1, 1, 5} {
		_, err := r.CmsDriver(index, "")
		var pipelineErr *PipelineError
		if !errors.As(err, &pipelineErr) {
			t.Fatalf("CmsDriver(%d) err=%v, want PipelineError", index, err)
		}
	}
}

func TestCmsDriver_Deterministic(t *testing.T) {
	r := newTestRequest(t, map[string]any{
		"prepid":        "ABC-123",
		"input_dataset": "/X/Y/Z",
		"sequences": []any{
			map[string]any{
				"conditions": "COND",
				"era":        "Run3",
				"scenario":   "pp",
				"step":       []any{"RAW2DIGI", "RECO", "DQM"},
			},
		},
	})
	first, err := r.CmsDriver(0, "")
	if err != nil {
		t.Fatalf("CmsDriver() err=%v", err)
	}
	second, err := r.CmsDriver(0, "")
	if err != nil {
		t.Fatalf("CmsDriver() err=%v", err)
	}
	if first != second {
		t.Fatalf("repeated compilation differs:\n%s\nvs\n%s", first, second)
	}
}

func TestStatusTransitions(t *testing.T) {
	r := newTestRequest(t, nil)
	want := []string{StatusApproved, StatusSubmitting, StatusSubmitted, StatusDone}
	for _, expected := range want {
		got, err := r.NextStatus()
		if err != nil {
			t.Fatalf("NextStatus() err=%v", err)
		}
		if got != expected {
			t.Fatalf("NextStatus()=%q, want %q", got, expected)
		}
	}
	if _, err := r.NextStatus(); err == nil {
		t.Fatalf("expected error moving past %q", StatusDone)
	}

	got, err := r.PreviousStatus()
	if err != nil {
		t.Fatalf("PreviousStatus() err=%v", err)
	}
	if got != StatusSubmitted {
		t.Fatalf("PreviousStatus()=%q, want %q", got, StatusSubmitted)
	}
}

func TestAddHistory(t *testing.T) {
	r := newTestRequest(t, nil)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r.AddHistory("create", "pdmvserv", now)
	r.AddHistory("update", "pdmvserv", now.Add(time.Hour))

	value, _ := r.Get("history")
	entries, _ := value.([]any)
	if len(entries) != 2 {
		t.Fatalf("history has %d entries, want 2", len(entries))
	}
	first, _ := entries[0].(map[string]any)
	if first["action"] != "create" || first["user"] != "pdmvserv" {
		t.Fatalf("unexpected first history entry: %v", first)
	}
	if first["time"] != "2026-03-01T12:00:00Z" {
		t.Fatalf("unexpected history time: %v", first["time"])
	}
}

func TestCMSSWSetup(t *testing.T) {
	r := newTestRequest(t, map[string]any{"cmssw_release": "CMSSW_12_4_0"})
	setup := r.CMSSWSetup()
	for _, fragment := range []string{
		"source /cvmfs/cms.cern.ch/cmsset_default.sh",
		"scram p CMSSW CMSSW_12_4_0",
		"cd CMSSW_12_4_0/src",
		"eval `scram runtime -sh`",
	} {
		if !strings.Contains(setup, fragment) {
			t.Fatalf("missing %q in setup:\n%s", fragment, setup)
		}
	}
}
