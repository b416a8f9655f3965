package model

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Request lifecycle statuses, in transition order.
const (
	StatusNew        = "new"
	StatusApproved   = "approved"
	StatusSubmitting = "submitting"
	StatusSubmitted  = "submitted"
	StatusDone       = "done"
)

var statusOrder = []string{StatusNew, StatusApproved, StatusSubmitting, StatusSubmitted, StatusDone}

var requestDefinition = Definition{
	Schema: Schema{
		// CMSSW release, e.g. CMSSW_12_4_0
		"cmssw_release": "",
		// Energy in TeV
		"energy": 0.0,
		// Action history
		"history": []any{},
		// Input dataset name
		"input_dataset": "",
		// Memory in MB
		"memory": 2300,
		// User notes
		"notes": "",
		// Datasets produced by the workflows
		"output_datasets": []any{},
		"prepid":          "",
		// Priority in computing
		"priority": 110000,
		// Processing string
		"processing_string": "",
		// Runs to be processed
		"runs": []any{},
		// Ordered cmsDriver option mappings; the order is the pipeline order
		"sequences": []any{},
		// Disk size per event in kB
		"size_per_event": 1.0,
		"status":         StatusNew,
		// Step type: DR, MiniAOD, NanoAOD
		"step":        "DR",
		"subcampaign": "",
		// Time per event in seconds
		"time_per_event": 1.0,
		// Workflows in computing
		"workflows": []any{},
	},
	Validators: map[string]Validator{
		"cmssw_release": Matches("cmssw_release"),
		"energy": func(value any) bool {
			f, ok := asFloat(value)
			return ok && f >= 0
		},
		"input_dataset": Matches("dataset"),
		"memory": func(value any) bool {
			n, ok := asInt(value)
			return ok && n >= 0
		},
		"prepid": Matches("prepid"),
		"priority": func(value any) bool {
			n, ok := asInt(value)
			return ok && n >= 1000 && n <= 1000000
		},
		"processing_string": Matches("processing_string"),
		"size_per_event": func(value any) bool {
			f, ok := asFloat(value)
			return ok && f > 0
		},
		"status": In(statusOrder...),
		"step":   In("DR", "MiniAOD", "NanoAOD"),
		"subcampaign": func(value any) bool {
			s, ok := value.(string)
			return ok && (s == "" || Matches("subcampaign")(s))
		},
		"time_per_event": func(value any) bool {
			f, ok := asFloat(value)
			return ok && f > 0
		},
	},
	Each: map[string]Validator{
		"runs": func(value any) bool {
			n, ok := asInt(value)
			return ok && n > 0
		},
	},
	Normalize: normalizeRequestField,
}

// Request is a single step of the processing pipeline: one prepid, its
// metadata and an ordered list of cmsDriver sequence configurations.
type Request struct {
	*Document
}

func NewRequest() *Request {
	return &Request{Document: New(requestDefinition)}
}

func LoadRequest(raw map[string]any) (*Request, error) {
	doc, err := Load(requestDefinition, raw)
	if err != nil {
		return nil, err
	}
	return &Request{Document: doc}, nil
}

// normalizeRequestField runs before validation on every Set. Runs are
// deduplicated preserving first occurrence and coerced to int;
// sequences are checked element-wise against the sequence schema.
func normalizeRequestField(field string, value any) (any, error) {
	switch field {
	case "runs":
		items, ok := anyList(value)
		if !ok {
			return nil, &ValidationError{Field: field, Value: value}
		}
		seen := make(map[int]struct{}, len(items))
		runs := make([]any, 0, len(items))
		for _, item := range items {
			run, ok := runNumber(item)
			if !ok {
				return nil, &ValidationError{Field: field, Value: item}
			}
			if _, dup := seen[run]; dup {
				continue
			}
			seen[run] = struct{}{}
			runs = append(runs, run)
		}
		return runs, nil
	case "sequences":
		items, ok := anyList(value)
		if !ok {
			return nil, &ValidationError{Field: field, Value: value}
		}
		for _, item := range items {
			raw, ok := item.(map[string]any)
			if !ok {
				return nil, &ValidationError{Field: field, Value: item}
			}
			if _, err := LoadSequenceConfig(raw); err != nil {
				return nil, err
			}
		}
		return items, nil
	}
	return value, nil
}

func sequenceString(sequence *SequenceConfig, field string) string {
	value, err := sequence.Get(field)
	if err != nil {
		return ""
	}
	s, _ := value.(string)
	return s
}

func anyList(value any) ([]any, bool) {
	switch list := value.(type) {
	case []any:
		return list, true
	case []int:
		out := make([]any, len(list))
		for i, item := range list {
			out[i] = item
		}
		return out, true
	case []string:
		out := make([]any, len(list))
		for i, item := range list {
			out[i] = item
		}
		return out, true
	case []map[string]any:
		out := make([]any, len(list))
		for i, item := range list {
			out[i] = item
		}
		return out, true
	}
	return nil, false
}

func runNumber(value any) (int, bool) {
	if n, ok := asInt(value); ok {
		return n, true
	}
	if s, ok := value.(string); ok {
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err == nil {
			return n, true
		}
	}
	return 0, false
}

func (r *Request) PrepID() string {
	return r.getString("prepid")
}

func (r *Request) Status() string {
	return r.getString("status")
}

// NextStatus advances the lifecycle by one step and returns the new
// status. Moving past "done" is an error.
func (r *Request) NextStatus() (string, error) {
	return r.moveStatus(1)
}

// PreviousStatus rewinds the lifecycle by one step.
func (r *Request) PreviousStatus() (string, error) {
	return r.moveStatus(-1)
}

func (r *Request) moveStatus(direction int) (string, error) {
	current := r.Status()
	for i, status := range statusOrder {
		if status != current {
			continue
		}
		next := i + direction
		if next < 0 || next >= len(statusOrder) {
			return "", fmt.Errorf("cannot move status %q further", current)
		}
		if _, err := r.Set("status", statusOrder[next]); err != nil {
			return "", err
		}
		return statusOrder[next], nil
	}
	return "", fmt.Errorf("unknown status %q", current)
}

// AddHistory appends an action entry to the document's history field.
func (r *Request) AddHistory(action, user string, now time.Time) {
	history, _ := r.Get("history")
	entries, _ := history.([]any)
	entries = append(entries, map[string]any{
		"action": action,
		"user":   user,
		"time":   now.UTC().Format(time.RFC3339),
	})
	_, _ = r.Set("history", entries)
}

func (r *Request) getString(field string) string {
	value, err := r.Get(field)
	if err != nil {
		return ""
	}
	s, _ := value.(string)
	return s
}

func (r *Request) sequenceList() []any {
	value, err := r.Get("sequences")
	if err != nil {
		return nil
	}
	list, _ := value.([]any)
	return list
}

// SequenceName returns the canonical output file base name for the
// sequence at the given index: "{prepid}_{index}" for every sequence
// except the last, bare prepid for the last. The producing step's
// fileout and the consuming step's filein both derive from here.
func (r *Request) SequenceName(index int) string {
	prepid := r.PrepID()
	if index != len(r.sequenceList())-1 {
		return fmt.Sprintf("%s_%d", prepid, index)
	}
	return prepid
}

// BuildCmsDriver renders one cmsDriver command from an argument
// mapping: a #-commented argument listing followed by the command
// line. Arguments are emitted in lexicographic key order so the output
// is byte-identical across calls. Falsy values are dropped, boolean
// true becomes a bare flag, lists join on commas.
func (r *Request) BuildCmsDriver(kind string, arguments map[string]any) string {
	command := fmt.Sprintf("# Command for %s:\ncmsDriver.py %s", kind, kind)
	comment := fmt.Sprintf("# Arguments for %s:\n", kind)

	keys := make([]string, 0, len(arguments))
	for key := range arguments {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := arguments[key]
		if falsy(value) {
			continue
		}
		token := strings.TrimRight(fmt.Sprintf("--%s %s", key, argumentText(value)), " ")
		command += " " + token
		comment += "# " + token + "\n"
	}

	return comment + "\n" + command
}

func falsy(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case bool:
		return !v
	case string:
		return v == ""
	case int:
		return v == 0
	case int64:
		return v == 0
	case float64:
		return v == 0
	case []any:
		return len(v) == 0
	case []string:
		return len(v) == 0
	}
	return false
}

func argumentText(value any) string {
	switch v := value.(type) {
	case bool:
		// true survived the falsy filter; emit as a bare flag
		return ""
	case []any:
		parts := make([]string, len(v))
		for i, item := range v {
			parts[i] = fmt.Sprint(item)
		}
		return strings.Join(parts, ",")
	case []string:
		return strings.Join(v, ",")
	default:
		return fmt.Sprint(v)
	}
}

// CmsDriver compiles the cmsDriver command text for the sequence at
// the given index. The input file is resolved from overwriteInput, the
// request's input dataset (index 0) or the previous sequence's
// canonical output file. A harvesting command is appended when the
// sequence's step list contains a DQM entry.
func (r *Request) CmsDriver(index int, overwriteInput string) (string, error) {
	sequences := r.sequenceList()
	if index < 0 || index >= len(sequences) {
		return "", &PipelineError{Index: index, Reason: fmt.Sprintf("index out of range, request has %d sequences", len(sequences))}
	}
	raw, ok := sequences[index].(map[string]any)
	if !ok {
		return "", &PipelineError{Index: index, Reason: "sequence is not a mapping"}
	}
	sequence, err := LoadSequenceConfig(raw)
	if err != nil {
		return "", err
	}

	arguments := make(map[string]any, len(raw)+6)
	for key, value := range raw {
		if key == fieldConfigID || key == fieldHarvestingConfigID {
			continue
		}
		arguments[key] = value
	}

	switch {
	case overwriteInput != "":
		arguments["filein"] = overwriteInput
	case index == 0:
		arguments["filein"] = fmt.Sprintf(`"dbs:%s"`, r.getString("input_dataset"))
	default:
		arguments["filein"] = fmt.Sprintf(`"file:%s.root"`, r.SequenceName(index-1))
	}

	name := r.SequenceName(index)
	arguments["fileout"] = fmt.Sprintf(`"file:%s.root"`, name)
	arguments["python_filename"] = fmt.Sprintf(`"%s_%d_cfg.py"`, r.PrepID(), index)
	arguments["data"] = true
	arguments["no_exec"] = true
	arguments["runUnscheduled"] = true

	command := r.BuildCmsDriver("RECO", arguments)

	step, needsHarvest := sequence.HarvestingStep()
	if !needsHarvest {
		return command, nil
	}

	conditions := sequenceString(sequence, "conditions")
	era := sequenceString(sequence, "era")
	scenario := sequenceString(sequence, "scenario")
	if conditions == "" {
		return "", &PipelineError{Index: index, Reason: "harvesting requires conditions"}
	}
	if era == "" {
		return "", &PipelineError{Index: index, Reason: "harvesting requires era"}
	}
	if scenario == "" {
		return "", &PipelineError{Index: index, Reason: "harvesting requires scenario"}
	}

	harvesting := map[string]any{
		"conditions":      conditions,
		"step":            step,
		"era":             strings.SplitN(era, ",", 2)[0],
		"scenario":        scenario,
		"data":            true,
		"no_exec":         true,
		"filein":          fmt.Sprintf(`"file:%s_inDQM.root"`, name),
		"python_filename": fmt.Sprintf(`"%s_harvest_cfg.py"`, name),
	}
	return command + "\n\n" + r.BuildCmsDriver("HARVESTING", harvesting), nil
}

// CMSSWSetup returns the shell lines that provision and enter the
// request's CMSSW release area.
func (r *Request) CMSSWSetup() string {
	release := r.getString("cmssw_release")
	commands := []string{
		"source /cvmfs/cms.cern.ch/cmsset_default.sh",
		fmt.Sprintf("if [ -r %s/src ] ; then", release),
		fmt.Sprintf("  echo %s already exist", release),
		"else",
		fmt.Sprintf("  scram p CMSSW %s", release),
		"fi",
		fmt.Sprintf("cd %s/src", release),
		"eval `scram runtime -sh`",
		"cd ../..",
	}
	return strings.Join(commands, "\n")
}
