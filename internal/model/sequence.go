package model

import "strings"

// Reserved sequence metadata fields. They identify stored auxiliary
// configuration and are never emitted as cmsDriver arguments.
const (
	fieldConfigID           = "config_id"
	fieldHarvestingConfigID = "harvesting_config_id"
)

var sequenceDefinition = Definition{
	Schema: Schema{
		"conditions":           "",
		"config_id":            "",
		"customise":            "",
		"datatier":             []any{},
		"era":                  "",
		"eventcontent":         []any{},
		"extra":                "",
		"harvesting_config_id": "",
		"nThreads":             1,
		"scenario":             "pp",
		"step":                 []any{},
	},
	Validators: map[string]Validator{
		"nThreads": func(value any) bool {
			n, ok := asInt(value)
			return ok && n >= 1 && n <= 64
		},
		"scenario": In("pp", "cosmics", "nocolliding", "HeavyIons"),
	},
	Each: map[string]Validator{
		"datatier":     In("AOD", "MINIAOD", "NANOAOD", "RECO", "DQMIO", "USER", "ALCARECO"),
		"eventcontent": In("AOD", "MINIAOD", "NANOAOD", "RECO", "DQM", "USER", "ALCARECO"),
		"step":         Matches("sequence_step"),
	},
}

// SequenceConfig is one processing step's cmsDriver options.
type SequenceConfig struct {
	*Document
}

func NewSequenceConfig() *SequenceConfig {
	return &SequenceConfig{Document: New(sequenceDefinition)}
}

func LoadSequenceConfig(raw map[string]any) (*SequenceConfig, error) {
	doc, err := Load(sequenceDefinition, raw)
	if err != nil {
		return nil, err
	}
	return &SequenceConfig{Document: doc}, nil
}

// HarvestingStep returns the harvesting step label derived from the
// first DQM entry of the step list: a bare "DQM" maps to "HARVESTING",
// a "DQM:"-prefixed entry keeps its suffix. The scan stops at the first
// match; later DQM entries never produce a second harvesting command.
func (s *SequenceConfig) HarvestingStep() (string, bool) {
	raw, err := s.Get("step")
	if err != nil {
		return "", false
	}
	steps, _ := raw.([]any)
	for _, item := range steps {
		step, ok := item.(string)
		if !ok {
			continue
		}
		if step == "DQM" {
			return "HARVESTING", true
		}
		if strings.HasPrefix(step, "DQM:") {
			return strings.Replace(step, "DQM:", "HARVESTING:", 1), true
		}
	}
	return "", false
}
