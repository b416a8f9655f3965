// Package subcampaign loads the subcampaign template library. A
// template carries the request fields a subcampaign prescribes, such
// as the CMSSW release, energy, memory and the sequence skeleton. New
// requests created against a subcampaign start from its template.
package subcampaign

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

type UnknownError struct {
	Name string
}

func (e *UnknownError) Error() string {
	return fmt.Sprintf("unknown subcampaign %q", e.Name)
}

type template struct {
	Name    string         `yaml:"name"`
	Request map[string]any `yaml:"request"`
}

type libraryFile struct {
	Subcampaigns []template `yaml:"subcampaigns"`
}

type Library struct {
	templates map[string]map[string]any
}

func Load(path string) (*Library, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read subcampaigns: %w", err)
	}
	return Parse(raw)
}

func Parse(raw []byte) (*Library, error) {
	var file libraryFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse subcampaigns: %w", err)
	}

	templates := make(map[string]map[string]any, len(file.Subcampaigns))
	for _, tpl := range file.Subcampaigns {
		if tpl.Name == "" {
			return nil, fmt.Errorf("subcampaign without a name")
		}
		if _, ok := templates[tpl.Name]; ok {
			return nil, fmt.Errorf("duplicate subcampaign %q", tpl.Name)
		}
		if tpl.Request == nil {
			tpl.Request = map[string]any{}
		}
		templates[tpl.Name] = tpl.Request
	}
	return &Library{templates: templates}, nil
}

func (l *Library) Names() []string {
	names := make([]string, 0, len(l.templates))
	for name := range l.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Apply returns the template fields for the named subcampaign with the
// subcampaign field itself filled in. The returned map is a fresh copy.
func (l *Library) Apply(name string) (map[string]any, error) {
	tpl, ok := l.templates[name]
	if !ok {
		return nil, &UnknownError{Name: name}
	}
	fields := make(map[string]any, len(tpl)+1)
	for key, value := range tpl {
		fields[key] = value
	}
	fields["subcampaign"] = name
	return fields, nil
}
