package main

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cert-padua/n6pipe/internal/anonymizer"
)

type ruleDoc struct {
	// Org, when empty, makes this a subsource-wide default applied to any
	// org without a more specific entry of its own.
	Org           string   `yaml:"org"`
	Source        string   `yaml:"source"`
	DropFields    []string `yaml:"drop_fields"`
	MaskAddresses bool     `yaml:"mask_addresses"`
}

// loadRules parses a YAML document of the form:
//
//	- org: client-a
//	  source: example.scanning
//	  drop_fields: [fqdn]
//	  mask_addresses: true
//	- source: example.scanning   # applies to every org without its own entry
//	  mask_addresses: true
func loadRules(path string) (anonymizer.Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var docs []ruleDoc
	if err := yaml.Unmarshal(data, &docs); err != nil {
		return nil, err
	}
	rules := make(anonymizer.Rules, len(docs))
	for _, d := range docs {
		rules[anonymizer.Key{Org: d.Org, Source: d.Source}] = anonymizer.Rule{DropFields: d.DropFields, MaskAddresses: d.MaskAddresses}
	}
	return rules, nil
}
