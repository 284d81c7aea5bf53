package config

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueyaml "cuelang.org/go/encoding/yaml"
)

// configSchema is the CUE contract the raw YAML document must satisfy before
// it is decoded. The definitions are closed, so unknown keys (usually typos)
// are rejected with a position-carrying error instead of being silently
// ignored by the YAML decoder.
const configSchema = `
#Duration: string & =~"^(0|-?([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+)$"

#Loki: {
	enabled?: bool
	url?:     string
	labels?: [string]: string
}

#Logging: {
	level?:  string
	format?: "json" | "text"
	loki?:   #Loki
}

#Telemetry: {
	enabled?:  bool
	provider?: string
}

#Storage: {
	uri?:          string
	database?:     string
	collection?:   string
	dial_timeout?: #Duration
}

#Pages: {
	revalidate?:     #Duration
	sweep_interval?: #Duration
	workers?:        int & >=0
	snapshot_path?:  string
	template_dir?:   string
	site_name?:      string
	visibility?:     string
}

#Preview: {
	secret?: string
	ttl?:    #Duration
}

#Admin: {
	revalidate_secret?: string
}

#Config: {
	name?:       string
	listen?:     string
	hot_reload?: bool
	logging?:    #Logging
	telemetry?:  #Telemetry
	storage?:    #Storage
	pages?:      #Pages
	preview?:    #Preview
	admin?:      #Admin
}
`

// validateSchema checks the raw YAML document against the embedded CUE
// schema. The path is only used for error positions.
func validateSchema(path string, raw []byte) error {
	cctx := cuecontext.New()
	schema := cctx.CompileString(configSchema)
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	file, err := cueyaml.Extract(path, raw)
	if err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	doc := cctx.BuildFile(file)
	if err := doc.Err(); err != nil {
		return fmt.Errorf("build config document: %w", err)
	}

	unified := schema.LookupPath(cue.ParsePath("#Config")).Unify(doc)
	if err := unified.Validate(); err != nil {
		return fmt.Errorf("config %s: %w", path, err)
	}
	return nil
}
