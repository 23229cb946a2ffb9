package manifest

import "encoding/json"

// manifestFile is the on-disk JSON shape of a plugin manifest file.
// Required fields: name, pluginType, entryPoint; everything else is
// optional.
type manifestFile struct {
	Name                string             `json:"name"`
	DisplayName         string             `json:"displayName"`
	PluginType          string             `json:"pluginType"`
	EntryPoint          json.RawMessage    `json:"entryPoint"`
	Communication       *fileCommunication `json:"communication"`
	RefreshIntervalCron string             `json:"refreshIntervalCron"`
	Capabilities        *Capabilities      `json:"capabilities"`
	ConfigSchema        map[string]string  `json:"configSchema"`
}

type fileCommunication struct {
	Protocol  string `json:"protocol"`
	TimeoutMs int    `json:"timeoutMs"`
}

// parseEntryPoint unmarshals either a bare command string or the
// {command, script} object shape, matching real-world manifests where
// simple plugins just write `"entryPoint": "python3 main.py"`.
func parseEntryPoint(raw json.RawMessage) (EntryPoint, error) {
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return EntryPoint{Command: asString}, nil
	}
	var asObject EntryPoint
	if err := json.Unmarshal(raw, &asObject); err != nil {
		return EntryPoint{}, err
	}
	return asObject, nil
}

func (f *manifestFile) toManifest(basePath string) (Manifest, error) {
	if f.Name == "" {
		return Manifest{}, errMissingField("name")
	}
	if f.PluginType == "" {
		return Manifest{}, errMissingField("pluginType")
	}
	if len(f.EntryPoint) == 0 {
		return Manifest{}, errMissingField("entryPoint")
	}
	ep, err := parseEntryPoint(f.EntryPoint)
	if err != nil {
		return Manifest{}, err
	}
	if ep.Command == "" && ep.Script == "" {
		return Manifest{}, errMissingField("entryPoint")
	}

	comm := Communication{Protocol: ProtocolStdio, TimeoutMs: 0}
	if f.Communication != nil {
		comm = Communication{
			Protocol:  Protocol(f.Communication.Protocol),
			TimeoutMs: f.Communication.TimeoutMs,
		}
	}

	var schema map[string]ConfigValueType
	if len(f.ConfigSchema) > 0 {
		schema = make(map[string]ConfigValueType, len(f.ConfigSchema))
		for k, v := range f.ConfigSchema {
			schema[k] = ConfigValueType(v)
		}
	}

	return Manifest{
		Name:                f.Name,
		DisplayName:         f.DisplayName,
		PluginType:          PluginType(f.PluginType),
		EntryPoint:          ep,
		Communication:       comm,
		RefreshIntervalCron: f.RefreshIntervalCron,
		Capabilities:        f.Capabilities,
		ConfigSchema:        schema,
		BasePath:            basePath,
	}, nil
}

type missingFieldError struct{ field string }

func (e *missingFieldError) Error() string { return "missing required field: " + e.field }

func errMissingField(field string) error { return &missingFieldError{field: field} }
