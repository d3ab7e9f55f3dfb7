package output

import (
	"encoding/json"

	"gopkg.in/yaml.v3"

	"github.com/gridlane/gridlane/internal/core"
	"github.com/gridlane/gridlane/internal/core/gridstatus"
	"github.com/gridlane/gridlane/internal/core/pipeline"
)

// JSONFormatter renders output as JSON.
type JSONFormatter struct {
	Indent bool
}

func (f *JSONFormatter) marshal(v any) (string, error) {
	var (
		data []byte
		err  error
	)

	if f.Indent {
		data, err = json.MarshalIndent(v, "", "  ")
	} else {
		data, err = json.Marshal(v)
	}
	if err != nil {
		return "", err
	}

	return string(data), nil
}

func (f *JSONFormatter) FormatResult(result core.Result) (string, error) {
	return f.marshal(result)
}

func (f *JSONFormatter) FormatStats(stats pipeline.Stats) (string, error) {
	return f.marshal(stats)
}

func (f *JSONFormatter) FormatSnapshots(snaps []core.Snapshot) (string, error) {
	if snaps == nil {
		snaps = []core.Snapshot{}
	}
	return f.marshal(snaps)
}

func (f *JSONFormatter) FormatCatalog(endpoints []gridstatus.EndpointInfo) (string, error) {
	return f.marshal(endpoints)
}

// YAMLFormatter renders output as YAML. Values pass through their JSON form
// first so raw upstream payloads come out as YAML structures, not bytes.
type YAMLFormatter struct{}

func (f *YAMLFormatter) marshal(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return "", err
	}
	out, err := yaml.Marshal(generic)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (f *YAMLFormatter) FormatResult(result core.Result) (string, error) {
	return f.marshal(result)
}

func (f *YAMLFormatter) FormatStats(stats pipeline.Stats) (string, error) {
	return f.marshal(stats)
}

func (f *YAMLFormatter) FormatSnapshots(snaps []core.Snapshot) (string, error) {
	if snaps == nil {
		snaps = []core.Snapshot{}
	}
	return f.marshal(snaps)
}

func (f *YAMLFormatter) FormatCatalog(endpoints []gridstatus.EndpointInfo) (string, error) {
	return f.marshal(endpoints)
}
