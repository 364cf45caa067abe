package datamodel

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Step params are stored as versioned JSON blobs on the task record. Older
// versions are upgraded one hop at a time, so adding a version only requires
// one new migration function at the end of the chain.

const StepParamsLatestVersion = 2

// StepParamsV1 is the original shape: a flat bag of string variables plus
// the raw input names.
type StepParamsV1 struct {
	Version   int               `json:"version"`
	Variables map[string]string `json:"variables,omitempty"`
	Inputs    []string          `json:"inputs,omitempty"`
	Outputs   []string          `json:"outputs,omitempty"`
}

// StepParamsV2 replaces the flat input list with named, digested artifacts
// so that cache keys can be computed without loading the artifact bytes.
type StepParamsV2 struct {
	Version   int               `json:"version"`
	Variables map[string]string `json:"variables,omitempty"`
	Inputs    []ArtifactRef     `json:"inputs,omitempty"`
	Outputs   []ArtifactRef     `json:"outputs,omitempty"`
	// TimeoutSec bounds a single attempt on the worker side; 0 means unbounded
	TimeoutSec int `json:"timeoutSec,omitempty"`
}

// ArtifactRef names one input or output artifact together with the digest
// of its content, if already known.
type ArtifactRef struct {
	Name   string `json:"name"`
	Digest string `json:"digest,omitempty"`
	Length int64  `json:"length,omitempty"`
}

// UpgradeStepParamsV1ToV2 lifts a V1 blob one version up. Inputs and outputs
// keep their names; digests stay empty until the artifacts are materialized.
func UpgradeStepParamsV1ToV2(v1 StepParamsV1) StepParamsV2 {
	v2 := StepParamsV2{
		Version:   2,
		Variables: v1.Variables,
	}
	for _, name := range v1.Inputs {
		v2.Inputs = append(v2.Inputs, ArtifactRef{Name: name})
	}
	for _, name := range v1.Outputs {
		v2.Outputs = append(v2.Outputs, ArtifactRef{Name: name})
	}
	return v2
}

// DecodeStepParams parses a params blob of any known version and walks the
// upgrade chain until it reaches the latest shape. A nil or empty blob
// decodes to an empty latest-version struct.
func DecodeStepParams(raw []byte) (StepParamsV2, error) {
	if len(raw) == 0 {
		return StepParamsV2{Version: StepParamsLatestVersion}, nil
	}

	var probe struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return StepParamsV2{}, fmt.Errorf("params blob is not valid JSON: %w", err)
	}

	switch probe.Version {
	case 0, 1:
		var v1 StepParamsV1
		if err := json.Unmarshal(raw, &v1); err != nil {
			return StepParamsV2{}, fmt.Errorf("failed to decode V1 params: %w", err)
		}
		return UpgradeStepParamsV1ToV2(v1), nil
	case 2:
		var v2 StepParamsV2
		if err := json.Unmarshal(raw, &v2); err != nil {
			return StepParamsV2{}, fmt.Errorf("failed to decode V2 params: %w", err)
		}
		return v2, nil
	default:
		return StepParamsV2{}, fmt.Errorf("unknown params version %d", probe.Version)
	}
}

// EncodeStepParams serializes params at the latest version.
func EncodeStepParams(p StepParamsV2) ([]byte, error) {
	p.Version = StepParamsLatestVersion
	return json.Marshal(p)
}
