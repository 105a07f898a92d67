package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// AppInfoVersionPath is the Jolokia read path for the broker's Kafka version.
const AppInfoVersionPath = "read/kafka.server:type=app-info,id=*/version"

// versionPrecheck refuses to stop a broker whose running Kafka version does
// not match the expected one.
type versionPrecheck struct {
	reader   JolokiaReader
	expected string
}

func newVersionPrecheck(arg string, deps Dependencies) (interface{}, error) {
	expected := strings.TrimSpace(arg)
	if expected == "" {
		return nil, errors.New("expected version must not be empty")
	}
	if deps.Jolokia == nil {
		return nil, errors.New("no jolokia reader available")
	}
	return versionPrecheck{reader: deps.Jolokia, expected: expected}, nil
}

func (v versionPrecheck) PreStop(ctx context.Context, target Target) error {
	raw, err := v.reader.Read(ctx, target.Host, AppInfoVersionPath)
	if err != nil {
		return err
	}
	versions, err := parseVersions(raw)
	if err != nil {
		return err
	}
	for _, got := range versions {
		if got != v.expected {
			return fmt.Errorf("broker runs kafka %s, expected %s", got, v.expected)
		}
	}
	return nil
}

// parseVersions accepts either a bare version string or the wildcard read
// shape {"<mbean>": {"version": "<v>"}}.
func parseVersions(raw json.RawMessage) ([]string, error) {
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return []string{single}, nil
	}

	var byBean map[string]map[string]string
	if err := json.Unmarshal(raw, &byBean); err != nil {
		return nil, fmt.Errorf("unexpected app-info payload %s", string(raw))
	}
	beans := make([]string, 0, len(byBean))
	for bean := range byBean {
		beans = append(beans, bean)
	}
	sort.Strings(beans)

	var versions []string
	for _, bean := range beans {
		if version, ok := byBean[bean]["version"]; ok {
			versions = append(versions, version)
		}
	}
	if len(versions) == 0 {
		return nil, errors.New("app-info payload carries no version")
	}
	return versions, nil
}
