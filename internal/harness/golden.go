package harness

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// GoldenDir is where scenario traces are kept, relative to the test's
// package directory.
const GoldenDir = "testdata/golden"

// TraceSnapshot is the serialized form of a scenario trace.
type TraceSnapshot struct {
	ScenarioName string       `json:"scenario_name"`
	Trace        []TraceEvent `json:"trace"`
}

// Snapshot renders a result's trace as indented JSON. Object keys are
// sorted, so equal traces produce equal bytes.
func Snapshot(name string, result *Result) ([]byte, error) {
	data, err := json.MarshalIndent(TraceSnapshot{ScenarioName: name, Trace: result.Trace}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal trace: %w", err)
	}
	return append(data, '\n'), nil
}

// AssertGolden compares result's trace against <dir>/<name>.golden. An
// empty dir means GoldenDir.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func AssertGolden(t *testing.T, dir, name string, result *Result) {
	t.Helper()

	data, err := Snapshot(name, result)
	if err != nil {
		t.Fatal(err)
	}
	goldenFor(t, dir).Assert(t, name, data)
}

// UpdateGolden writes result's trace as the golden file for name.
func UpdateGolden(t *testing.T, dir, name string, result *Result) error {
	t.Helper()

	data, err := Snapshot(name, result)
	if err != nil {
		return err
	}
	return goldenFor(t, dir).Update(t, name, data)
}

func goldenFor(t *testing.T, dir string) *goldie.Goldie {
	if dir == "" {
		dir = GoldenDir
	}
	return goldie.New(t,
		goldie.WithFixtureDir(dir),
		goldie.WithNameSuffix(".golden"),
	)
}
