package testutil

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/strand/internal/protocol"
)

// AssertGolden compares got against testdata/golden/<name>.golden. Run the
// tests with -update to rewrite the fixture.
func AssertGolden(t *testing.T, name string, got []byte) {
	t.Helper()
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, append(got, '\n'))
}

// AssertGoldenJSON snapshots v as canonical JSON, so map ordering and
// whitespace never cause a diff.
func AssertGoldenJSON(t *testing.T, name string, v any) {
	t.Helper()
	data, err := protocol.MarshalCanonical(v)
	if err != nil {
		t.Fatalf("golden %s: %v", name, err)
	}
	AssertGolden(t, name, data)
}
