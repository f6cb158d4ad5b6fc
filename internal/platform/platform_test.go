package platform

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twingraph/goflow/internal/errs"
)

func TestRegistryGetReturnsConfigurationErrorWhenUnregistered(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Get(Container)
	require.Error(t, err)
	var cfgErr *errs.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestRegistryRegisterAndGetRoundTrips(t *testing.T) {
	reg := NewRegistry()
	d := NewInProcessDriver(nil)
	reg.Register(InProcess, d)

	got, err := reg.Get(InProcess)
	require.NoError(t, err)
	assert.Same(t, d, got)
}

func TestRequireKeysReportsFirstMissing(t *testing.T) {
	err := requireKeys(map[string]any{"a": 1}, "a", "b")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "b")
}

func TestScriptShapeEmbedsSourceAndCall(t *testing.T) {
	fn := FunctionDescriptor{Name: "add", SourceListing: "def add(a, b):\n    return a + b"}
	out := scriptShape(fn, `{"kwargs":{"a":1,"b":2}}`)
	assert.Contains(t, out, "def add(a, b):")
	assert.Contains(t, out, `add(**input_data["kwargs"])`)
	assert.Contains(t, out, "__json.dumps(result)")
}

func TestScriptShapeSimpleHasNoTrailingNewline(t *testing.T) {
	fn := FunctionDescriptor{Name: "f", SourceListing: "def f(): pass"}
	out := scriptShapeSimple(fn, "{}")
	assert.NotContains(t, out[len(out)-1:], "\n")
}

func TestDecodeLastJSONLineParsesFinalLine(t *testing.T) {
	raw := "some log noise\nmore noise\n{\"result\": 42}\n"
	v, err := decodeLastJSONLine(raw, Container)
	require.NoError(t, err)
	m, ok := v.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(42), m["result"])
}

func TestDecodeLastJSONLineFailsOnEmptyOutput(t *testing.T) {
	_, err := decodeLastJSONLine("", Container)
	require.Error(t, err)
}

func TestDecodeLastJSONLineFailsOnNonJSONOutput(t *testing.T) {
	_, err := decodeLastJSONLine("not json at all", Container)
	require.Error(t, err)
}

func TestParseJobStatusReadsSucceededAndFailedCounts(t *testing.T) {
	succeeded, failed := parseJobStatus("1 0")
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 0, failed)

	succeeded, failed = parseJobStatus("0 1")
	assert.Equal(t, 0, succeeded)
	assert.Equal(t, 1, failed)
}

func TestParseSlurmJobIDFromAcknowledgement(t *testing.T) {
	assert.Equal(t, "12345", parseSlurmJobID("Submitted batch job 12345"))
	assert.Equal(t, "99", parseSlurmJobID("99"))
	assert.Equal(t, "", parseSlurmJobID(""))
}

func TestIntOrDefaultHandlesVariousEncodedTypes(t *testing.T) {
	assert.Equal(t, 4, intOrDefault(4, 1))
	assert.Equal(t, 4, intOrDefault(float64(4), 1))
	assert.Equal(t, 4, intOrDefault("4", 1))
	assert.Equal(t, 1, intOrDefault("not-a-number", 1))
	assert.Equal(t, 1, intOrDefault(nil, 1))
}

func TestInProcessDriverExecutesDirectlyWithoutSerialization(t *testing.T) {
	d := NewInProcessDriver(func(ctx context.Context, kwargs map[string]any) (map[string]any, error) {
		return map[string]any{"n": kwargs["n"]}, nil
	})
	out, err := d.Execute(context.Background(), FunctionDescriptor{Name: "f"}, map[string]any{"n": 3}, ExecContext{})
	require.NoError(t, err)
	m := out.(map[string]any)
	assert.Equal(t, 3, m["n"])
}

func TestInProcessDriverValidateNeverRequiresConfig(t *testing.T) {
	d := NewInProcessDriver(nil)
	assert.NoError(t, d.Validate(nil))
}

func TestWithConfigRoundTripsThroughContext(t *testing.T) {
	ctx := WithConfig(context.Background(), map[string]any{"image": "x"})
	v, ok := ctx.Value(configKey{}).(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "x", v["image"])
}
