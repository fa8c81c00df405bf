package memory

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseContext(t *testing.T) {
	ctx, err := ParseContext(map[string]any{
		"budget":  100.0,
		"retries": 3,
		"channel": "email",
	})
	require.NoError(t, err)
	assert.Equal(t, Num(100), ctx["budget"])
	assert.Equal(t, Num(3), ctx["retries"])
	assert.Equal(t, Label("email"), ctx["channel"])

	_, err = ParseContext(map[string]any{"bad": []string{"nope"}})
	assert.ErrorIs(t, err, ErrInvalidContext)
}

func TestContextMatches(t *testing.T) {
	ctx := Context{
		"budget":  Num(100),
		"channel": Label("email"),
	}

	tests := []struct {
		name      string
		condition Context
		tolerance float64
		want      bool
	}{
		{
			name:      "exact match",
			condition: Context{"budget": Num(100), "channel": Label("email")},
			tolerance: 0.0,
			want:      true,
		},
		{
			name:      "numeric within tolerance",
			condition: Context{"budget": Num(120)},
			tolerance: 0.3,
			want:      true,
		},
		{
			name:      "numeric outside tolerance",
			condition: Context{"budget": Num(150)},
			tolerance: 0.3,
			want:      false,
		},
		{
			name:      "label mismatch",
			condition: Context{"channel": Label("sms")},
			tolerance: 0.3,
			want:      false,
		},
		{
			name:      "missing key fails",
			condition: Context{"region": Label("emea")},
			tolerance: 0.3,
			want:      false,
		},
		{
			name:      "empty condition matches",
			condition: Context{},
			tolerance: 0.0,
			want:      true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ctx.Matches(tt.condition, tt.tolerance))
		})
	}
}

func TestContextCanonicalKey(t *testing.T) {
	a := Context{"b": Num(2), "a": Num(1), "c": Label("x")}
	b := Context{"c": Label("x"), "a": Num(1), "b": Num(2)}
	assert.Equal(t, "a=1|b=2|c=x", a.CanonicalKey())
	assert.Equal(t, a.CanonicalKey(), b.CanonicalKey())
}

func TestContextJSONRoundTrip(t *testing.T) {
	ctx := Context{"budget": Num(12.5), "channel": Label("email")}
	data, err := json.Marshal(ctx)
	require.NoError(t, err)

	var decoded Context
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, ctx, decoded)
}

func TestNewPredictionValidation(t *testing.T) {
	_, err := NewPrediction("", "subject-line", "email", 1, 1, 0.5, nil)
	assert.ErrorIs(t, err, ErrEmptyTenant)

	_, err = NewPrediction("acme", "", "email", 1, 1, 0.5, nil)
	assert.ErrorIs(t, err, ErrEmptySkill)

	_, err = NewPrediction("acme", "subject-line", "", 1, 1, 0.5, nil)
	assert.ErrorIs(t, err, ErrEmptyDomain)

	_, err = NewPrediction("acme", "subject-line", "email", -1, 1, 0.5, nil)
	assert.ErrorIs(t, err, ErrNegativeMetric)

	p, err := NewPrediction("acme", "subject-line", "email", 30, 100, 1.7, nil)
	require.NoError(t, err)
	assert.Equal(t, 1.0, p.Confidence)
	assert.NotEmpty(t, p.ID)
}

func TestRatioFloorsBaseline(t *testing.T) {
	o := &Outcome{ObservedSignal: 0, ObservedBaseline: 0}
	assert.Equal(t, 0.0, o.ObservedRatio())

	p := &Prediction{ExpectedSignal: 50, ExpectedBaseline: 100}
	assert.InDelta(t, 0.5, p.ExpectedRatio(), 1e-12)
}
