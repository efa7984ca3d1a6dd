package schema

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalization_Record(t *testing.T) {
	var n Normalization
	assert.Zero(t, n.Len())

	n.Default("/riskLevel", "extreme", RiskLow)
	n.Default("/classification", nil, ClassificationSimple)
	n.Clamp("/confidence", 1.7, 1.0)

	require.Equal(t, 3, n.Len())
	assert.Equal(t, CorrectionDefaulted, n.Corrections[0].Kind)
	assert.Equal(t, CorrectionClamped, n.Corrections[2].Kind)
	assert.Equal(t, "/riskLevel defaulted from extreme to low", n.Corrections[0].String())
	assert.Equal(t, "/classification defaulted to simple", n.Corrections[1].String())
	assert.Equal(t, "/confidence clamped from 1.7 to 1", n.Corrections[2].String())
}

func TestNormalization_NilLen(t *testing.T) {
	var n *Normalization
	assert.Zero(t, n.Len())
}

func TestNormalization_LogValue(t *testing.T) {
	var n Normalization
	n.Clamp("/estimatedSteps", 40, MaxEstimatedSteps)

	var buf bytes.Buffer
	slog.New(slog.NewTextHandler(&buf, nil)).Info("normalized", slog.Any("corrections", &n))
	assert.Contains(t, buf.String(), `corrections./estimatedSteps="/estimatedSteps clamped from 40 to 20"`)
}
