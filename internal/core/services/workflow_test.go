package services

import (
	"testing"

	"github.com/manthysbr/auleRender/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleJob() domain.Job {
	return domain.Job{
		ID:         "job-1",
		Prompt:     "a cat",
		Checkpoint: "v1-5-pruned-emaonly.safetensors",
		Width:      512,
		Height:     768,
		BatchSize:  1,
		Sampler: domain.SamplerConfig{
			Seed:      -1,
			Steps:     20,
			CFG:       7,
			Sampler:   "euler_ancestral",
			Scheduler: "normal",
			Denoise:   1.0,
		},
	}
}

func TestBuildWorkflow_Deterministic(t *testing.T) {
	job := sampleJob()

	a, err := BuildWorkflow(job)
	require.NoError(t, err)
	b, err := BuildWorkflow(job)
	require.NoError(t, err)

	assert.Equal(t, a, b, "BuildWorkflow must be a pure function of the job fields")
}

func TestBuildWorkflow_RejectsMissingCheckpoint(t *testing.T) {
	job := sampleJob()
	job.Checkpoint = ""

	_, err := BuildWorkflow(job)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestBuildWorkflow_ChainsLoRAs(t *testing.T) {
	job := sampleJob()
	job.LoRAs = []domain.LoRA{
		{Name: "style-a", ModelStrength: 0.8, ClipStrength: 0.8},
		{Name: "style-b", ModelStrength: 0.4, ClipStrength: 0.4},
	}

	out, err := BuildWorkflow(job)
	require.NoError(t, err)
	assert.Contains(t, string(out), "style-a")
	assert.Contains(t, string(out), "style-b")
}
