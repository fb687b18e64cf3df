package services

import (
	"encoding/json"
	"fmt"

	"github.com/manthysbr/auleRender/internal/core/domain"
)

// BuildWorkflow deterministically constructs the engine workflow document
// from a job's render fields. It must be pure of I/O and must produce
// byte-identical output for a fixed job record. Go's
// encoding/json sorts map keys, so the node graph below (built from plain
// maps, the same shape ComfyUI itself expects) serializes reproducibly.
//
// Node ids are assigned in a fixed order so inserting/removing a LoRA
// never renumbers unrelated nodes: 1 SaveImage, 2 VAEDecode, 3 KSampler,
// 4 CheckpointLoaderSimple, 5 EmptyLatentImage, 6 positive CLIPTextEncode,
// 7 negative CLIPTextEncode, 9+ one LoraLoader per adapter, chained
// (id 8 is not used).
func BuildWorkflow(job domain.Job) ([]byte, error) {
	if job.Checkpoint == "" {
		return nil, fmt.Errorf("%w: checkpoint is required", domain.ErrValidation)
	}

	// modelOut/clipOut track the current tail of the checkpoint -> LoRA
	// chain so each adapter wires off the previous one's output.
	modelOut := []interface{}{"4", 0}
	clipOut := []interface{}{"4", 1}

	nodes := map[string]interface{}{
		"4": map[string]interface{}{
			"class_type": "CheckpointLoaderSimple",
			"inputs": map[string]interface{}{
				"ckpt_name": job.Checkpoint,
			},
		},
		"5": map[string]interface{}{
			"class_type": "EmptyLatentImage",
			"inputs": map[string]interface{}{
				"width":      job.Width,
				"height":     job.Height,
				"batch_size": job.BatchSize,
			},
		},
	}

	nodeID := 9
	for _, lora := range job.LoRAs {
		id := fmt.Sprintf("%d", nodeID)
		nodes[id] = map[string]interface{}{
			"class_type": "LoraLoader",
			"inputs": map[string]interface{}{
				"lora_name":      lora.Name,
				"strength_model": lora.ModelStrength,
				"strength_clip":  lora.ClipStrength,
				"model":          modelOut,
				"clip":           clipOut,
			},
		}
		modelOut = []interface{}{id, 0}
		clipOut = []interface{}{id, 1}
		nodeID++
	}

	nodes["6"] = map[string]interface{}{
		"class_type": "CLIPTextEncode",
		"inputs": map[string]interface{}{
			"text": job.Prompt,
			"clip": clipOut,
		},
	}
	nodes["7"] = map[string]interface{}{
		"class_type": "CLIPTextEncode",
		"inputs": map[string]interface{}{
			"text": job.NegativePrompt,
			"clip": clipOut,
		},
	}
	nodes["3"] = map[string]interface{}{
		"class_type": "KSampler",
		"inputs": map[string]interface{}{
			"seed":         job.Sampler.Seed,
			"steps":        job.Sampler.Steps,
			"cfg":          job.Sampler.CFG,
			"sampler_name": job.Sampler.Sampler,
			"scheduler":    job.Sampler.Scheduler,
			"denoise":      job.Sampler.Denoise,
			"model":        modelOut,
			"positive":     []interface{}{"6", 0},
			"negative":     []interface{}{"7", 0},
			"latent_image": []interface{}{"5", 0},
		},
	}
	nodes["2"] = map[string]interface{}{
		"class_type": "VAEDecode",
		"inputs": map[string]interface{}{
			"samples": []interface{}{"3", 0},
			"vae":     []interface{}{"4", 2},
		},
	}
	nodes["1"] = map[string]interface{}{
		"class_type": "SaveImage",
		"inputs": map[string]interface{}{
			"filename_prefix": fmt.Sprintf("aule_%s", job.ID),
			"images":          []interface{}{"2", 0},
		},
	}

	document := map[string]interface{}{"prompt": nodes}
	return json.Marshal(document)
}
