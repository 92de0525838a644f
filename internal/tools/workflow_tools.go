package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/nugget/yak/internal/workflow"
)

// WorkflowToolName is the long-running text → video tool. The agent
// acknowledges calls to it before they start and turns its result into
// a media reply.
const WorkflowToolName = "text_to_video_workflow"

// Runtime caps. Schemas accept more so the model does not fail
// validation; execution clamps.
const (
	workflowMaxSteps    = 20
	workflowMaxDuration = 15
	workflowMinSide     = 256
	workflowMaxSide     = 1536
)

// WorkflowRunner runs the two-stage video pipeline.
type WorkflowRunner interface {
	Run(ctx context.Context, p workflow.Params) (*workflow.Result, error)
}

type effectiveParams struct {
	Width         int     `json:"width"`
	Height        int     `json:"height"`
	Steps         int     `json:"steps"`
	Seed          int     `json:"seed"`
	GuidanceScale float64 `json:"guidance_scale"`
	Duration      int     `json:"duration"`
	AspectRatio   string  `json:"aspect_ratio"`
	VideoPrompt   string  `json:"video_prompt"`
	Style         *string `json:"style"`
}

type workflowOutput struct {
	*workflow.Result
	EffectiveParams    effectiveParams `json:"effective_params"`
	StyleSuffixApplied bool            `json:"style_suffix_applied"`
}

// SetWorkflow registers text_to_video_workflow. styleSuffix is appended
// to both the image and the motion prompt.
func (r *Registry) SetWorkflow(runner WorkflowRunner, styleSuffix string) {
	r.Register(&Tool{
		Name: WorkflowToolName,
		Description: "Create a video from a text prompt by first generating a local image " +
			"with FLUX.2-klein-9B, then sending that image to fal image-to-video. " +
			fmt.Sprintf("Note: steps > %d and duration > %ds will be clamped. ", workflowMaxSteps, workflowMaxDuration) +
			"A default anime style suffix may be appended unless overridden. " +
			"Available art styles (via LoRA): arcane, cyanide_and_happiness, devil_may_cry.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"prompt":         map[string]any{"type": "string", "minLength": 1},
				"width":          map[string]any{"type": "integer", "minimum": workflowMinSide, "maximum": workflowMaxSide},
				"height":         map[string]any{"type": "integer", "minimum": workflowMinSide, "maximum": workflowMaxSide},
				"steps":          map[string]any{"type": "integer", "minimum": 1, "maximum": 60},
				"seed":           map[string]any{"type": "integer"},
				"guidance_scale": map[string]any{"type": "number", "minimum": 0.1, "maximum": 10.0},
				"duration":       map[string]any{"type": "integer", "minimum": 3, "maximum": 60},
				"aspect_ratio":   map[string]any{"type": "string", "enum": []string{"16:9", "9:16", "1:1"}},
				"video_prompt":   map[string]any{"type": "string"},
				"style": map[string]any{
					"type": "string",
					"enum": []string{"arcane", "cyanide_and_happiness", "devil_may_cry"},
					"description": "LoRA art style to apply. arcane=Arcane League of Legends, " +
						"cyanide_and_happiness=stick figure webcomic, devil_may_cry=DMC game style.",
				},
				"user_id":    map[string]any{"type": "string"},
				"session_id": map[string]any{"type": "string"},
			},
			"required": []string{"prompt"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			turn := TurnFromContext(ctx)
			def := workflow.DefaultParams()
			prompt := stringArg(args, "prompt")

			eff := effectiveParams{
				Width:         clamp(intArg(args, "width", def.Width), workflowMinSide, workflowMaxSide),
				Height:        clamp(intArg(args, "height", def.Height), workflowMinSide, workflowMaxSide),
				Steps:         clamp(intArg(args, "steps", def.Steps), 1, workflowMaxSteps),
				Seed:          max(0, intArg(args, "seed", def.Seed)),
				GuidanceScale: floatArg(args, "guidance_scale", def.GuidanceScale),
				Duration:      clamp(intArg(args, "duration", def.Duration), 3, workflowMaxDuration),
				AspectRatio:   firstNonEmpty(stringArg(args, "aspect_ratio"), def.AspectRatio),
			}
			if style := stringArg(args, "style"); style != "" {
				eff.Style = &style
			}

			videoPrompt := stringArg(args, "video_prompt")
			if videoPrompt == "" {
				videoPrompt = "Animate the scene smoothly. Add natural motion consistent with: " + strings.TrimSpace(prompt)
			}
			eff.VideoPrompt = workflow.AppendStyle(videoPrompt, styleSuffix)

			params := workflow.Params{
				Prompt:        workflow.AppendStyle(prompt, styleSuffix),
				VideoPrompt:   eff.VideoPrompt,
				UserID:        firstNonEmpty(stringArg(args, "user_id"), turn.UserID),
				SessionID:     firstNonEmpty(stringArg(args, "session_id"), turn.SessionKey),
				Width:         eff.Width,
				Height:        eff.Height,
				Steps:         eff.Steps,
				Seed:          eff.Seed,
				GuidanceScale: eff.GuidanceScale,
				Duration:      eff.Duration,
				AspectRatio:   eff.AspectRatio,
			}
			if eff.Style != nil {
				params.Style = *eff.Style
			}

			res, err := runner.Run(ctx, params)
			if err != nil {
				return "", err
			}
			return toJSON(workflowOutput{Result: res, EffectiveParams: eff, StyleSuffixApplied: true})
		},
	})
}
