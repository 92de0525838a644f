package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/nugget/yak/internal/workflow"
)

type fakeWorkflow struct {
	got workflow.Params
}

func (f *fakeWorkflow) Run(_ context.Context, p workflow.Params) (*workflow.Result, error) {
	f.got = p
	return &workflow.Result{
		Status:     "ok",
		ImagePath:  "/s/img.png",
		VideoPath:  "/s/vid.mp4",
		RequestID:  "wf",
		RemoteURL:  "https://cdn/vid.mp4",
		ImageModel: "flux",
		VideoModel: "kling",
	}, nil
}

func TestWorkflowTool_ClampsAndStyles(t *testing.T) {
	wf := &fakeWorkflow{}
	r := testRegistry()
	r.SetWorkflow(wf, workflow.StyleSentinel+"\npastel")

	out := r.Execute(turnCtx(), WorkflowToolName, map[string]any{
		"prompt":   "a heron",
		"steps":    50.0,
		"duration": 30.0,
		"width":    100.0,
		"height":   4000.0,
		"seed":     -3.0,
	})

	var got struct {
		Status             string          `json:"status"`
		VideoPath          string          `json:"video_path"`
		RemoteURL          string          `json:"remote_url"`
		EffectiveParams    effectiveParams `json:"effective_params"`
		StyleSuffixApplied bool            `json:"style_suffix_applied"`
	}
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("result is not JSON: %q", out)
	}
	if got.Status != "ok" || got.VideoPath != "/s/vid.mp4" || !got.StyleSuffixApplied {
		t.Errorf("result = %+v", got)
	}

	eff := got.EffectiveParams
	if eff.Steps != 20 || eff.Duration != 15 || eff.Width != 256 || eff.Height != 1536 || eff.Seed != 0 {
		t.Errorf("effective params = %+v", eff)
	}
	if eff.AspectRatio != "1:1" || eff.GuidanceScale != 1.0 || eff.Style != nil {
		t.Errorf("defaults = %+v", eff)
	}

	p := wf.got
	if p.Prompt != "a heron\n\nSTYLE:\n"+workflow.StyleSentinel+"\npastel" {
		t.Errorf("styled prompt = %q", p.Prompt)
	}
	if !strings.HasPrefix(p.VideoPrompt, "Animate the scene smoothly. Add natural motion consistent with: a heron\n\nSTYLE:\n") {
		t.Errorf("video prompt = %q", p.VideoPrompt)
	}
	if p.UserID != "u1" || p.SessionID != "discord:c1" {
		t.Errorf("partition = %q/%q", p.UserID, p.SessionID)
	}
}

func TestWorkflowTool_KeepsExistingStyle(t *testing.T) {
	wf := &fakeWorkflow{}
	r := testRegistry()
	r.SetWorkflow(wf, workflow.StyleSentinel+"\npastel")

	prompt := "a heron " + workflow.StyleSentinel
	r.Execute(turnCtx(), WorkflowToolName, map[string]any{"prompt": prompt, "video_prompt": "glide", "style": "arcane"})

	if wf.got.Prompt != prompt {
		t.Errorf("prompt restyled: %q", wf.got.Prompt)
	}
	if wf.got.Style != "arcane" {
		t.Errorf("style = %q", wf.got.Style)
	}
	if !strings.HasPrefix(wf.got.VideoPrompt, "glide\n\nSTYLE:") {
		t.Errorf("video prompt = %q", wf.got.VideoPrompt)
	}
}
