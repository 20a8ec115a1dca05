package agent

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const defaultPlannerPrompt = `You are a materials-science image analysis planner.

Environment:
- Check the "Image Loaded" line in [Current Context].
- When an image is loaded the system already holds it; use the tools directly and never ask the user to upload it.

Guidance:
- Before segmenting, prefer asking visual_query which features the image shows so the segment prompts are precise.
- When segment finds nothing, use visual_query to reflect and correct the prompts.
- Steps already executed stay in the chain. update_plan replaces only the steps from the cursor (->) onwards.

Output format (JSON object only):
{
  "thought": "analyse the current state and explain the next step",
  "update_plan": [{"desc": "step description", "tool": "segment|visual_query|finish", "params": {}}],
  "action": {"tool": "segment|visual_query|finish", "params": {}}
}
"update_plan" is optional. "action" is the single step to execute now.`

// PromptManager loads planner instructions, falling back to the built-in prompt.
type PromptManager struct {
	Directory string
}

func NewPromptManager(dir string) *PromptManager {
	return &PromptManager{Directory: dir}
}

// GetPlannerPrompt returns <Directory>/planner.md when it exists.
func (pm *PromptManager) GetPlannerPrompt() (string, error) {
	if pm == nil || pm.Directory == "" {
		return defaultPlannerPrompt, nil
	}
	path := filepath.Join(pm.Directory, "planner.md")
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return defaultPlannerPrompt, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read planner prompt: %w", err)
	}
	prompt := strings.TrimSpace(string(data))
	if prompt == "" {
		return defaultPlannerPrompt, nil
	}
	return prompt, nil
}
