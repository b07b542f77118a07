package deploy

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"

	"github.com/ldi/harbor/internal/errs"
	"github.com/ldi/harbor/pkg/models"
)

// Runner executes an external command and returns its combined
// output. Swapped for a stub in tests.
type Runner interface {
	Run(ctx context.Context, dir, name string, args ...string) (string, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, dir, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), errs.NewExternalCommand(name+" "+strings.Join(args, " "), string(out), err)
	}
	return string(out), nil
}

// execute runs one action against the working tree.
func (b *Batcher) execute(ctx context.Context, a *models.DeployAction) error {
	switch a.Kind {
	case models.DeployCommit:
		return b.executeCommit(ctx, a)
	case models.DeployPush:
		return b.executePush(ctx, a)
	case models.DeployMerge:
		return b.executeMerge(ctx, a)
	case models.DeployWorkflow:
		return b.executeWorkflow(ctx, a)
	case models.DeployDeploy:
		return b.executeDeploy(ctx, a)
	default:
		return errs.NewValidation("kind", fmt.Sprintf("unknown deploy kind %q", a.Kind))
	}
}

func (b *Batcher) executeCommit(ctx context.Context, a *models.DeployAction) error {
	if len(a.Payload.Files) > 0 {
		args := append([]string{"add", "--"}, a.Payload.Files...)
		if _, err := b.runner.Run(ctx, b.workDir, "git", args...); err != nil {
			return err
		}
	} else {
		if _, err := b.runner.Run(ctx, b.workDir, "git", "add", "-A"); err != nil {
			return err
		}
	}
	_, err := b.runner.Run(ctx, b.workDir, "git", "commit", "-m", commitMessage(a.Payload))
	return err
}

// commitMessage itemizes merged commits so the collapsed history
// still names every change.
func commitMessage(p models.DeployPayload) string {
	switch len(p.Messages) {
	case 0:
		return "Automated commit"
	case 1:
		return p.Messages[0]
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Batch commit (%d changes):\n", len(p.Messages))
	for _, m := range p.Messages {
		sb.WriteString("- ")
		sb.WriteString(m)
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (b *Batcher) executePush(ctx context.Context, a *models.DeployAction) error {
	args := []string{"push", "origin", a.Target}
	if a.Payload.Force {
		args = append(args, "--force-with-lease")
	}
	_, err := b.runner.Run(ctx, b.workDir, "git", args...)
	return err
}

func (b *Batcher) executeMerge(ctx context.Context, a *models.DeployAction) error {
	if a.Payload.Source == "" {
		return errs.NewValidation("source", "merge requires a source branch")
	}
	if _, err := b.runner.Run(ctx, b.workDir, "git", "checkout", a.Target); err != nil {
		return err
	}
	if a.Payload.Squash {
		if _, err := b.runner.Run(ctx, b.workDir, "git", "merge", "--squash", a.Payload.Source); err != nil {
			return err
		}
		msg := fmt.Sprintf("Merge %s into %s", a.Payload.Source, a.Target)
		if len(a.Payload.Messages) > 0 {
			msg = commitMessage(a.Payload)
		}
		_, err := b.runner.Run(ctx, b.workDir, "git", "commit", "-m", msg)
		return err
	}
	_, err := b.runner.Run(ctx, b.workDir, "git", "merge", "--no-edit", a.Payload.Source)
	return err
}

func (b *Batcher) executeWorkflow(ctx context.Context, a *models.DeployAction) error {
	args := []string{"workflow", "run", a.Target}
	keys := make([]string, 0, len(a.Payload.WorkflowInputs))
	for k := range a.Payload.WorkflowInputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-f", k+"="+a.Payload.WorkflowInputs[k])
	}
	_, err := b.runner.Run(ctx, b.workDir, "gh", args...)
	return err
}

func (b *Batcher) executeDeploy(ctx context.Context, a *models.DeployAction) error {
	if a.Payload.Command == "" {
		return errs.NewValidation("command", "deploy requires a command")
	}
	_, err := b.runner.Run(ctx, b.workDir, "sh", "-c", a.Payload.Command)
	return err
}
