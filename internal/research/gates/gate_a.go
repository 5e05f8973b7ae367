package gates

import (
	"fmt"
	"strings"

	"github.com/danshapiro/paidr/internal/research/canonical"
	"github.com/danshapiro/paidr/internal/research/manifest"
	"github.com/danshapiro/paidr/internal/research/wave"
)

// EvaluateA checks scope and plan alignment: scope and perspectives exist
// and validate, every planned perspective is declared, every prompt carries
// the scope contract, and the plan respects the wave-1 agent cap. The gate
// passes only with zero warnings.
func EvaluateA(runRoot string, m *manifest.Manifest) (Result, error) {
	res := Result{
		GateID:    "A",
		Artifacts: []string{manifest.ScopePath, manifest.PerspectivesPath, manifest.Wave1PlanPath},
	}

	scope, err := wave.LoadScope(runRoot)
	if err != nil {
		res.Warnings = append(res.Warnings, "scope: "+err.Error())
	}
	persp, err := wave.LoadPerspectives(runRoot)
	if err != nil {
		res.Warnings = append(res.Warnings, "perspectives: "+err.Error())
	}
	plan, err := wave.LoadPlan(runRoot, 1)
	if err != nil {
		res.Warnings = append(res.Warnings, "wave1 plan: "+err.Error())
	}

	if plan != nil {
		if len(plan.Entries) > m.Limits.MaxWave1Agents {
			res.Warnings = append(res.Warnings, fmt.Sprintf("plan has %d entries, cap is %d", len(plan.Entries), m.Limits.MaxWave1Agents))
		}
		declared := map[string]bool{}
		if persp != nil {
			for _, p := range persp.Perspectives {
				declared[p.ID] = true
			}
		}
		for _, entry := range plan.Entries {
			if persp != nil && !declared[entry.PerspectiveID] {
				res.Warnings = append(res.Warnings, fmt.Sprintf("plan entry %s has no declared perspective", entry.PerspectiveID))
			}
			if !strings.Contains(entry.PromptMD, "## Scope Contract") {
				res.Warnings = append(res.Warnings, fmt.Sprintf("prompt for %s lacks the scope contract", entry.PerspectiveID))
			}
		}
		res.Metrics = map[string]any{
			"planned_agents": len(plan.Entries),
			"agent_cap":      m.Limits.MaxWave1Agents,
			"warning_count":  len(res.Warnings),
		}
	}

	digestInput := map[string]any{"warnings": res.Warnings}
	if scope != nil {
		digestInput["scope_query"] = scope.QueryText
	}
	if plan != nil {
		digestInput["plan_digest"] = plan.InputsDigest
	}
	digest, err := canonical.Digest(digestInput)
	if err != nil {
		return res, err
	}
	res.InputsDigest = digest

	if len(res.Warnings) == 0 {
		res.Status = manifest.GatePass
	} else {
		res.Status = manifest.GateFail
		res.Notes = "scope alignment violations present"
	}
	if res.Metrics == nil {
		res.Metrics = map[string]any{"warning_count": len(res.Warnings)}
	} else {
		res.Metrics["warning_count"] = len(res.Warnings)
	}
	return res, nil
}
