package orchestrator

import (
	"fmt"

	"github.com/nvdpsingh/DevPilot/internal/project"
)

// transitions lists the legal successors of each non-terminal status, apart
// from Failed and Stopped which every non-terminal status may reach.
var transitions = map[project.Status][]project.Status{
	project.StatusPlanning:  {project.StatusBuilding},
	project.StatusBuilding:  {project.StatusDeploying},
	project.StatusDeploying: {project.StatusTesting},
	project.StatusTesting:   {project.StatusCompleted, project.StatusFixing},
	project.StatusFixing:    {project.StatusDeploying},
}

// CanTransition reports whether from → to is an edge of the state machine.
func CanTransition(from, to project.Status) bool {
	if from.IsTerminal() {
		return false
	}
	if to == project.StatusFailed || to == project.StatusStopped {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// checkTransition returns an error for an illegal edge.
func checkTransition(from, to project.Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("illegal transition %s -> %s", from, to)
	}
	return nil
}

// PhaseFor returns the phase executed while in status s.
func PhaseFor(s project.Status) (project.Phase, bool) {
	switch s {
	case project.StatusPlanning:
		return project.PhasePlan, true
	case project.StatusBuilding:
		return project.PhaseBuild, true
	case project.StatusDeploying:
		return project.PhaseDeploy, true
	case project.StatusTesting:
		return project.PhaseTest, true
	case project.StatusFixing:
		return project.PhaseFix, true
	default:
		return "", false
	}
}

// StatusFor returns the status in which phase p runs.
func StatusFor(p project.Phase) (project.Status, bool) {
	switch p {
	case project.PhasePlan:
		return project.StatusPlanning, true
	case project.PhaseBuild:
		return project.StatusBuilding, true
	case project.PhaseDeploy:
		return project.StatusDeploying, true
	case project.PhaseTest:
		return project.StatusTesting, true
	case project.PhaseFix:
		return project.StatusFixing, true
	default:
		return "", false
	}
}
