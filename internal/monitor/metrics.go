package monitor

import (
	"context"
	"sort"
	"time"

	apihttp "github.com/nvdpsingh/DevPilot/internal/http"
	"github.com/nvdpsingh/DevPilot/internal/project"
)

// Source is the subset of the API client the dashboard polls.
type Source interface {
	SystemStatus(ctx context.Context) (apihttp.SystemStatusResponse, error)
	List(ctx context.Context) ([]project.Summary, error)
}

// Snapshot is one poll of the server.
type Snapshot struct {
	Status    apihttp.SystemStatusResponse
	Projects  []project.Summary
	FetchedAt time.Time
}

// Count returns how many projects are in status s.
func (s Snapshot) Count(st project.Status) int {
	return s.Status.ByStatus[st]
}

// InFlight returns the number of projects in a non-terminal status.
func (s Snapshot) InFlight() int {
	n := 0
	for st, c := range s.Status.ByStatus {
		if !st.IsTerminal() {
			n += c
		}
	}
	return n
}

// fetchTimeout bounds one poll.
const fetchTimeout = 5 * time.Second

// fetchSnapshot polls src once. Projects are sorted by name.
func fetchSnapshot(ctx context.Context, src Source, now time.Time) (Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	status, err := src.SystemStatus(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	projects, err := src.List(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	sort.Slice(projects, func(i, j int) bool { return projects[i].Name < projects[j].Name })

	return Snapshot{Status: status, Projects: projects, FetchedAt: now}, nil
}
