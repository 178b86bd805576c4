package state

import "github.com/yaront1111/atelier/internal/model"

// Clone helpers return independent copies so published events and accessor
// results never alias state mutated under the store lock.

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string{}, in...)
}

func cloneRails(r model.Rails) model.Rails {
	return model.Rails{
		Forbidden: cloneStrings(r.Forbidden),
		Required:  cloneStrings(r.Required),
	}
}

func cloneProject(p *model.Project) *model.Project {
	out := *p
	out.TechStack = cloneStrings(p.TechStack)
	out.Rails = cloneRails(p.Rails)
	if p.Settings.WIPLimits != nil {
		out.Settings.WIPLimits = make(map[model.Status]int, len(p.Settings.WIPLimits))
		for k, v := range p.Settings.WIPLimits {
			out.Settings.WIPLimits[k] = v
		}
	}
	return &out
}

func cloneEpic(e *model.Epic) *model.Epic {
	out := *e
	out.Rails = cloneRails(e.Rails)
	return &out
}

func cloneTask(t *model.Task) *model.Task {
	out := *t
	out.DefinitionOfDone = cloneStrings(t.DefinitionOfDone)
	out.Rails = cloneRails(t.Rails)
	if t.Plan != nil {
		out.Plan = make([]model.Step, len(t.Plan))
		for i, s := range t.Plan {
			step := s
			step.AffectedFiles = cloneStrings(s.AffectedFiles)
			step.ModifiedFiles = cloneStrings(s.ModifiedFiles)
			out.Plan[i] = step
		}
	}
	if t.Rejection != nil {
		rej := *t.Rejection
		rej.FailedDoD = cloneStrings(t.Rejection.FailedDoD)
		rej.Issues = append([]model.RejectionIssue{}, t.Rejection.Issues...)
		out.Rejection = &rej
	}
	if t.Comments != nil {
		out.Comments = append([]model.Comment{}, t.Comments...)
	}
	if t.StatusTimes != nil {
		out.StatusTimes = make(map[model.Status]string, len(t.StatusTimes))
		for k, v := range t.StatusTimes {
			out.StatusTimes[k] = v
		}
	}
	return &out
}

func cloneWorker(w *model.Worker) *model.Worker {
	out := *w
	return &out
}

func cloneTeam(t *model.Team) *model.Team {
	out := *t
	out.Members = cloneStrings(t.Members)
	return &out
}

func cloneProposal(p *model.RailProposal) *model.RailProposal {
	out := *p
	out.Rails = cloneRails(p.Rails)
	return &out
}
