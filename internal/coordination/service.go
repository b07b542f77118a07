// Package coordination implements advisory work announcements,
// overlap detection between agents, messaging, and liveness sweeps.
// Announcements never lock anything; the service's job is to make
// concurrent work visible early enough to avoid merge conflicts.
package coordination

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ldi/harbor/internal/db"
	"github.com/ldi/harbor/pkg/models"
)

const (
	defaultStaleThreshold = 10 * time.Minute
	defaultRetention      = 24 * time.Hour
)

// Service coordinates agents sharing one store.
type Service struct {
	db             *db.DB
	staleThreshold time.Duration
	retention      time.Duration
}

func NewService(database *db.DB, opts ...Option) *Service {
	s := &Service{
		db:             database,
		staleThreshold: defaultStaleThreshold,
		retention:      defaultRetention,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AnnounceResult is what an announcing agent gets back: its recorded
// announcement plus everything it should know about who else is near
// the same resource.
type AnnounceResult struct {
	Announcement *models.WorkAnnouncement          `json:"announcement"`
	Overlaps     []*models.WorkOverlap             `json:"overlaps"`
	Suggestions  []*models.CollaborationSuggestion `json:"suggestions"`
}

// AnnounceWork records the announcement and reports overlaps with
// other agents' active work on the same or a nested resource.
func (s *Service) AnnounceWork(ctx context.Context, a *models.WorkAnnouncement) (*AnnounceResult, error) {
	if err := s.db.CreateAnnouncement(ctx, a); err != nil {
		return nil, err
	}

	active, err := s.db.ActiveAnnouncements(ctx)
	if err != nil {
		return nil, err
	}

	overlaps := buildOverlaps(active)
	mine := overlapsInvolving(overlaps, a.AgentID)

	suggestions, err := s.suggestionsFor(ctx, a, mine)
	if err != nil {
		return nil, err
	}

	return &AnnounceResult{Announcement: a, Overlaps: mine, Suggestions: suggestions}, nil
}

// CompleteWork closes the agent's announcements on a resource (all
// of them when resource is empty) and returns how many were closed.
func (s *Service) CompleteWork(ctx context.Context, agentID, resource string) (int, error) {
	return s.db.CompleteAnnouncements(ctx, agentID, resource)
}

// GetActiveWork lists every live announcement.
func (s *Service) GetActiveWork(ctx context.Context) ([]*models.WorkAnnouncement, error) {
	return s.db.ActiveAnnouncements(ctx)
}

// DetectOverlaps reports resources where two or more agents have
// concurrently announced work. A non-empty resource narrows the
// report to overlaps on it or a nested path; a non-empty
// excludeAgent drops that agent's participation, and overlaps left
// with a single agent disappear with it.
func (s *Service) DetectOverlaps(ctx context.Context, resource, excludeAgent string) ([]*models.WorkOverlap, error) {
	active, err := s.db.ActiveAnnouncements(ctx)
	if err != nil {
		return nil, err
	}
	overlaps := buildOverlaps(active)

	var out []*models.WorkOverlap
	for _, o := range overlaps {
		if resource != "" && o.Resource != resource && !nestedResources(o.Resource, resource) {
			continue
		}
		if excludeAgent != "" {
			agents := make([]string, 0, len(o.Agents))
			for _, a := range o.Agents {
				if a != excludeAgent {
					agents = append(agents, a)
				}
			}
			if len(agents) < 2 {
				continue
			}
			o.Agents = agents
		}
		out = append(out, o)
	}
	return out, nil
}

// classifyPair rates the conflict risk between two announcements.
// Identical resource with two mutating intents is the worst case;
// nesting (one resource a path under the other) is a softer signal.
func classifyPair(a, b *models.WorkAnnouncement) models.ConflictRisk {
	mutating := 0
	if a.Intent.Mutating() {
		mutating++
	}
	if b.Intent.Mutating() {
		mutating++
	}

	if a.Resource == b.Resource {
		switch mutating {
		case 2:
			return models.RiskCritical
		case 1:
			return models.RiskHigh
		default:
			return models.RiskLow
		}
	}
	if nestedResources(a.Resource, b.Resource) {
		if mutating > 0 {
			return models.RiskMedium
		}
		return models.RiskLow
	}
	return models.RiskNone
}

func nestedResources(x, y string) bool {
	return strings.HasPrefix(x, y+"/") || strings.HasPrefix(y, x+"/")
}

func buildOverlaps(active []*models.WorkAnnouncement) []*models.WorkOverlap {
	type cluster struct {
		agents map[string]bool
		order  []string
		risk   models.ConflictRisk
	}
	clusters := make(map[string]*cluster)

	record := func(resource string, risk models.ConflictRisk, anns ...*models.WorkAnnouncement) {
		c, ok := clusters[resource]
		if !ok {
			c = &cluster{agents: make(map[string]bool)}
			clusters[resource] = c
		}
		for _, a := range anns {
			if !c.agents[a.AgentID] {
				c.agents[a.AgentID] = true
				c.order = append(c.order, a.AgentID)
			}
		}
		if risk.Level() > c.risk.Level() {
			c.risk = risk
		}
	}

	for i := 0; i < len(active); i++ {
		for j := i + 1; j < len(active); j++ {
			a, b := active[i], active[j]
			if a.AgentID == b.AgentID {
				continue
			}
			risk := classifyPair(a, b)
			if risk == models.RiskNone {
				continue
			}
			// Key the cluster on the more specific resource so a
			// branch-level announcement folds into the file it shadows.
			resource := a.Resource
			if len(b.Resource) > len(resource) {
				resource = b.Resource
			}
			record(resource, risk, a, b)
		}
	}

	overlaps := make([]*models.WorkOverlap, 0, len(clusters))
	for resource, c := range clusters {
		overlaps = append(overlaps, &models.WorkOverlap{
			Resource:   resource,
			Agents:     c.order,
			Risk:       c.risk,
			Suggestion: riskHint(c.risk),
		})
	}
	sort.Slice(overlaps, func(i, j int) bool { return overlaps[i].Resource < overlaps[j].Resource })
	return overlaps
}

func riskHint(risk models.ConflictRisk) string {
	switch risk {
	case models.RiskCritical:
		return "multiple agents are modifying this resource; sequence the work"
	case models.RiskHigh:
		return "a modification is in flight here; coordinate before touching it"
	case models.RiskMedium:
		return "nearby work is in flight; check for shared files"
	default:
		return "concurrent reads only; safe to proceed"
	}
}

func overlapsInvolving(overlaps []*models.WorkOverlap, agentID string) []*models.WorkOverlap {
	var out []*models.WorkOverlap
	for _, o := range overlaps {
		for _, a := range o.Agents {
			if a == agentID {
				out = append(out, o)
				break
			}
		}
	}
	return out
}

// suggestionsFor turns the announcer's overlaps into concrete advice.
// Earlier announcements win sequencing; merge order follows task
// priority when both agents carry a claimed task.
func (s *Service) suggestionsFor(ctx context.Context, a *models.WorkAnnouncement, overlaps []*models.WorkOverlap) ([]*models.CollaborationSuggestion, error) {
	var suggestions []*models.CollaborationSuggestion
	for _, o := range overlaps {
		if o.Risk.Level() < models.RiskMedium.Level() {
			suggestions = append(suggestions, &models.CollaborationSuggestion{
				Kind:      models.SuggestParallel,
				Agents:    o.Agents,
				Rationale: fmt.Sprintf("intents on %s do not conflict; work can proceed in parallel", o.Resource),
			})
			continue
		}

		if !a.Intent.Mutating() && o.Risk.Level() >= models.RiskHigh.Level() {
			// The announcer is reading work someone else is changing
			// under them; better to wait and take the finished result.
			suggestions = append(suggestions, &models.CollaborationSuggestion{
				Kind:      models.SuggestHandoff,
				Agents:    o.Agents,
				Rationale: fmt.Sprintf("%s is being modified; pick it up for %s after the change lands", o.Resource, a.Intent),
			})
		} else {
			suggestions = append(suggestions, &models.CollaborationSuggestion{
				Kind:      models.SuggestSequence,
				Agents:    o.Agents,
				Rationale: fmt.Sprintf("%s announced %s first; finish that before %s proceeds", o.Agents[0], o.Resource, a.AgentID),
			})
		}

		for _, other := range o.Agents {
			if other == a.AgentID {
				continue
			}
			mo, err := s.mergeOrderSuggestion(ctx, a.AgentID, other)
			if err != nil {
				return nil, err
			}
			if mo != nil {
				suggestions = append(suggestions, mo)
			}
		}
	}
	return suggestions, nil
}

func (s *Service) mergeOrderSuggestion(ctx context.Context, agentA, agentB string) (*models.CollaborationSuggestion, error) {
	ta, err := s.currentTask(ctx, agentA)
	if err != nil {
		return nil, err
	}
	tb, err := s.currentTask(ctx, agentB)
	if err != nil {
		return nil, err
	}
	if ta == nil || tb == nil || ta.Priority == tb.Priority {
		return nil, nil
	}

	first, second := agentA, agentB
	urgent := ta
	if tb.Priority < ta.Priority {
		first, second = agentB, agentA
		urgent = tb
	}
	return &models.CollaborationSuggestion{
		Kind:      models.SuggestMergeOrder,
		Agents:    []string{first, second},
		Rationale: fmt.Sprintf("%s holds the more urgent task %s (priority %d); merge its branch first", first, urgent.ID, urgent.Priority),
	}, nil
}

func (s *Service) currentTask(ctx context.Context, agentID string) (*models.Task, error) {
	agent, err := s.db.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent == nil || agent.CurrentTask == "" {
		return nil, nil
	}
	return s.db.GetTask(ctx, agent.CurrentTask)
}

// Broadcast posts a message on a channel. TTL zero means the message
// never expires.
func (s *Service) Broadcast(ctx context.Context, from, channel, payload string, priority int, ttl time.Duration) (*models.AgentMessage, error) {
	m := &models.AgentMessage{
		Channel:  channel,
		From:     from,
		Type:     models.MessageNotification,
		Payload:  payload,
		Priority: priority,
	}
	if ttl > 0 {
		expires := time.Now().Add(ttl)
		m.ExpiresAt = &expires
	}
	if err := s.db.SendMessage(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Inbox returns messages waiting for an agent.
func (s *Service) Inbox(ctx context.Context, agentID, channel string, limit int) ([]*models.AgentMessage, error) {
	return s.db.MessagesFor(ctx, agentID, channel, limit)
}

// StaleSweep reports what CleanupStaleAgents did.
type StaleSweep struct {
	Agents              []string `json:"agents"`
	ReleasedTasks       int      `json:"released_tasks"`
	ClosedAnnouncements int      `json:"closed_announcements"`
}

// CleanupStaleAgents fails agents past the heartbeat threshold,
// returns their tasks to the open pool, and closes their
// announcements so overlap detection stops counting them.
func (s *Service) CleanupStaleAgents(ctx context.Context) (*StaleSweep, error) {
	ids, err := s.db.MarkStaleAgents(ctx, s.staleThreshold)
	if err != nil {
		return nil, err
	}

	sweep := &StaleSweep{Agents: ids}
	for _, id := range ids {
		released, err := s.db.ReleaseAgentTasks(ctx, id)
		if err != nil {
			return nil, err
		}
		sweep.ReleasedTasks += released

		closed, err := s.db.CompleteAnnouncements(ctx, id, "")
		if err != nil {
			return nil, err
		}
		sweep.ClosedAnnouncements += closed
	}
	return sweep, nil
}

// CleanupStats reports what a retention sweep removed.
type CleanupStats struct {
	ExpiredMessages int `json:"expired_messages"`
	OldMessages     int `json:"old_messages"`
	Announcements   int `json:"announcements"`
	DeployRows      int `json:"deploy_rows"`
}

// Cleanup purges expired messages and rows past the retention window.
func (s *Service) Cleanup(ctx context.Context) (*CleanupStats, error) {
	stats := &CleanupStats{}
	cutoff := time.Now().Add(-s.retention)

	var err error
	if stats.ExpiredMessages, err = s.db.DeleteExpiredMessages(ctx); err != nil {
		return nil, err
	}
	if stats.OldMessages, err = s.db.DeleteMessagesBefore(ctx, cutoff); err != nil {
		return nil, err
	}
	if stats.Announcements, err = s.db.DeleteCompletedAnnouncementsBefore(ctx, cutoff); err != nil {
		return nil, err
	}
	if stats.DeployRows, err = s.db.DeleteTerminalDeploysBefore(ctx, cutoff); err != nil {
		return nil, err
	}
	return stats, nil
}

// Status is a point-in-time picture of the coordination layer.
type Status struct {
	ActiveAgents        int `json:"active_agents"`
	ActiveAnnouncements int `json:"active_announcements"`
	ActiveClaims        int `json:"active_claims"`
	PendingDeploys      int `json:"pending_deploys"`
	PendingMessages     int `json:"pending_messages"`
}

// Status summarizes live coordination state.
func (s *Service) Status(ctx context.Context) (*Status, error) {
	st := &Status{}
	var err error
	if st.ActiveAgents, err = s.db.CountAgentsByStatus(ctx, models.AgentStatusActive); err != nil {
		return nil, err
	}
	if st.ActiveAnnouncements, err = s.db.CountActiveAnnouncements(ctx); err != nil {
		return nil, err
	}
	if st.ActiveClaims, err = s.db.CountActiveClaims(ctx); err != nil {
		return nil, err
	}
	if st.PendingDeploys, err = s.db.CountPendingDeploys(ctx); err != nil {
		return nil, err
	}
	if st.PendingMessages, err = s.db.CountPendingMessages(ctx); err != nil {
		return nil, err
	}
	return st, nil
}
