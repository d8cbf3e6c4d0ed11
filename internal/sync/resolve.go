package sync

import (
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/mbaren/dealboard/internal/hubspot"
)

// Probability source tags carried on each deal row.
const (
	ProbabilitySourceHubSpot = "hubspot"
	ProbabilitySourceDefault = "default"
)

// StageEntry is one resolved stage: display label plus win probability on the
// 0–100 scale.
type StageEntry struct {
	Label       string
	Probability float64
	Source      string
}

// ResolutionMaps translate external owner/pipeline/stage identifiers for one
// sync run. They are built locally per invocation and passed explicitly, so
// concurrent syncs for different regions never share state.
//
// Stage lookup is two-level — pipeline id → stage id → entry — because two
// pipelines may reuse a stage id with different semantics. A flat fallback
// map, populated first-seen only, serves deals whose pipeline association is
// missing or unresolved.
type ResolutionMaps struct {
	ownerNames   map[string]string
	ownerEmails  map[string]string
	pipelineKeys map[string]uuid.UUID
	stages       map[string]map[string]StageEntry
	stageFlat    map[string]StageEntry
}

func NewResolutionMaps() *ResolutionMaps {
	return &ResolutionMaps{
		ownerNames:   make(map[string]string),
		ownerEmails:  make(map[string]string),
		pipelineKeys: make(map[string]uuid.UUID),
		stages:       make(map[string]map[string]StageEntry),
		stageFlat:    make(map[string]StageEntry),
	}
}

// AddOwner records an owner's display name (first+last, falling back to the
// email when both name parts are blank) and email.
func (m *ResolutionMaps) AddOwner(o hubspot.Owner) {
	name := strings.TrimSpace(strings.TrimSpace(o.FirstName) + " " + strings.TrimSpace(o.LastName))
	if name == "" {
		name = o.Email
	}
	m.ownerNames[o.ID] = name
	m.ownerEmails[o.ID] = o.Email
}

// AddPipeline records a pipeline's local surrogate key and its stage
// entries. Stage probability arrives as a 0–1 fraction string and is scaled
// to 0–100; an unparseable fraction yields probability 0 tagged "default".
func (m *ResolutionMaps) AddPipeline(p hubspot.Pipeline, localID uuid.UUID) {
	m.pipelineKeys[p.ID] = localID

	scoped := make(map[string]StageEntry, len(p.Stages))
	for _, stage := range p.Stages {
		entry := StageEntry{Label: stage.Label, Source: ProbabilitySourceDefault}
		if frac, err := strconv.ParseFloat(stage.Metadata.Probability, 64); err == nil {
			entry.Probability = frac * 100
			entry.Source = ProbabilitySourceHubSpot
		}

		scoped[stage.ID] = entry
		if _, seen := m.stageFlat[stage.ID]; !seen {
			m.stageFlat[stage.ID] = entry
		}
	}
	m.stages[p.ID] = scoped
}

// OwnerName resolves an owner id to a display name; "Unassigned" when the
// owner set has no entry (including the degraded empty-owner-fetch case).
func (m *ResolutionMaps) OwnerName(ownerID string) string {
	if name, ok := m.ownerNames[ownerID]; ok && name != "" {
		return name
	}
	return "Unassigned"
}

func (m *ResolutionMaps) OwnerEmail(ownerID string) string {
	return m.ownerEmails[ownerID]
}

// PipelineKey returns the local surrogate key for an external pipeline id.
func (m *ResolutionMaps) PipelineKey(pipelineID string) (uuid.UUID, bool) {
	id, ok := m.pipelineKeys[pipelineID]
	return id, ok
}

// ResolveStage resolves a stage for a deal: the pipeline-scoped entry first,
// the flat fallback next, and finally the raw identifier verbatim with
// probability 0. It never fails.
func (m *ResolutionMaps) ResolveStage(pipelineID, stageID string) StageEntry {
	if scoped, ok := m.stages[pipelineID]; ok {
		if entry, ok := scoped[stageID]; ok {
			return entry
		}
	}
	if entry, ok := m.stageFlat[stageID]; ok {
		return entry
	}
	return StageEntry{Label: stageID, Probability: 0, Source: ProbabilitySourceDefault}
}
