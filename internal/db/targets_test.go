package db

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/mbaren/dealboard/internal/models"
)

// fakeTargetSource serves targets from a map keyed by owner name, standing
// in for one region/pipeline/quarter scope.
type fakeTargetSource struct {
	targets map[string]models.Target
}

func (f *fakeTargetSource) getTarget(ctx context.Context, regionCode string, pipelineID *uuid.UUID, year, quarter int, ownerName string) (models.Target, error) {
	t, ok := f.targets[ownerName]
	if !ok {
		return models.Target{}, ErrTargetNotSet
	}
	return t, nil
}

func (f *fakeTargetSource) regionHasOwnerTargets(ctx context.Context, regionCode string) (bool, error) {
	for owner := range f.targets {
		if owner != "" {
			return true, nil
		}
	}
	return false, nil
}

func TestResolveTargetOwnerFallback(t *testing.T) {
	team := models.Target{OwnerName: "", Amount: 1000}
	bob := models.Target{OwnerName: "Bob", Amount: 400}

	tests := []struct {
		name       string
		targets    map[string]models.Target
		owner      string
		wantAmount float64
		wantErr    error
	}{
		{
			name:       "owner with a personal target gets it",
			targets:    map[string]models.Target{"": team, "Bob": bob},
			owner:      "Bob",
			wantAmount: 400,
		},
		{
			name:       "no personal targets adopted falls back to team",
			targets:    map[string]models.Target{"": team},
			owner:      "Alice",
			wantAmount: 1000,
		},
		{
			name:    "personal targets adopted blocks fallback for others",
			targets: map[string]models.Target{"": team, "Bob": bob},
			owner:   "Alice",
			wantErr: ErrTargetNotSet,
		},
		{
			name:       "no owner asks for the team row only",
			targets:    map[string]models.Target{"": team, "Bob": bob},
			owner:      "",
			wantAmount: 1000,
		},
		{
			name:    "nothing set at all",
			targets: map[string]models.Target{},
			owner:   "Alice",
			wantErr: ErrTargetNotSet,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &fakeTargetSource{targets: tt.targets}
			got, err := resolveTarget(context.Background(), src, "EMEA", nil, 2026, 1, tt.owner)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got.Amount != tt.wantAmount {
				t.Fatalf("expected amount %.0f, got %.0f", tt.wantAmount, got.Amount)
			}
		})
	}
}
