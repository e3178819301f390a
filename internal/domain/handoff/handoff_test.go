package handoff_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Strob0t/relay/internal/domain"
	"github.com/Strob0t/relay/internal/domain/contract"
	"github.com/Strob0t/relay/internal/domain/handoff"
	"github.com/Strob0t/relay/internal/domain/merge"
)

func validRequest() handoff.CreateRequest {
	return handoff.CreateRequest{
		From:        "planner",
		To:          "coder",
		Description: "write a config parser",
		Contract:    contract.Contract{MaxLines: 100, MaxTokens: 1000, RequiredExports: []string{"parseConfig"}},
	}
}

func TestCreateRequestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *handoff.CreateRequest)
		want   error
	}{
		{"valid", func(*handoff.CreateRequest) {}, nil},
		{"missing from", func(r *handoff.CreateRequest) { r.From = "" }, handoff.ErrFromRequired},
		{"missing to", func(r *handoff.CreateRequest) { r.To = " " }, handoff.ErrToRequired},
		{"missing description", func(r *handoff.CreateRequest) { r.Description = "" }, handoff.ErrDescriptionRequired},
		{"negative timeout", func(r *handoff.CreateRequest) { r.Timeout = -time.Second }, handoff.ErrNegativeTimeout},
		{"bad input", func(r *handoff.CreateRequest) { r.Input = json.RawMessage("{") }, domain.ErrInvalidContract},
		{"empty exports", func(r *handoff.CreateRequest) { r.Contract.RequiredExports = nil }, domain.ErrInvalidContract},
		{"zero budget", func(r *handoff.CreateRequest) { r.Contract.MaxTokens = 0 }, domain.ErrInvalidContract},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validRequest()
			tt.mutate(&r)
			err := r.Validate()
			if tt.want == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if !errors.Is(err, domain.ErrInvalidContract) {
				t.Fatalf("every validation failure must wrap ErrInvalidContract, got %v", err)
			}
		})
	}
}

func TestTransition(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	h := &handoff.Handoff{Status: handoff.StatusPending}

	if err := h.Transition(handoff.StatusAccepted, now); err != nil {
		t.Fatalf("PENDING -> ACCEPTED: %v", err)
	}
	if h.Version != 1 || !h.UpdatedAt.Equal(now) {
		t.Fatalf("version=%d updated=%v", h.Version, h.UpdatedAt)
	}
	err := h.Transition(handoff.StatusCompleted, now)
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("ACCEPTED -> COMPLETED: expected ErrInvalidTransition, got %v", err)
	}
	if h.Status != handoff.StatusAccepted || h.Version != 1 {
		t.Fatal("failed transition must not mutate the handoff")
	}
}

func TestAwaitingResume(t *testing.T) {
	now := time.Now()
	h := &handoff.Handoff{Status: handoff.StatusInputRequired}
	h.AddMessage(handoff.RoleReceiver, handoff.KindQuestion, "which format?", []string{"yaml", "json"}, now)
	if h.AwaitingResume() {
		t.Fatal("unanswered question must not be resumable")
	}
	h.AddMessage(handoff.RoleRequester, handoff.KindAnswer, "yaml", nil, now)
	if !h.AwaitingResume() {
		t.Fatal("answered question must be resumable")
	}
	h.Status = handoff.StatusInProgress
	if h.AwaitingResume() {
		t.Fatal("only INPUT_REQUIRED handoffs await resume")
	}
}

func TestMissingMarkers(t *testing.T) {
	c := &contract.Contract{CompletenessMarkers: []string{"// END parse", "// END validate", "// END tests"}}
	artifacts := []handoff.Artifact{
		{Name: "a", Markers: []string{"// END parse"}},
		{Name: "b", Content: "func v() {}\n// END validate\n"},
		{Name: "c", Fragment: &merge.Fragment{Source: "x := 1"}},
	}
	got := handoff.MissingMarkers(c, artifacts)
	if len(got) != 1 || got[0] != "// END tests" {
		t.Fatalf("MissingMarkers = %v, want [// END tests]", got)
	}
}

func TestFragmentsInArtifactOrder(t *testing.T) {
	h := &handoff.Handoff{Artifacts: []handoff.Artifact{
		{Name: "notes"},
		{Name: "one", Fragment: &merge.Fragment{Source: "1"}},
		{Name: "two", Fragment: &merge.Fragment{Source: "2"}},
	}}
	frags := h.Fragments()
	if len(frags) != 2 || frags[0].Source != "1" || frags[1].Source != "2" {
		t.Fatalf("Fragments = %+v", frags)
	}
}
