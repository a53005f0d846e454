package queue

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/kursadbilgin/realtime-gate/internal/domain"
)

func TestQueueNames(t *testing.T) {
	if EventsQueue != "realtime.events" {
		t.Fatalf("EventsQueue = %s, want realtime.events", EventsQueue)
	}

	dlqName := DLQName(EventsQueue)
	if dlqName != "dlq.realtime.events" {
		t.Fatalf("DLQName = %s, want dlq.realtime.events", dlqName)
	}
}

func TestPriorityValue(t *testing.T) {
	tests := []struct {
		name     string
		category domain.Category
		want     uint8
	}{
		{name: "message", category: domain.CategoryMessage, want: 3},
		{name: "mention", category: domain.CategoryMention, want: 2},
		{name: "comment", category: domain.CategoryComment, want: 2},
		{name: "like", category: domain.CategoryLike, want: 1},
		{name: "follow", category: domain.CategoryFollow, want: 1},
		{name: "unknown falls back to default", category: domain.Category("poke"), want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PriorityValue(tt.category)
			if got != tt.want {
				t.Fatalf("PriorityValue(%q) = %d, want %d", tt.category, got, tt.want)
			}
		})
	}
}

func TestRealtimeEventValidate(t *testing.T) {
	t.Parallel()

	valid := func() RealtimeEvent {
		return RealtimeEvent{
			EventID:    "evt-1",
			ActorID:    "7",
			Category:   domain.CategoryLike,
			Recipients: []string{"8", "9"},
			Payload:    json.RawMessage(`{"postId":"p1"}`),
		}
	}

	tests := []struct {
		name    string
		mutate  func(e *RealtimeEvent)
		wantErr string
	}{
		{name: "valid", mutate: func(*RealtimeEvent) {}},
		{name: "missing event id", mutate: func(e *RealtimeEvent) { e.EventID = " " }, wantErr: "eventId"},
		{name: "missing actor", mutate: func(e *RealtimeEvent) { e.ActorID = "" }, wantErr: "actorId"},
		{name: "missing category", mutate: func(e *RealtimeEvent) { e.Category = "" }, wantErr: "category"},
		{name: "unknown category allowed", mutate: func(e *RealtimeEvent) { e.Category = "poke" }},
		{name: "no recipients", mutate: func(e *RealtimeEvent) { e.Recipients = nil }, wantErr: "recipients"},
		{name: "blank recipient", mutate: func(e *RealtimeEvent) { e.Recipients = []string{"8", ""} }, wantErr: "recipients[1]"},
		{name: "too many recipients", mutate: func(e *RealtimeEvent) { e.Recipients = make([]string, maxRecipients+1) }, wantErr: "exceeds"},
		{name: "invalid payload", mutate: func(e *RealtimeEvent) { e.Payload = json.RawMessage(`{`) }, wantErr: "payload"},
		{name: "empty payload", mutate: func(e *RealtimeEvent) { e.Payload = nil }, wantErr: "payload"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			event := valid()
			tt.mutate(&event)
			err := event.Validate()

			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() unexpected error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}
