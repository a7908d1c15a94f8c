package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"groupscan/internal/core"
	"groupscan/internal/store"
)

const sampleRules = `
rules:
  - trigger: bike for sale
    variations: [bicycle, fixie]
    min_gap: 30m
    messages:
      - text: Is it still available?
        weight: 3
      - text: Would you take an offer?
        active: false
    media:
      - ref: img-42
  - trigger: sofa
    active: false
    position: 7
    messages:
      - text: Does it come apart?
`

func TestParseRuleFile(t *testing.T) {
	inputs, err := parseRuleFile(strings.NewReader(sampleRules))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(inputs) != 2 {
		t.Fatalf("got %d rules", len(inputs))
	}
	bike := inputs[0]
	if !bike.Active || bike.Position != 0 || bike.MinTimeBetweenUses != 30*time.Minute {
		t.Fatalf("unexpected bike rule: %+v", bike)
	}
	if bike.Messages[0].Weight != 3 || !bike.Messages[0].Active || bike.Messages[1].Weight != 1 || bike.Messages[1].Active {
		t.Fatalf("unexpected messages: %+v", bike.Messages)
	}
	if len(bike.Media) != 1 || bike.Media[0].Weight != 1 {
		t.Fatalf("unexpected media: %+v", bike.Media)
	}
	if sofa := inputs[1]; sofa.Active || sofa.Position != 7 {
		t.Fatalf("unexpected sofa rule: %+v", sofa)
	}
}

func TestParseRuleFileRejectsUnknownFields(t *testing.T) {
	if _, err := parseRuleFile(strings.NewReader("rules:\n  - trigger: x\n    weight: 2\n")); err == nil {
		t.Fatal("expected unknown field to be rejected")
	}
	if _, err := parseRuleFile(strings.NewReader("rules:\n  - trigger: x\n    min_gap: soon\n")); err == nil {
		t.Fatal("expected bad duration to be rejected")
	}
}

func TestImportRulesIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(ctx, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	service := core.NewService(st, nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)), time.UTC)

	bad := []core.RuleInput{
		{Trigger: "ok", Messages: []core.Message{{Text: "hi", Weight: 1, Active: true}}},
		{Trigger: "", Messages: []core.Message{{Text: "hi", Weight: 1, Active: true}}},
	}
	if err := importRules(ctx, service, "alice", bad, false, io.Discard); err == nil {
		t.Fatal("expected invalid rule set to fail")
	}
	if rules, _ := service.ListRules(ctx, "alice"); len(rules) != 0 {
		t.Fatalf("partial import left %d rule(s)", len(rules))
	}

	inputs, err := parseRuleFile(strings.NewReader(sampleRules))
	if err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	if err := importRules(ctx, service, "alice", inputs, false, &out); err != nil {
		t.Fatalf("import: %v", err)
	}
	if err := importRules(ctx, service, "alice", inputs[:1], true, &out); err != nil {
		t.Fatalf("replace import: %v", err)
	}
	rules, err := service.ListRules(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != 1 || rules[0].Trigger != "bike for sale" {
		t.Fatalf("after replace: %+v", rules)
	}
	if !strings.Contains(out.String(), "removed 2 rule(s)") {
		t.Fatalf("unexpected output %q", out.String())
	}
}
