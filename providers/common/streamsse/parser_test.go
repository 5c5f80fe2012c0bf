package streamsse

import (
	"fmt"
	"strings"
	"testing"
)

func TestParseEvents(t *testing.T) {
	t.Parallel()

	stream := strings.Join([]string{
		"event: delta",
		"data: {\"text\":\"hello\"}",
		"",
		": keepalive comment",
		"event: delta",
		"data: line one",
		"data: line two",
		"",
		"data: bare event",
		"",
	}, "\n")

	var got []Event
	err := Parse(strings.NewReader(stream), func(event Event) error {
		got = append(got, event)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}

	want := []Event{
		{Event: "delta", Data: "{\"text\":\"hello\"}"},
		{Event: "delta", Data: "line one\nline two"},
		{Event: "", Data: "bare event"},
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(got))
	}
	for i, event := range want {
		if got[i] != event {
			t.Fatalf("event %d: expected %+v, got %+v", i, event, got[i])
		}
	}
}

func TestParseCallbackErrorStops(t *testing.T) {
	t.Parallel()

	stream := "data: one\n\ndata: two\n\n"
	count := 0
	err := Parse(strings.NewReader(stream), func(Event) error {
		count++
		return fmt.Errorf("stop")
	})
	if err == nil {
		t.Fatalf("expected callback error surfaced")
	}
	if count != 1 {
		t.Fatalf("expected scan stopped after first event, got %d", count)
	}
}

func TestParseFlushesTrailingEventWithoutBlankLine(t *testing.T) {
	t.Parallel()

	var got []Event
	err := Parse(strings.NewReader("data: tail"), func(event Event) error {
		got = append(got, event)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if len(got) != 1 || got[0].Data != "tail" {
		t.Fatalf("expected trailing event flushed, got %+v", got)
	}
}
