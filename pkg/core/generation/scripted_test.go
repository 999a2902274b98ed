package generation

import (
	"context"
	"strings"
	"testing"
)

func collect(t *testing.T, st Stream) (partials []string, final string) {
	t.Helper()
	for d := range st.Deltas() {
		if d.Done {
			final = d.Text
			continue
		}
		partials = append(partials, d.Text)
	}
	if err := st.Err(); err != nil {
		t.Fatalf("stream error = %v", err)
	}
	return partials, final
}

func TestScripted_StreamsKnownAgent(t *testing.T) {
	p := NewScripted()
	st, err := p.Generate(context.Background(), Request{Agent: "PatientContextAgent", Input: "what was her last EKG?"})
	if err != nil {
		t.Fatalf("Generate error = %v", err)
	}
	partials, final := collect(t, st)
	if len(partials) == 0 {
		t.Fatalf("expected streamed partial deltas")
	}
	if !strings.Contains(final, "EKG") {
		t.Fatalf("final=%q, want patient-context script", final)
	}
	if strings.Join(partials, " ") != final {
		t.Fatalf("partials do not reassemble to the final text")
	}
}

func TestScripted_FallbackForUnknownAgent(t *testing.T) {
	p := NewScripted()
	st, err := p.Generate(context.Background(), Request{Agent: "NoSuchAgent"})
	if err != nil {
		t.Fatalf("Generate error = %v", err)
	}
	_, final := collect(t, st)
	if !strings.Contains(final, "rephrase") {
		t.Fatalf("final=%q, want fallback text", final)
	}
}

func TestScripted_CancelStopsStream(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := NewScripted()
	st, err := p.Generate(ctx, Request{Agent: "InfoAgent"})
	if err != nil {
		t.Fatalf("Generate error = %v", err)
	}
	cancel()
	for range st.Deltas() {
	}
	// Either the stream finished before cancel or it reports the cancel;
	// both are valid, it must not hang.
	_ = st.Close()
}

func TestEcho_RepeatsInput(t *testing.T) {
	st, err := Echo{}.Generate(context.Background(), Request{Input: "hello there"})
	if err != nil {
		t.Fatalf("Generate error = %v", err)
	}
	_, final := collect(t, st)
	if final != "I heard you say: hello there" {
		t.Fatalf("final=%q", final)
	}
}
