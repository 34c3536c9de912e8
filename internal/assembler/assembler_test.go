package assembler

import (
	"strings"
	"testing"

	"github.com/parchment-ai/parchment/internal/index"
	"github.com/parchment-ai/parchment/internal/testutil"
)

func hit(id, content string) index.Hit {
	return index.Hit{
		ID: id,
		Source: index.Source{
			Content: content,
			Title:   "title-" + id,
			URL:     "https://example.com/" + id,
			Year:    2023,
			Dataset: "ds",
		},
	}
}

func newAssembler(budget int, template string) *Assembler {
	return New(testutil.NewWordEncoder(), budget, template, "NO CONTEXT FOUND", testutil.Logger())
}

func TestAssembleJoinsInRetrievalOrder(t *testing.T) {
	a := newAssembler(100, "")
	got := a.Assemble("what?", []index.Hit{
		hit("1", "first passage"),
		hit("2", "second passage"),
		hit("3", "third passage"),
	})

	wantContext := "first passage\n\nsecond passage\n\nthird passage"
	if !strings.Contains(got.Prompt, wantContext) {
		t.Errorf("prompt missing joined context:\n%s", got.Prompt)
	}
	if got.Pruned {
		t.Error("nothing over budget, Pruned should be false")
	}
	if len(got.References) != 3 {
		t.Fatalf("got %d references, want 3", len(got.References))
	}
	for i, id := range []string{"1", "2", "3"} {
		if got.References[i].SourceID != id {
			t.Errorf("reference %d = %q, want %q", i, got.References[i].SourceID, id)
		}
	}
}

func TestAssembleTruncatesEachHitIndependently(t *testing.T) {
	a := newAssembler(1, "")
	got := a.Assemble("q", []index.Hit{
		hit("1", "hello world amigos"),
		hit("2", "hello world amigos"),
		hit("3", "hello world amigos"),
	})

	if !strings.Contains(got.Prompt, "hello\n\nhello\n\nhello") {
		t.Errorf("each content block should truncate to its first token:\n%s", got.Prompt)
	}
	if strings.Contains(got.Prompt, "world") {
		t.Error("truncated text leaked past the budget")
	}
	if !got.Pruned {
		t.Error("truncation must set Pruned")
	}
	// All three hits survive truncation.
	if len(got.References) != 3 {
		t.Errorf("got %d references, want 3", len(got.References))
	}
}

func TestAssembleDropsEmptyContent(t *testing.T) {
	a := newAssembler(100, "")
	got := a.Assemble("q", []index.Hit{
		hit("1", "kept"),
		hit("2", ""),
		hit("3", "also kept"),
	})

	if len(got.References) != 2 {
		t.Fatalf("got %d references, want 2", len(got.References))
	}
	if got.References[0].SourceID != "1" || got.References[1].SourceID != "3" {
		t.Errorf("references = %v, want hits 1 and 3", got.References)
	}
	if strings.Contains(got.Prompt, "\n\n\n") {
		t.Error("empty hit left a gap in the context block")
	}
}

func TestAssembleEmptyHitList(t *testing.T) {
	a := newAssembler(100, "")
	got := a.Assemble("anything out there?", nil)

	if len(got.References) != 0 {
		t.Errorf("got %d references, want 0", len(got.References))
	}
	if got.Pruned {
		t.Error("empty hit list should not be pruned")
	}
	if !strings.Contains(got.Prompt, "anything out there?") {
		t.Error("prompt must still carry the question")
	}
	if !strings.Contains(got.Prompt, "NO CONTEXT FOUND") {
		t.Error("prompt must carry the missing-context marker")
	}
}

func TestAssembleSingleOverBudgetHitIsKept(t *testing.T) {
	a := newAssembler(2, "")
	long := strings.Repeat("word ", 50)
	got := a.Assemble("q", []index.Hit{hit("only", long)})

	if len(got.References) != 1 {
		t.Fatal("over-budget hit must be truncated, never dropped")
	}
	if !got.Pruned {
		t.Error("truncation must set Pruned")
	}
}

func TestAssembleReferencesOmitContent(t *testing.T) {
	a := newAssembler(100, "")
	got := a.Assemble("q", []index.Hit{hit("1", "secret content")})

	ref := got.References[0]
	if ref.Title != "title-1" || ref.URL != "https://example.com/1" || ref.Year != 2023 || ref.Dataset != "ds" {
		t.Errorf("reference metadata wrong: %+v", ref)
	}
}

func TestRenderCustomTemplate(t *testing.T) {
	a := newAssembler(100, "CTX[%s] MARKER[%s] Q[%s]")
	got := a.Assemble("why?", []index.Hit{hit("1", "because")})

	want := "CTX[because] MARKER[NO CONTEXT FOUND] Q[why?]"
	if got.Prompt != want {
		t.Errorf("prompt = %q, want %q", got.Prompt, want)
	}
}

func TestRenderFallsBackOnBadTemplate(t *testing.T) {
	tests := []struct {
		name     string
		template string
	}{
		{"too few placeholders", "only %s and %s"},
		{"too many placeholders", "%s %s %s %s"},
		{"wrong verb", "%s %d %s"},
		{"trailing percent", "%s %s %s %"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newAssembler(100, tt.template)
			got := a.Assemble("the question", []index.Hit{hit("1", "the context")})

			// Falls back to the default wording instead of failing the turn.
			if !strings.Contains(got.Prompt, "Answer the question using only the context below.") {
				t.Errorf("expected default template, got:\n%s", got.Prompt)
			}
			if !strings.Contains(got.Prompt, "the context") || !strings.Contains(got.Prompt, "the question") {
				t.Error("default render must still include context and question")
			}
		})
	}
}

func TestValidTemplate(t *testing.T) {
	tests := []struct {
		template string
		want     bool
	}{
		{"%s %s %s", true},
		{"a %s b %s c %s d", true},
		{"100%% done: %s %s %s", true},
		{"%s %s", false},
		{"%s %s %s %s", false},
		{"%v %s %s", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := validTemplate(tt.template); got != tt.want {
			t.Errorf("validTemplate(%q) = %v, want %v", tt.template, got, tt.want)
		}
	}
}
